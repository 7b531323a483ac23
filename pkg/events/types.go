package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Purchase events
	EventPurchaseRecorded  EventType = "purchase.recorded"
	EventPurchaseDuplicate EventType = "purchase.duplicate"

	// Reservation lifecycle events
	EventUsageReserved      EventType = "usage.reserved"
	EventUsageCompleted     EventType = "usage.completed"
	EventUsageFailed        EventType = "usage.failed"
	EventReservationExpired EventType = "reservation.expired"

	// Ledger health
	EventBalanceAnomaly EventType = "balance.anomaly"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type      EventType
	Timestamp time.Time

	// UserID is the end user the event belongs to (empty for system events)
	UserID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
