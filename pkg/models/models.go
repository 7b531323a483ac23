package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperationType identifies a billable AI operation.
type OperationType string

const (
	OperationOutline           OperationType = "outline"
	OperationOutlineWithSearch OperationType = "outlineWithSearch"
	OperationImagePrompts      OperationType = "imagePrompts"
	OperationSlideSuggestions  OperationType = "slideSuggestions"
	OperationImage             OperationType = "image"
	OperationAttachedImage     OperationType = "attachedImage"
)

var operationTypes = []OperationType{
	OperationOutline,
	OperationOutlineWithSearch,
	OperationImagePrompts,
	OperationSlideSuggestions,
	OperationImage,
	OperationAttachedImage,
}

// OperationTypes returns every known operation type.
func OperationTypes() []OperationType {
	out := make([]OperationType, len(operationTypes))
	copy(out, operationTypes)
	return out
}

// Valid reports whether op is one of the known operation types.
func (op OperationType) Valid() bool {
	for _, known := range operationTypes {
		if op == known {
			return true
		}
	}
	return false
}

// ParseOperationType converts a wire value into an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	op := OperationType(strings.TrimSpace(s))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation type %q", s)
	}
	return op, nil
}

// UsageStatus is the lifecycle state of a usage record.
type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "pending"
	UsageStatusCompleted UsageStatus = "completed"
	UsageStatusFailed    UsageStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s UsageStatus) IsTerminal() bool {
	return s == UsageStatusCompleted || s == UsageStatusFailed
}

// PackType identifies a purchasable token pack.
type PackType string

const (
	PackStarter  PackType = "starter"
	PackStandard PackType = "standard"
	PackPro      PackType = "pro"
)

// ParsePackType normalizes and validates a pack identifier.
func ParsePackType(s string) (PackType, error) {
	switch p := PackType(strings.ToLower(strings.TrimSpace(s))); p {
	case PackStarter, PackStandard, PackPro:
		return p, nil
	default:
		return "", fmt.Errorf("unknown pack type %q", s)
	}
}

// PurchaseStatus is the state of a purchase record. Records are only written
// after payment confirmation, so completed is the only state today.
type PurchaseStatus string

const PurchaseStatusCompleted PurchaseStatus = "completed"

// TokenAccount is the per-user join key for all ledger entries.
type TokenAccount struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PurchaseRecord is a completed token-pack purchase.
type PurchaseRecord struct {
	ID                    uuid.UUID      `json:"id"`
	AccountID             uuid.UUID      `json:"account_id"`
	PackType              PackType       `json:"pack_type"`
	TokensAmount          int64          `json:"tokens_amount"`
	AmountPaid            int64          `json:"amount_paid"` // minor currency units
	Currency              string         `json:"currency"`
	StripeSessionID       string         `json:"stripe_session_id"`
	StripePaymentIntentID *string        `json:"stripe_payment_intent_id,omitempty"`
	Status                PurchaseStatus `json:"status"`
	CompletedAt           time.Time      `json:"completed_at"`
	CreatedAt             time.Time      `json:"created_at"`
}

// UsageRecord tracks one billable operation from reservation to settlement.
type UsageRecord struct {
	ID              uuid.UUID      `json:"id"`
	AccountID       uuid.UUID      `json:"account_id"`
	PresentationID  *string        `json:"presentation_id,omitempty"`
	OperationType   OperationType  `json:"operation_type"`
	EstimatedTokens int64          `json:"estimated_tokens"`
	TokensUsed      *int64         `json:"tokens_used,omitempty"`
	Status          UsageStatus    `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Hold returns how many tokens this record currently removes from the
// available balance.
func (u *UsageRecord) Hold() int64 {
	switch u.Status {
	case UsageStatusPending:
		return u.EstimatedTokens
	case UsageStatusCompleted:
		if u.TokensUsed != nil {
			return *u.TokensUsed
		}
	}
	return 0
}
