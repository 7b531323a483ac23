package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservation lifecycle
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reservations_total",
			Help: "Reservation attempts by operation and outcome (reserved, insufficient, error)",
		},
		[]string{"operation", "outcome"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_settlements_total",
			Help: "Reservations settled by operation and terminal status",
		},
		[]string{"operation", "status"},
	)

	TokensReserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tokens_reserved_total",
			Help: "Estimated tokens placed on hold",
		},
		[]string{"operation"},
	)

	TokensSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tokens_settled_total",
			Help: "Actual tokens charged on completion",
		},
		[]string{"operation"},
	)

	// Purchases
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_purchases_total",
			Help: "Purchase recordings by pack and outcome (recorded, duplicate)",
		},
		[]string{"pack", "outcome"},
	)

	TokensPurchased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tokens_purchased_total",
			Help: "Tokens credited by completed purchases",
		},
		[]string{"pack"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Stripe webhook deliveries by event type and result",
		},
		[]string{"event_type", "result"},
	)

	// Ledger health
	BalanceAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_balance_anomalies_total",
			Help: "Balance reads that came out negative",
		},
	)

	StaleReservationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_stale_reservations_failed_total",
			Help: "Pending reservations released by the sweeper after timing out",
		},
	)
)

// RecordReservation counts a reservation attempt.
func RecordReservation(operation, outcome string, tokens int64) {
	ReservationsTotal.WithLabelValues(operation, outcome).Inc()
	if outcome == "reserved" {
		TokensReserved.WithLabelValues(operation).Add(float64(tokens))
	}
}

// RecordSettlement counts a reservation reaching a terminal status.
func RecordSettlement(operation, status string, tokens int64) {
	SettlementsTotal.WithLabelValues(operation, status).Inc()
	if tokens > 0 {
		TokensSettled.WithLabelValues(operation).Add(float64(tokens))
	}
}

// RecordPurchase counts a purchase recording.
func RecordPurchase(pack, outcome string, tokens int64) {
	PurchasesTotal.WithLabelValues(pack, outcome).Inc()
	if outcome == "recorded" {
		TokensPurchased.WithLabelValues(pack).Add(float64(tokens))
	}
}
