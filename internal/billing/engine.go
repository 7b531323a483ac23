package billing

import (
	"context"
	"fmt"

	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/models"
	"go.uber.org/zap"
)

// Engine wires the ledger components around one store.
type Engine struct {
	store  ledger.Store
	logger *zap.Logger

	Balances     *BalanceCalculator
	Reservations *ReservationManager
	Purchases    *PurchaseRecorder
	Checkout     *CheckoutInitiator
	Sweeper      *Sweeper
}

// NewEngine creates a billing engine. sessions may be nil, which disables
// checkout but leaves the ledger fully functional.
func NewEngine(store ledger.Store, sessions CheckoutSessionCreator, cfg config.BillingConfig, logger *zap.Logger, bus *events.Bus) *Engine {
	e := &Engine{
		store:        store,
		logger:       logger,
		Balances:     NewBalanceCalculator(store, logger, bus),
		Reservations: NewReservationManager(store, logger, bus),
		Purchases:    NewPurchaseRecorder(store, cfg.Currency, logger, bus),
		Sweeper:      NewSweeper(store, cfg.ReservationTimeout, cfg.SweepInterval, cfg.SweepBatchSize, logger, bus),
	}
	if sessions != nil {
		e.Checkout = NewCheckoutInitiator(sessions, cfg.Currency, cfg.SuccessURL, cfg.CancelURL, logger)
	}
	return e
}

// UsageHistory lists a user's usage records, newest first.
func (e *Engine) UsageHistory(ctx context.Context, userID string, limit, offset int) ([]models.UsageRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	acct, err := e.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return e.store.ListUsage(ctx, acct.ID, limit, offset)
}

// Health reports whether the ledger store is reachable.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// StartBackgroundJobs starts the stale reservation sweep.
func (e *Engine) StartBackgroundJobs(ctx context.Context) {
	e.Sweeper.Start(ctx)
}
