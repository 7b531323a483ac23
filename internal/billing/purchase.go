package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/pricing"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/metrics"
	"github.com/bananafyi/tokens/pkg/models"
	"go.uber.org/zap"
)

// PurchaseRecorder credits accounts for confirmed payments, once per session.
type PurchaseRecorder struct {
	store    ledger.Store
	logger   *zap.Logger
	bus      *events.Bus
	currency string
	now      func() time.Time
}

// NewPurchaseRecorder creates a recorder that books purchases in currency.
func NewPurchaseRecorder(store ledger.Store, currency string, logger *zap.Logger, bus *events.Bus) *PurchaseRecorder {
	if currency == "" {
		currency = "usd"
	}
	return &PurchaseRecorder{
		store:    store,
		logger:   logger,
		bus:      bus,
		currency: currency,
		now:      time.Now,
	}
}

// RecordPurchase inserts a completed purchase for the pack. The payment
// session id is unique in the ledger; a repeat returns the stored record
// together with ErrDuplicatePurchase. Any other failure propagates.
func (r *PurchaseRecorder) RecordPurchase(ctx context.Context, userID string, packType models.PackType, sessionID string, paymentIntentID *string) (*models.PurchaseRecord, error) {
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: user id and payment session id are required", ErrInvalidRequest)
	}
	pack, ok := pricing.PackFor(packType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown pack type %q", ErrInvalidRequest, packType)
	}

	acct, err := r.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	now := r.now().UTC()
	rec := &models.PurchaseRecord{
		AccountID:             acct.ID,
		PackType:              pack.Type,
		TokensAmount:          pack.Tokens,
		AmountPaid:            pack.PriceCents,
		Currency:              r.currency,
		StripeSessionID:       sessionID,
		StripePaymentIntentID: paymentIntentID,
		Status:                models.PurchaseStatusCompleted,
		CompletedAt:           now,
		CreatedAt:             now,
	}
	err = r.store.InsertPurchase(ctx, rec)
	if ledger.IsConstraintViolation(err, ledger.ConstraintPurchaseSession) {
		return r.duplicate(ctx, userID, sessionID, pack)
	}
	if err != nil {
		metrics.RecordPurchase(string(pack.Type), "error", 0)
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	metrics.RecordPurchase(string(pack.Type), "recorded", pack.Tokens)
	r.logger.Info("purchase recorded",
		zap.String("user_id", userID),
		zap.String("purchase_id", rec.ID.String()),
		zap.String("pack_type", string(pack.Type)),
		zap.Int64("tokens", pack.Tokens),
		zap.String("session_id", sessionID),
	)
	r.bus.Publish(ctx, events.NewEvent(events.EventPurchaseRecorded, userID, map[string]interface{}{
		"purchase_id": rec.ID.String(),
		"pack_type":   string(pack.Type),
		"tokens":      pack.Tokens,
		"amount_paid": pack.PriceCents,
		"currency":    r.currency,
		"session_id":  sessionID,
	}))
	return rec, nil
}

func (r *PurchaseRecorder) duplicate(ctx context.Context, userID, sessionID string, pack pricing.Pack) (*models.PurchaseRecord, error) {
	metrics.RecordPurchase(string(pack.Type), "duplicate", 0)
	r.logger.Info("purchase already recorded for session",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
	)
	r.bus.Publish(ctx, events.NewEvent(events.EventPurchaseDuplicate, userID, map[string]interface{}{
		"session_id": sessionID,
	}))

	existing, err := r.store.GetPurchaseBySession(ctx, sessionID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("load existing purchase: %w", err)
	}
	return existing, fmt.Errorf("%w: session %s", ErrDuplicatePurchase, sessionID)
}

// History lists a user's purchases, newest first.
func (r *PurchaseRecorder) History(ctx context.Context, userID string) ([]models.PurchaseRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	acct, err := r.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return r.store.ListPurchases(ctx, acct.ID)
}
