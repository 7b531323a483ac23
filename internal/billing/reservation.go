package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/metrics"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReserveRequest describes a hold placed before a billable operation runs.
type ReserveRequest struct {
	UserID          string               `json:"user_id"`
	EstimatedTokens int64                `json:"estimated_tokens"`
	Operation       models.OperationType `json:"operation_type"`
	PresentationID  *string              `json:"presentation_id,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

func (r ReserveRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidRequest, r.Operation)
	}
	if r.EstimatedTokens < 0 {
		return fmt.Errorf("%w: estimated tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Operation is the billable work guarded by ReservationManager.Run. It
// returns the actual token cost to settle with.
type Operation func(ctx context.Context, rec *models.UsageRecord) (int64, error)

// ReservationManager drives usage records through pending -> completed|failed.
type ReservationManager struct {
	store         ledger.Store
	logger        *zap.Logger
	bus           *events.Bus
	settleTimeout time.Duration
	now           func() time.Time
}

// NewReservationManager creates a manager over store.
func NewReservationManager(store ledger.Store, logger *zap.Logger, bus *events.Bus) *ReservationManager {
	return &ReservationManager{
		store:         store,
		logger:        logger,
		bus:           bus,
		settleTimeout: DefaultSettleTimeout,
		now:           time.Now,
	}
}

// Reserve places a pending hold. The store checks the balance and inserts the
// record atomically, so concurrent reservations cannot overdraw the account.
// A shortfall is returned as *ledger.InsufficientBalanceError.
func (m *ReservationManager) Reserve(ctx context.Context, req ReserveRequest) (*models.UsageRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	acct, err := m.store.GetOrCreateAccount(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	rec := &models.UsageRecord{
		AccountID:       acct.ID,
		PresentationID:  req.PresentationID,
		OperationType:   req.Operation,
		EstimatedTokens: req.EstimatedTokens,
		Status:          models.UsageStatusPending,
		Metadata:        req.Metadata,
		CreatedAt:       m.now().UTC(),
	}
	remaining, err := m.store.ReserveUsage(ctx, rec)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			metrics.RecordReservation(string(req.Operation), "insufficient", 0)
			m.logger.Info("reservation rejected: insufficient balance",
				zap.String("user_id", req.UserID),
				zap.String("operation", string(req.Operation)),
				zap.Int64("required", insufficient.Required),
				zap.Int64("available", insufficient.Available),
			)
			return nil, err
		}
		metrics.RecordReservation(string(req.Operation), "error", 0)
		return nil, fmt.Errorf("reserve usage: %w", err)
	}

	metrics.RecordReservation(string(req.Operation), "reserved", rec.EstimatedTokens)
	m.logger.Info("tokens reserved",
		zap.String("user_id", req.UserID),
		zap.String("usage_id", rec.ID.String()),
		zap.String("operation", string(req.Operation)),
		zap.Int64("estimated_tokens", rec.EstimatedTokens),
		zap.Int64("remaining", remaining),
	)
	m.bus.Publish(ctx, events.NewEvent(events.EventUsageReserved, req.UserID, map[string]interface{}{
		"usage_id":         rec.ID.String(),
		"account_id":       acct.ID.String(),
		"operation_type":   string(req.Operation),
		"estimated_tokens": rec.EstimatedTokens,
	}))
	return rec, nil
}

// Complete settles a reservation with the actual cost, which may differ from
// the estimate. Completing a record that is already terminal is a no-op: the
// stored record is returned and a warning is logged.
func (m *ReservationManager) Complete(ctx context.Context, usageID uuid.UUID, actualTokens int64) (*models.UsageRecord, error) {
	if actualTokens < 0 {
		return nil, fmt.Errorf("%w: actual tokens must not be negative", ErrInvalidRequest)
	}
	return m.settle(ctx, usageID, models.UsageStatusCompleted, &actualTokens)
}

// Fail releases a reservation. The hold stops counting against the balance.
func (m *ReservationManager) Fail(ctx context.Context, usageID uuid.UUID) (*models.UsageRecord, error) {
	return m.settle(ctx, usageID, models.UsageStatusFailed, nil)
}

func (m *ReservationManager) settle(ctx context.Context, usageID uuid.UUID, status models.UsageStatus, tokensUsed *int64) (*models.UsageRecord, error) {
	rec, err := m.store.UpdateUsageStatus(ctx, usageID, status, tokensUsed, m.now())
	if errors.Is(err, ledger.ErrNotPending) {
		current, getErr := m.store.GetUsage(ctx, usageID)
		if getErr != nil {
			return nil, fmt.Errorf("load settled usage: %w", getErr)
		}
		m.logger.Warn("settlement ignored: usage record already terminal",
			zap.String("usage_id", usageID.String()),
			zap.String("requested_status", string(status)),
			zap.String("current_status", string(current.Status)),
		)
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settle usage %s: %w", usageID, err)
	}

	var settled int64
	if rec.TokensUsed != nil {
		settled = *rec.TokensUsed
	}
	metrics.RecordSettlement(string(rec.OperationType), string(status), settled)

	fields := []zap.Field{
		zap.String("usage_id", rec.ID.String()),
		zap.String("account_id", rec.AccountID.String()),
		zap.String("operation", string(rec.OperationType)),
		zap.Int64("estimated_tokens", rec.EstimatedTokens),
	}
	eventType := events.EventUsageFailed
	if status == models.UsageStatusCompleted {
		eventType = events.EventUsageCompleted
		fields = append(fields, zap.Int64("tokens_used", settled))
		m.logger.Info("reservation completed", fields...)
	} else {
		m.logger.Info("reservation released", fields...)
	}
	m.bus.Publish(ctx, events.NewEvent(eventType, "", map[string]interface{}{
		"usage_id":         rec.ID.String(),
		"account_id":       rec.AccountID.String(),
		"operation_type":   string(rec.OperationType),
		"estimated_tokens": rec.EstimatedTokens,
		"tokens_used":      settled,
	}))
	return rec, nil
}

// Get returns a usage record by id.
func (m *ReservationManager) Get(ctx context.Context, usageID uuid.UUID) (*models.UsageRecord, error) {
	return m.store.GetUsage(ctx, usageID)
}

// Owned returns the record only if it belongs to userID. Records owned by
// someone else are reported as ledger.ErrNotFound.
func (m *ReservationManager) Owned(ctx context.Context, userID string, usageID uuid.UUID) (*models.UsageRecord, error) {
	rec, err := m.store.GetUsage(ctx, usageID)
	if err != nil {
		return nil, err
	}
	acct, err := m.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	if rec.AccountID != acct.ID {
		return nil, ledger.ErrNotFound
	}
	return rec, nil
}

// Run reserves, runs op and settles the reservation on every exit path:
// completed with op's cost on success, failed on error, cancellation or
// panic. Panics are re-raised after the hold is released.
func (m *ReservationManager) Run(ctx context.Context, req ReserveRequest, op Operation) (*models.UsageRecord, error) {
	rec, err := m.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		m.release(ctx, rec.ID, "panic")
		if r != nil {
			panic(r)
		}
	}()

	actual, opErr := op(ctx, rec)
	if opErr == nil && ctx.Err() != nil {
		opErr = ctx.Err()
	}
	if opErr == nil && actual < 0 {
		opErr = fmt.Errorf("%w: operation reported negative cost %d", ErrInvalidRequest, actual)
	}
	if opErr != nil {
		settled = true
		if failed := m.release(ctx, rec.ID, "operation error"); failed != nil {
			rec = failed
		}
		return rec, opErr
	}

	settleCtx, cancel := m.settleContext(ctx)
	defer cancel()
	settled = true
	done, err := m.Complete(settleCtx, rec.ID, actual)
	if err != nil {
		m.logger.Error("failed to complete reservation; left for the stale sweep",
			zap.String("usage_id", rec.ID.String()),
			zap.Error(err),
		)
		return rec, err
	}
	return done, nil
}

func (m *ReservationManager) release(ctx context.Context, usageID uuid.UUID, reason string) *models.UsageRecord {
	settleCtx, cancel := m.settleContext(ctx)
	defer cancel()

	rec, err := m.Fail(settleCtx, usageID)
	if err != nil {
		m.logger.Error("failed to release reservation; left for the stale sweep",
			zap.String("usage_id", usageID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return nil
	}
	return rec
}

// settleContext keeps the caller's values but not its cancellation, so a
// cancelled request still settles its hold.
func (m *ReservationManager) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.settleTimeout)
}
