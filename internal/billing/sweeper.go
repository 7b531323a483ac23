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
	"go.uber.org/zap"
)

// Sweeper fails reservations that stayed pending past the timeout, which
// happens when a process dies between reserve and settlement.
type Sweeper struct {
	store     ledger.Store
	logger    *zap.Logger
	bus       *events.Bus
	timeout   time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper creates a sweeper. Holds older than timeout are released every
// interval, batchSize at a time.
func NewSweeper(store ledger.Store, timeout, interval time.Duration, batchSize int, logger *zap.Logger, bus *events.Bus) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     store,
		logger:    logger,
		bus:       bus,
		timeout:   timeout,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Sweep releases every stale reservation and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	total := 0
	for {
		stale, err := s.store.ListStalePending(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("list stale reservations: %w", err)
		}
		released := 0
		for i := range stale {
			ok, err := s.expire(ctx, &stale[i])
			if err != nil {
				return total, err
			}
			if ok {
				released++
			}
		}
		total += released
		// A short page, or a page that was entirely settled by someone else,
		// means nothing stale is left to pick up.
		if len(stale) < s.batchSize || released == 0 {
			break
		}
	}
	if total > 0 {
		s.logger.Info("stale reservations released",
			zap.Int("count", total),
			zap.Duration("timeout", s.timeout),
		)
	}
	return total, nil
}

func (s *Sweeper) expire(ctx context.Context, rec *models.UsageRecord) (bool, error) {
	_, err := s.store.UpdateUsageStatus(ctx, rec.ID, models.UsageStatusFailed, nil, s.now())
	if errors.Is(err, ledger.ErrNotPending) || errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire reservation %s: %w", rec.ID, err)
	}

	metrics.StaleReservationsFailed.Inc()
	metrics.RecordSettlement(string(rec.OperationType), "expired", 0)
	s.logger.Warn("stale reservation released",
		zap.String("usage_id", rec.ID.String()),
		zap.String("account_id", rec.AccountID.String()),
		zap.String("operation", string(rec.OperationType)),
		zap.Int64("estimated_tokens", rec.EstimatedTokens),
		zap.Time("created_at", rec.CreatedAt),
	)
	s.bus.Publish(ctx, events.NewEvent(events.EventReservationExpired, "", map[string]interface{}{
		"usage_id":         rec.ID.String(),
		"account_id":       rec.AccountID.String(),
		"operation_type":   string(rec.OperationType),
		"estimated_tokens": rec.EstimatedTokens,
		"age_seconds":      int64(s.now().Sub(rec.CreatedAt).Seconds()),
	}))
	return true, nil
}

// Start runs Sweep every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("reservation sweeper disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("reservation sweep failed", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("reservation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("timeout", s.timeout),
	)
}
