package billing

import (
	"context"
	"fmt"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/metrics"
	"github.com/bananafyi/tokens/pkg/models"
	"go.uber.org/zap"
)

// Balance is the derived breakdown of an account.
type Balance struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Purchased int64  `json:"purchased"`
	Pending   int64  `json:"pending"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

// Display is the balance shown to users. Negative balances read as zero.
func (b *Balance) Display() int64 {
	if b.Available < 0 {
		return 0
	}
	return b.Available
}

// BalanceCalculator derives available balances from the ledger.
type BalanceCalculator struct {
	store  ledger.Store
	logger *zap.Logger
	bus    *events.Bus
}

// NewBalanceCalculator creates a calculator over store.
func NewBalanceCalculator(store ledger.Store, logger *zap.Logger, bus *events.Bus) *BalanceCalculator {
	return &BalanceCalculator{store: store, logger: logger, bus: bus}
}

// AvailableBalance returns purchased minus pending minus completed usage.
func (c *BalanceCalculator) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	b, err := c.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// Balance resolves the user's account and returns the full breakdown.
func (c *BalanceCalculator) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	acct, err := c.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return c.forAccount(ctx, acct)
}

func (c *BalanceCalculator) forAccount(ctx context.Context, acct *models.TokenAccount) (*Balance, error) {
	purchased, err := c.store.SumCompletedPurchases(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("sum purchases: %w", err)
	}
	pending, err := c.store.SumPendingUsage(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("sum pending usage: %w", err)
	}
	used, err := c.store.SumCompletedUsage(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("sum completed usage: %w", err)
	}

	b := &Balance{
		UserID:    acct.UserID,
		AccountID: acct.ID.String(),
		Purchased: purchased,
		Pending:   pending,
		Used:      used,
		Available: purchased - pending - used,
	}
	if b.Available < 0 {
		c.flagAnomaly(ctx, b)
	}
	return b, nil
}

// Settlements above the estimate can push an account below zero; that is
// recorded but never hidden from callers.
func (c *BalanceCalculator) flagAnomaly(ctx context.Context, b *Balance) {
	c.logger.Warn("negative token balance",
		zap.String("user_id", b.UserID),
		zap.String("account_id", b.AccountID),
		zap.Int64("purchased", b.Purchased),
		zap.Int64("pending", b.Pending),
		zap.Int64("used", b.Used),
		zap.Int64("available", b.Available),
	)
	metrics.BalanceAnomalies.Inc()
	c.bus.Publish(ctx, events.NewEvent(events.EventBalanceAnomaly, b.UserID, map[string]interface{}{
		"account_id": b.AccountID,
		"available":  b.Available,
	}))
}
