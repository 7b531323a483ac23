// Package ledger defines persistence for token accounts, purchases and usage.
//
// Balances are never stored. Every backend derives them from the three
// aggregate reads so the ledger rows stay the single source of truth.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
)

// Constraint names surfaced through ConstraintViolationError.
const (
	ConstraintAccountUser     = "token_accounts_user_id_key"
	ConstraintPurchaseSession = "token_purchases_stripe_session_id_key"
	ConstraintPrimaryKey      = "primary_key"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrNotPending is returned when a status transition targets a record
	// that already reached a terminal state.
	ErrNotPending = errors.New("ledger: usage record is not pending")
)

// ConstraintViolationError reports a uniqueness violation by constraint name.
type ConstraintViolationError struct {
	Constraint string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: constraint %s violated: %v", e.Constraint, e.Err)
	}
	return fmt.Sprintf("ledger: constraint %s violated", e.Constraint)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err violates the named constraint.
func IsConstraintViolation(err error, constraint string) bool {
	var cv *ConstraintViolationError
	return errors.As(err, &cv) && cv.Constraint == constraint
}

// InsufficientBalanceError is returned by ReserveUsage when the hold would
// take the account below zero.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient token balance: required %d, available %d", e.Required, e.Available)
}

// Store is the durable ledger. Implementations must be safe for concurrent use.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID string) (*models.TokenAccount, error)

	SumCompletedPurchases(ctx context.Context, accountID uuid.UUID) (int64, error)
	SumPendingUsage(ctx context.Context, accountID uuid.UUID) (int64, error)
	SumCompletedUsage(ctx context.Context, accountID uuid.UUID) (int64, error)

	// InsertUsage writes a usage record without checking the balance.
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
	// ReserveUsage inserts a pending record only if the account can cover
	// its estimate, as one atomic unit. It returns the balance left after
	// the hold, or *InsufficientBalanceError.
	ReserveUsage(ctx context.Context, rec *models.UsageRecord) (int64, error)
	GetUsage(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error)
	// UpdateUsageStatus moves a pending record to a terminal status. Records
	// that are no longer pending yield ErrNotPending.
	UpdateUsageStatus(ctx context.Context, id uuid.UUID, status models.UsageStatus, tokensUsed *int64, completedAt time.Time) (*models.UsageRecord, error)

	// InsertPurchase fails with a ConstraintViolationError on
	// ConstraintPurchaseSession when the session was already recorded.
	InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error
	GetPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error)

	ListUsage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.UsageRecord, error)
	ListPurchases(ctx context.Context, accountID uuid.UUID) ([]models.PurchaseRecord, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.UsageRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// Default and maximum page sizes for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// NormalizePage clamps list paging arguments into range.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// PrepareUsage validates rec and fills in the id, status and creation time.
func PrepareUsage(rec *models.UsageRecord, now time.Time) error {
	if rec == nil {
		return errors.New("usage record is nil")
	}
	if rec.AccountID == uuid.Nil {
		return errors.New("usage record requires account id")
	}
	if !rec.OperationType.Valid() {
		return fmt.Errorf("invalid operation type %q", rec.OperationType)
	}
	if rec.EstimatedTokens < 0 {
		return fmt.Errorf("estimated tokens must not be negative, got %d", rec.EstimatedTokens)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.UsageStatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	return nil
}

// PreparePurchase validates rec and fills in defaults.
func PreparePurchase(rec *models.PurchaseRecord, now time.Time) error {
	if rec == nil {
		return errors.New("purchase record is nil")
	}
	if rec.AccountID == uuid.Nil {
		return errors.New("purchase record requires account id")
	}
	if rec.StripeSessionID == "" {
		return errors.New("purchase record requires a payment session id")
	}
	if rec.TokensAmount <= 0 {
		return fmt.Errorf("purchase must grant tokens, got %d", rec.TokensAmount)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.PurchaseStatusCompleted
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = rec.CreatedAt
	}
	return nil
}

// ValidateTransition checks the target of UpdateUsageStatus.
func ValidateTransition(status models.UsageStatus, tokensUsed *int64) error {
	switch status {
	case models.UsageStatusCompleted:
		if tokensUsed == nil || *tokensUsed < 0 {
			return errors.New("completed usage requires non-negative tokens used")
		}
	case models.UsageStatusFailed:
	default:
		return fmt.Errorf("cannot transition usage to %q", status)
	}
	return nil
}
