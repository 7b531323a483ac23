// Package postgres implements ledger.Store on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/database"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db  *database.Database
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database. Call Migrate before first use.
func New(db *database.Database) *Store {
	return &Store{db: db, now: time.Now}
}

// Schema is the DDL applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT token_accounts_user_id_key UNIQUE (user_id)
);

CREATE TABLE IF NOT EXISTS token_purchases (
	id UUID PRIMARY KEY,
	account_id UUID NOT NULL REFERENCES token_accounts(id),
	pack_type TEXT NOT NULL,
	tokens_amount BIGINT NOT NULL CHECK (tokens_amount > 0),
	amount_paid BIGINT NOT NULL,
	currency TEXT NOT NULL,
	stripe_session_id TEXT NOT NULL,
	stripe_payment_intent_id TEXT,
	status TEXT NOT NULL CHECK (status IN ('completed')),
	completed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT token_purchases_stripe_session_id_key UNIQUE (stripe_session_id)
);
CREATE INDEX IF NOT EXISTS idx_token_purchases_account ON token_purchases(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS token_usage (
	id UUID PRIMARY KEY,
	account_id UUID NOT NULL REFERENCES token_accounts(id),
	presentation_id TEXT,
	operation_type TEXT NOT NULL,
	estimated_tokens BIGINT NOT NULL CHECK (estimated_tokens >= 0),
	tokens_used BIGINT,
	status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_token_usage_account_status ON token_usage(account_id, status);
CREATE INDEX IF NOT EXISTS idx_token_usage_account_created ON token_usage(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_token_usage_pending_created ON token_usage(created_at) WHERE status = 'pending';
`

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetOrCreateAccount returns the user's account. Concurrent first calls race
// on the unique user_id constraint; losers read the winner's row.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID string) (*models.TokenAccount, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}

	acct, err := s.accountByUser(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load account: %w", err)
	}

	acct = &models.TokenAccount{}
	err = s.db.Pool.QueryRow(ctx, `
		INSERT INTO token_accounts (id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING id, user_id, created_at
	`, uuid.New(), userID, s.now().UTC()).Scan(&acct.ID, &acct.UserID, &acct.CreatedAt)
	switch {
	case err == nil:
		return acct, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Another request created it between our read and insert.
		acct, err = s.accountByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("reload account: %w", err)
		}
		return acct, nil
	default:
		return nil, fmt.Errorf("create account: %w", mapError(err))
	}
}

func (s *Store) accountByUser(ctx context.Context, userID string) (*models.TokenAccount, error) {
	var acct models.TokenAccount
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, created_at FROM token_accounts WHERE user_id = $1
	`, userID).Scan(&acct.ID, &acct.UserID, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

const (
	sumPurchasesSQL = `SELECT COALESCE(SUM(tokens_amount), 0)::BIGINT FROM token_purchases WHERE account_id = $1 AND status = 'completed'`
	sumPendingSQL   = `SELECT COALESCE(SUM(estimated_tokens), 0)::BIGINT FROM token_usage WHERE account_id = $1 AND status = 'pending'`
	sumCompletedSQL = `SELECT COALESCE(SUM(tokens_used), 0)::BIGINT FROM token_usage WHERE account_id = $1 AND status = 'completed'`
)

func sum(ctx context.Context, q querier, query string, accountID uuid.UUID) (int64, error) {
	var total int64
	if err := q.QueryRow(ctx, query, accountID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SumCompletedPurchases(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db.Pool, sumPurchasesSQL, accountID)
}

func (s *Store) SumPendingUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db.Pool, sumPendingSQL, accountID)
}

func (s *Store) SumCompletedUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db.Pool, sumCompletedSQL, accountID)
}

// InsertUsage writes rec as given.
func (s *Store) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return err
	}
	return insertUsage(ctx, s.db.Pool, rec)
}

func insertUsage(ctx context.Context, q querier, rec *models.UsageRecord) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode usage metadata: %w", err)
		}
		meta = raw
	}
	_, err := q.Exec(ctx, `
		INSERT INTO token_usage (
			id, account_id, presentation_id, operation_type, estimated_tokens,
			tokens_used, status, metadata, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID,
		rec.AccountID,
		rec.PresentationID,
		string(rec.OperationType),
		rec.EstimatedTokens,
		rec.TokensUsed,
		string(rec.Status),
		meta,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		return fmt.Errorf("insert usage: %w", mapError(err))
	}
	return nil
}

// ReserveUsage locks the account row, re-derives the balance and inserts the
// hold only when it is covered. Concurrent reservations for one account queue
// on the row lock and each sees the holds committed before it.
func (s *Store) ReserveUsage(ctx context.Context, rec *models.UsageRecord) (int64, error) {
	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return 0, err
	}
	rec.Status = models.UsageStatusPending
	rec.TokensUsed = nil
	rec.CompletedAt = nil

	var remaining int64
	err := s.db.InTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM token_accounts WHERE id = $1 FOR UPDATE`, rec.AccountID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reserve usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		var purchased, pending, used int64
		err = tx.QueryRow(ctx, `SELECT (`+sumPurchasesSQL+`), (`+sumPendingSQL+`), (`+sumCompletedSQL+`)`, rec.AccountID).
			Scan(&purchased, &pending, &used)
		if err != nil {
			return fmt.Errorf("derive balance: %w", err)
		}
		avail := purchased - pending - used
		if avail < rec.EstimatedTokens {
			remaining = avail
			return &ledger.InsufficientBalanceError{Required: rec.EstimatedTokens, Available: avail}
		}
		if err := insertUsage(ctx, tx, rec); err != nil {
			return err
		}
		remaining = avail - rec.EstimatedTokens
		return nil
	})
	return remaining, err
}

const usageColumns = `id, account_id, presentation_id, operation_type, estimated_tokens, tokens_used, status, metadata, created_at, completed_at`

func (s *Store) GetUsage(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	rec, err := scanUsage(s.db.Pool.QueryRow(ctx, `SELECT `+usageColumns+` FROM token_usage WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return rec, nil
}

// UpdateUsageStatus settles a pending record with a single guarded UPDATE.
func (s *Store) UpdateUsageStatus(ctx context.Context, id uuid.UUID, status models.UsageStatus, tokensUsed *int64, completedAt time.Time) (*models.UsageRecord, error) {
	if err := ledger.ValidateTransition(status, tokensUsed); err != nil {
		return nil, err
	}
	if status == models.UsageStatusFailed {
		tokensUsed = nil
	}

	rec, err := scanUsage(s.db.Pool.QueryRow(ctx, `
		UPDATE token_usage
		SET status = $2, tokens_used = $3, completed_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+usageColumns,
		id, string(status), tokensUsed, completedAt.UTC()))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update usage: %w", err)
	}
	if _, err := s.GetUsage(ctx, id); err != nil {
		return nil, err
	}
	return nil, ledger.ErrNotPending
}

// InsertPurchase records a completed purchase.
func (s *Store) InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	if err := ledger.PreparePurchase(rec, s.now()); err != nil {
		return err
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO token_purchases (
			id, account_id, pack_type, tokens_amount, amount_paid, currency,
			stripe_session_id, stripe_payment_intent_id, status, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID,
		rec.AccountID,
		string(rec.PackType),
		rec.TokensAmount,
		rec.AmountPaid,
		rec.Currency,
		rec.StripeSessionID,
		rec.StripePaymentIntentID,
		string(rec.Status),
		rec.CompletedAt,
		rec.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert purchase: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		return fmt.Errorf("insert purchase: %w", mapError(err))
	}
	return nil
}

const purchaseColumns = `id, account_id, pack_type, tokens_amount, amount_paid, currency, stripe_session_id, stripe_payment_intent_id, status, completed_at, created_at`

func (s *Store) GetPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error) {
	rec, err := scanPurchase(s.db.Pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM token_purchases WHERE stripe_session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return rec, nil
}

func (s *Store) ListUsage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.UsageRecord, error) {
	limit, offset = ledger.NormalizePage(limit, offset)
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+usageColumns+`
		FROM token_usage
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return collectUsage(rows)
}

func (s *Store) ListPurchases(ctx context.Context, accountID uuid.UUID) ([]models.PurchaseRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM token_purchases
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	out := []models.PurchaseRecord{}
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.UsageRecord, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+usageColumns+`
		FROM token_usage
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale usage: %w", err)
	}
	return collectUsage(rows)
}

func scanUsage(row pgx.Row) (*models.UsageRecord, error) {
	var (
		rec        models.UsageRecord
		op, status string
		meta       []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.PresentationID,
		&op,
		&rec.EstimatedTokens,
		&rec.TokensUsed,
		&status,
		&meta,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.OperationType = models.OperationType(op)
	rec.Status = models.UsageStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.CompletedAt != nil {
		at := rec.CompletedAt.UTC()
		rec.CompletedAt = &at
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode usage metadata: %w", err)
		}
	}
	return &rec, nil
}

func collectUsage(rows pgx.Rows) ([]models.UsageRecord, error) {
	defer rows.Close()
	out := []models.UsageRecord{}
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanPurchase(row pgx.Row) (*models.PurchaseRecord, error) {
	var (
		rec          models.PurchaseRecord
		pack, status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.AccountID,
		&pack,
		&rec.TokensAmount,
		&rec.AmountPaid,
		&rec.Currency,
		&rec.StripeSessionID,
		&rec.StripePaymentIntentID,
		&status,
		&rec.CompletedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PackType = models.PackType(pack)
	rec.Status = models.PurchaseStatus(status)
	rec.CompletedAt = rec.CompletedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// mapError turns unique violations into ConstraintViolationError keyed by the
// constraint name Postgres reports.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		constraint := pgErr.ConstraintName
		if constraint == "" || constraint == "token_usage_pkey" || constraint == "token_purchases_pkey" || constraint == "token_accounts_pkey" {
			constraint = ledger.ConstraintPrimaryKey
		}
		return &ledger.ConstraintViolationError{Constraint: constraint, Err: err}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
