// Package sqlite implements ledger.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store implements ledger.Store backed by SQLite.
//
// The pool is pinned to one connection, so transactions are serialized
// in-process and ReserveUsage cannot interleave with another writer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_purchases (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES token_accounts(id),
	pack_type TEXT NOT NULL,
	tokens_amount INTEGER NOT NULL CHECK(tokens_amount > 0),
	amount_paid INTEGER NOT NULL,
	currency TEXT NOT NULL,
	stripe_session_id TEXT NOT NULL UNIQUE,
	stripe_payment_intent_id TEXT,
	status TEXT NOT NULL CHECK(status IN ('completed')),
	completed_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_purchases_account ON token_purchases(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS token_usage (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES token_accounts(id),
	presentation_id TEXT,
	operation_type TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL CHECK(estimated_tokens >= 0),
	tokens_used INTEGER,
	status TEXT NOT NULL CHECK(status IN ('pending','completed','failed')),
	metadata TEXT,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_token_usage_account_status ON token_usage(account_id, status);
CREATE INDEX IF NOT EXISTS idx_token_usage_account_created ON token_usage(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_token_usage_pending_created ON token_usage(created_at) WHERE status = 'pending';
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetOrCreateAccount returns the user's account, creating it on first use.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID string) (*models.TokenAccount, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_accounts(id, user_id, created_at) VALUES(?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`,
		uuid.New(), userID, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create account: %w", mapError(err, ledger.ConstraintAccountUser))
	}

	var (
		acct    models.TokenAccount
		created int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT id, user_id, created_at FROM token_accounts WHERE user_id = ?`, userID).
		Scan(&acct.ID, &acct.UserID, &created)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	acct.CreatedAt = fromMillis(created)
	return &acct, nil
}

const (
	sumPurchasesSQL = `SELECT COALESCE(SUM(tokens_amount), 0) FROM token_purchases WHERE account_id = ? AND status = 'completed'`
	sumPendingSQL   = `SELECT COALESCE(SUM(estimated_tokens), 0) FROM token_usage WHERE account_id = ? AND status = 'pending'`
	sumCompletedSQL = `SELECT COALESCE(SUM(tokens_used), 0) FROM token_usage WHERE account_id = ? AND status = 'completed'`
)

func sum(ctx context.Context, q querier, query string, accountID uuid.UUID) (int64, error) {
	var total int64
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SumCompletedPurchases(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db, sumPurchasesSQL, accountID)
}

func (s *Store) SumPendingUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db, sumPendingSQL, accountID)
}

func (s *Store) SumCompletedUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return sum(ctx, s.db, sumCompletedSQL, accountID)
}

func available(ctx context.Context, q querier, accountID uuid.UUID) (int64, error) {
	var purchased, pending, used int64
	err := q.QueryRowContext(ctx, `
SELECT
	(`+sumPurchasesSQL+`),
	(`+sumPendingSQL+`),
	(`+sumCompletedSQL+`)`,
		accountID, accountID, accountID).Scan(&purchased, &pending, &used)
	if err != nil {
		return 0, fmt.Errorf("derive balance: %w", err)
	}
	return purchased - pending - used, nil
}

// InsertUsage writes rec as given.
func (s *Store) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return err
	}
	return insertUsage(ctx, s.db, rec)
}

func insertUsage(ctx context.Context, q querier, rec *models.UsageRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	var completedAt sql.NullInt64
	if rec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: rec.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO token_usage(id, account_id, presentation_id, operation_type, estimated_tokens, tokens_used, status, metadata, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AccountID,
		nullString(rec.PresentationID),
		string(rec.OperationType),
		rec.EstimatedTokens,
		nullInt64(rec.TokensUsed),
		string(rec.Status),
		meta,
		rec.CreatedAt.UnixMilli(),
		completedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		return fmt.Errorf("insert usage: %w", mapError(err, ledger.ConstraintPrimaryKey))
	}
	return nil
}

// ReserveUsage checks the balance and inserts the pending hold in one transaction.
func (s *Store) ReserveUsage(ctx context.Context, rec *models.UsageRecord) (int64, error) {
	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return 0, err
	}
	rec.Status = models.UsageStatusPending
	rec.TokensUsed = nil
	rec.CompletedAt = nil

	var remaining int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM token_accounts WHERE id = ?`, rec.AccountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reserve usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		avail, err := available(ctx, tx, rec.AccountID)
		if err != nil {
			return err
		}
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
	return getUsage(ctx, s.db, id)
}

func getUsage(ctx context.Context, q querier, id uuid.UUID) (*models.UsageRecord, error) {
	rec, err := scanUsage(q.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM token_usage WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return rec, nil
}

// UpdateUsageStatus settles a pending record.
func (s *Store) UpdateUsageStatus(ctx context.Context, id uuid.UUID, status models.UsageStatus, tokensUsed *int64, completedAt time.Time) (*models.UsageRecord, error) {
	if err := ledger.ValidateTransition(status, tokensUsed); err != nil {
		return nil, err
	}
	if status == models.UsageStatusFailed {
		tokensUsed = nil
	}

	var out *models.UsageRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE token_usage SET status = ?, tokens_used = ?, completed_at = ?
WHERE id = ? AND status = 'pending'`,
			string(status), nullInt64(tokensUsed), completedAt.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update usage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update usage: %w", err)
		}
		rec, err := getUsage(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrNotPending
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertPurchase records a completed purchase.
func (s *Store) InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	if err := ledger.PreparePurchase(rec, s.now()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_purchases(id, account_id, pack_type, tokens_amount, amount_paid, currency, stripe_session_id, stripe_payment_intent_id, status, completed_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AccountID,
		string(rec.PackType),
		rec.TokensAmount,
		rec.AmountPaid,
		rec.Currency,
		rec.StripeSessionID,
		nullString(rec.StripePaymentIntentID),
		string(rec.Status),
		rec.CompletedAt.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert purchase: account %s: %w", rec.AccountID, ledger.ErrNotFound)
		}
		return fmt.Errorf("insert purchase: %w", mapError(err, ledger.ConstraintPurchaseSession))
	}
	return nil
}

const purchaseColumns = `id, account_id, pack_type, tokens_amount, amount_paid, currency, stripe_session_id, stripe_payment_intent_id, status, completed_at, created_at`

func (s *Store) GetPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error) {
	rec, err := scanPurchase(s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM token_purchases WHERE stripe_session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return rec, nil
}

func (s *Store) ListUsage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.UsageRecord, error) {
	limit, offset = ledger.NormalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+usageColumns+`
FROM token_usage
WHERE account_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return collectUsage(rows)
}

func (s *Store) ListPurchases(ctx context.Context, accountID uuid.UUID) ([]models.PurchaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+purchaseColumns+`
FROM token_purchases
WHERE account_id = ?
ORDER BY created_at DESC, rowid DESC`, accountID)
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
	rows, err := s.db.QueryContext(ctx, `
SELECT `+usageColumns+`
FROM token_usage
WHERE status = 'pending' AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`, olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale usage: %w", err)
	}
	return collectUsage(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUsage(row scanner) (*models.UsageRecord, error) {
	var (
		rec          models.UsageRecord
		presentation sql.NullString
		op, status   string
		tokensUsed   sql.NullInt64
		meta         sql.NullString
		created      int64
		completed    sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.AccountID, &presentation, &op, &rec.EstimatedTokens, &tokensUsed, &status, &meta, &created, &completed); err != nil {
		return nil, err
	}
	rec.OperationType = models.OperationType(op)
	rec.Status = models.UsageStatus(status)
	rec.CreatedAt = fromMillis(created)
	if presentation.Valid {
		rec.PresentationID = &presentation.String
	}
	if tokensUsed.Valid {
		rec.TokensUsed = &tokensUsed.Int64
	}
	if completed.Valid {
		at := fromMillis(completed.Int64)
		rec.CompletedAt = &at
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode usage metadata: %w", err)
		}
	}
	return &rec, nil
}

func collectUsage(rows *sql.Rows) ([]models.UsageRecord, error) {
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

func scanPurchase(row scanner) (*models.PurchaseRecord, error) {
	var (
		rec                models.PurchaseRecord
		pack, status       string
		intent             sql.NullString
		completed, created int64
	)
	if err := row.Scan(&rec.ID, &rec.AccountID, &pack, &rec.TokensAmount, &rec.AmountPaid, &rec.Currency, &rec.StripeSessionID, &intent, &status, &completed, &created); err != nil {
		return nil, err
	}
	rec.PackType = models.PackType(pack)
	rec.Status = models.PurchaseStatus(status)
	rec.CompletedAt = fromMillis(completed)
	rec.CreatedAt = fromMillis(created)
	if intent.Valid {
		rec.StripePaymentIntentID = &intent.String
	}
	return &rec, nil
}

// mapError converts unique violations into ConstraintViolationError. SQLite
// does not name the index, so the caller supplies the unique constraint the
// statement can violate; primary key collisions are always reported as such.
func mapError(err error, constraint string) error {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return &ledger.ConstraintViolationError{Constraint: ledger.ConstraintPrimaryKey, Err: err}
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return &ledger.ConstraintViolationError{Constraint: constraint, Err: err}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func encodeMetadata(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode usage metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
