// Package memory is an in-process ledger.Store used by unit tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
)

// Store keeps the ledger in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	accounts      map[uuid.UUID]models.TokenAccount
	accountByUser map[string]uuid.UUID
	purchases     []models.PurchaseRecord
	sessions      map[string]int
	usage         map[uuid.UUID]*models.UsageRecord
	usageOrder    []uuid.UUID

	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:      make(map[uuid.UUID]models.TokenAccount),
		accountByUser: make(map[string]uuid.UUID),
		sessions:      make(map[string]int),
		usage:         make(map[uuid.UUID]*models.UsageRecord),
		now:           time.Now,
	}
}

func (s *Store) GetOrCreateAccount(ctx context.Context, userID string) (*models.TokenAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.accountByUser[userID]; ok {
		acct := s.accounts[id]
		return &acct, nil
	}
	acct := models.TokenAccount{ID: uuid.New(), UserID: userID, CreatedAt: s.now().UTC()}
	s.accounts[acct.ID] = acct
	s.accountByUser[userID] = acct.ID
	return &acct, nil
}

func (s *Store) SumCompletedPurchases(ctx context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumPurchases(accountID), nil
}

func (s *Store) SumPendingUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, _ := s.sumUsage(accountID)
	return pending, nil
}

func (s *Store) SumCompletedUsage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, completed := s.sumUsage(accountID)
	return completed, nil
}

func (s *Store) sumPurchases(accountID uuid.UUID) int64 {
	var total int64
	for _, p := range s.purchases {
		if p.AccountID == accountID && p.Status == models.PurchaseStatusCompleted {
			total += p.TokensAmount
		}
	}
	return total
}

func (s *Store) sumUsage(accountID uuid.UUID) (pending, completed int64) {
	for _, u := range s.usage {
		if u.AccountID != accountID {
			continue
		}
		switch u.Status {
		case models.UsageStatusPending:
			pending += u.EstimatedTokens
		case models.UsageStatusCompleted:
			if u.TokensUsed != nil {
				completed += *u.TokensUsed
			}
		}
	}
	return pending, completed
}

func (s *Store) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertUsageLocked(rec)
}

func (s *Store) insertUsageLocked(rec *models.UsageRecord) error {
	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return err
	}
	if _, ok := s.accounts[rec.AccountID]; !ok {
		return fmt.Errorf("insert usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
	}
	if _, ok := s.usage[rec.ID]; ok {
		return &ledger.ConstraintViolationError{Constraint: ledger.ConstraintPrimaryKey}
	}
	stored := cloneUsage(*rec)
	s.usage[rec.ID] = &stored
	s.usageOrder = append(s.usageOrder, rec.ID)
	return nil
}

func (s *Store) ReserveUsage(ctx context.Context, rec *models.UsageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ledger.PrepareUsage(rec, s.now()); err != nil {
		return 0, err
	}
	rec.Status = models.UsageStatusPending
	rec.TokensUsed = nil
	rec.CompletedAt = nil
	if _, ok := s.accounts[rec.AccountID]; !ok {
		return 0, fmt.Errorf("reserve usage: account %s: %w", rec.AccountID, ledger.ErrNotFound)
	}
	pending, completed := s.sumUsage(rec.AccountID)
	available := s.sumPurchases(rec.AccountID) - pending - completed
	if available < rec.EstimatedTokens {
		return available, &ledger.InsufficientBalanceError{Required: rec.EstimatedTokens, Available: available}
	}
	if err := s.insertUsageLocked(rec); err != nil {
		return 0, err
	}
	return available - rec.EstimatedTokens, nil
}

func (s *Store) GetUsage(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := cloneUsage(*u)
	return &out, nil
}

func (s *Store) UpdateUsageStatus(ctx context.Context, id uuid.UUID, status models.UsageStatus, tokensUsed *int64, completedAt time.Time) (*models.UsageRecord, error) {
	if err := ledger.ValidateTransition(status, tokensUsed); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if u.Status != models.UsageStatusPending {
		return nil, ledger.ErrNotPending
	}
	u.Status = status
	u.TokensUsed = nil
	if status == models.UsageStatusCompleted {
		n := *tokensUsed
		u.TokensUsed = &n
	}
	at := completedAt.UTC()
	u.CompletedAt = &at

	out := cloneUsage(*u)
	return &out, nil
}

func (s *Store) InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ledger.PreparePurchase(rec, s.now()); err != nil {
		return err
	}
	if _, ok := s.accounts[rec.AccountID]; !ok {
		return fmt.Errorf("insert purchase: account %s: %w", rec.AccountID, ledger.ErrNotFound)
	}
	for _, p := range s.purchases {
		if p.ID == rec.ID {
			return &ledger.ConstraintViolationError{Constraint: ledger.ConstraintPrimaryKey}
		}
	}
	if _, ok := s.sessions[rec.StripeSessionID]; ok {
		return &ledger.ConstraintViolationError{
			Constraint: ledger.ConstraintPurchaseSession,
			Err:        fmt.Errorf("session %s already recorded", rec.StripeSessionID),
		}
	}
	s.sessions[rec.StripeSessionID] = len(s.purchases)
	s.purchases = append(s.purchases, *rec)
	return nil
}

func (s *Store) GetPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.sessions[sessionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	p := s.purchases[idx]
	return &p, nil
}

func (s *Store) ListUsage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.UsageRecord, error) {
	limit, offset = ledger.NormalizePage(limit, offset)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.UsageRecord
	for i := len(s.usageOrder) - 1; i >= 0; i-- {
		u := s.usage[s.usageOrder[i]]
		if u.AccountID == accountID {
			all = append(all, cloneUsage(*u))
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []models.UsageRecord{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListPurchases(ctx context.Context, accountID uuid.UUID) ([]models.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.PurchaseRecord{}
	for i := len(s.purchases) - 1; i >= 0; i-- {
		if s.purchases[i].AccountID == accountID {
			out = append(out, s.purchases[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.UsageRecord, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.UsageRecord{}
	for _, id := range s.usageOrder {
		u := s.usage[id]
		if u.Status == models.UsageStatusPending && u.CreatedAt.Before(olderThan) {
			out = append(out, cloneUsage(*u))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func cloneUsage(u models.UsageRecord) models.UsageRecord {
	if u.TokensUsed != nil {
		n := *u.TokensUsed
		u.TokensUsed = &n
	}
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		u.CompletedAt = &at
	}
	if u.PresentationID != nil {
		p := *u.PresentationID
		u.PresentationID = &p
	}
	if u.Metadata != nil {
		m := make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			m[k] = v
		}
		u.Metadata = m
	}
	return u
}
