// Package ledgertest holds the behaviour every ledger.Store backend must share.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) ledger.Store

// RunStoreSuite runs the conformance tests against stores built by newStore.
func RunStoreSuite(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"AccountIsIdempotent", testAccountIsIdempotent},
		{"ConcurrentAccountCreation", testConcurrentAccountCreation},
		{"BalanceSums", testBalanceSums},
		{"DuplicatePurchaseSession", testDuplicatePurchaseSession},
		{"DuplicatePurchaseID", testDuplicatePurchaseID},
		{"UsageTransitions", testUsageTransitions},
		{"ReserveChecksBalance", testReserveChecksBalance},
		{"ReserveStartsUnsettled", testReserveStartsUnsettled},
		{"ConcurrentReserveNeverOverdraws", testConcurrentReserve},
		{"ListUsagePaging", testListUsagePaging},
		{"ListStalePending", testListStalePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newUserID() string { return "user_" + uuid.NewString() }

func mustAccount(t *testing.T, s ledger.Store) *models.TokenAccount {
	t.Helper()
	acct, err := s.GetOrCreateAccount(context.Background(), newUserID())
	require.NoError(t, err)
	return acct
}

func mustPurchase(t *testing.T, s ledger.Store, accountID uuid.UUID, tokens int64) {
	t.Helper()
	err := s.InsertPurchase(context.Background(), &models.PurchaseRecord{
		AccountID:       accountID,
		PackType:        models.PackStarter,
		TokensAmount:    tokens,
		AmountPaid:      499,
		Currency:        "usd",
		StripeSessionID: "cs_test_" + uuid.NewString(),
	})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func testAccountIsIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	userID := newUserID()

	first, err := s.GetOrCreateAccount(ctx, userID)
	require.NoError(t, err)
	second, err := s.GetOrCreateAccount(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, userID, second.UserID)

	other, err := s.GetOrCreateAccount(ctx, newUserID())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func testConcurrentAccountCreation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	userID := newUserID()

	const workers = 16
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, err := s.GetOrCreateAccount(ctx, userID)
			errs[i] = err
			if err == nil {
				ids[i] = acct.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func testBalanceSums(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)

	mustPurchase(t, s, acct.ID, 1000)
	mustPurchase(t, s, acct.ID, 500)

	for _, rec := range []*models.UsageRecord{
		{AccountID: acct.ID, OperationType: models.OperationOutline, EstimatedTokens: 300, Status: models.UsageStatusPending},
		{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 150, TokensUsed: ptr(int64(200)), Status: models.UsageStatusCompleted, CompletedAt: ptr(time.Now())},
		{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 400, Status: models.UsageStatusFailed, CompletedAt: ptr(time.Now())},
	} {
		require.NoError(t, s.InsertUsage(ctx, rec))
	}

	purchased, err := s.SumCompletedPurchases(ctx, acct.ID)
	require.NoError(t, err)
	pending, err := s.SumPendingUsage(ctx, acct.ID)
	require.NoError(t, err)
	used, err := s.SumCompletedUsage(ctx, acct.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1500), purchased)
	assert.Equal(t, int64(300), pending)
	assert.Equal(t, int64(200), used)
	assert.Equal(t, int64(1000), purchased-pending-used)

	// Sums are scoped to the account.
	other := mustAccount(t, s)
	purchased, err = s.SumCompletedPurchases(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, purchased)
}

func testDuplicatePurchaseSession(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	session := "cs_test_" + uuid.NewString()

	rec := &models.PurchaseRecord{
		AccountID:             acct.ID,
		PackType:              models.PackStarter,
		TokensAmount:          1000,
		AmountPaid:            499,
		Currency:              "usd",
		StripeSessionID:       session,
		StripePaymentIntentID: ptr("pi_123"),
	}
	require.NoError(t, s.InsertPurchase(ctx, rec))

	dup := *rec
	dup.ID = uuid.Nil
	err := s.InsertPurchase(ctx, &dup)
	require.Error(t, err)
	assert.True(t, ledger.IsConstraintViolation(err, ledger.ConstraintPurchaseSession), "got %v", err)

	stored, err := s.GetPurchaseBySession(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
	assert.Equal(t, models.PurchaseStatusCompleted, stored.Status)
	require.NotNil(t, stored.StripePaymentIntentID)
	assert.Equal(t, "pi_123", *stored.StripePaymentIntentID)

	list, err := s.ListPurchases(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	total, err := s.SumCompletedPurchases(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total)

	_, err = s.GetPurchaseBySession(ctx, "cs_missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testUsageTransitions(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)

	rec := &models.UsageRecord{
		AccountID:       acct.ID,
		PresentationID:  ptr("pres_1"),
		OperationType:   models.OperationOutlineWithSearch,
		EstimatedTokens: 10,
		Metadata:        map[string]any{"source": "suite"},
	}
	require.NoError(t, s.InsertUsage(ctx, rec))
	assert.Equal(t, models.UsageStatusPending, rec.Status)

	got, err := s.GetUsage(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusPending, got.Status)
	assert.Nil(t, got.TokensUsed)
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.PresentationID)
	assert.Equal(t, "pres_1", *got.PresentationID)
	assert.Equal(t, "suite", got.Metadata["source"])

	done, err := s.UpdateUsageStatus(ctx, rec.ID, models.UsageStatusCompleted, ptr(int64(13)), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusCompleted, done.Status)
	require.NotNil(t, done.TokensUsed)
	assert.Equal(t, int64(13), *done.TokensUsed)
	assert.NotNil(t, done.CompletedAt)

	_, err = s.UpdateUsageStatus(ctx, rec.ID, models.UsageStatusFailed, nil, time.Now())
	assert.ErrorIs(t, err, ledger.ErrNotPending)

	got, err = s.GetUsage(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusCompleted, got.Status)

	_, err = s.UpdateUsageStatus(ctx, uuid.New(), models.UsageStatusFailed, nil, time.Now())
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = s.GetUsage(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = s.UpdateUsageStatus(ctx, rec.ID, models.UsageStatusPending, nil, time.Now())
	assert.Error(t, err)
}

func testReserveChecksBalance(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	mustPurchase(t, s, acct.ID, 100)

	rec := &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 70}
	remaining, err := s.ReserveUsage(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(30), remaining)
	assert.Equal(t, models.UsageStatusPending, rec.Status)

	_, err = s.ReserveUsage(ctx, &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 35})
	var insufficient *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.Equal(t, int64(35), insufficient.Required)
	assert.Equal(t, int64(30), insufficient.Available)

	pending, err := s.SumPendingUsage(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), pending)

	_, err = s.ReserveUsage(ctx, &models.UsageRecord{AccountID: uuid.New(), OperationType: models.OperationImage, EstimatedTokens: 1})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testConcurrentReserve(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	mustPurchase(t, s, acct.ID, 100)

	const workers = 10
	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveUsage(ctx, &models.UsageRecord{
				AccountID:       acct.ID,
				OperationType:   models.OperationImage,
				EstimatedTokens: 30,
			})
			var insufficient *ledger.InsufficientBalanceError
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.As(err, &insufficient):
				atomic.AddInt32(&short, 1)
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok)
	assert.Equal(t, int32(workers-3), short)

	pending, err := s.SumPendingUsage(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), pending)
}

func testListUsagePaging(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	base := time.Now().Add(-time.Hour).UTC()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		rec := &models.UsageRecord{
			AccountID:       acct.ID,
			OperationType:   models.OperationSlideSuggestions,
			EstimatedTokens: 1,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.InsertUsage(ctx, rec))
		ids = append(ids, rec.ID)
	}
	require.NoError(t, s.InsertUsage(ctx, &models.UsageRecord{
		AccountID:       mustAccount(t, s).ID,
		OperationType:   models.OperationImage,
		EstimatedTokens: 35,
	}))

	page, err := s.ListUsage(ctx, acct.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = s.ListUsage(ctx, acct.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	page, err = s.ListUsage(ctx, acct.ID, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testListStalePending(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	now := time.Now().UTC()

	old := &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 35, CreatedAt: now.Add(-2 * time.Hour)}
	older := &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 35, CreatedAt: now.Add(-3 * time.Hour)}
	fresh := &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 35, CreatedAt: now}
	settled := &models.UsageRecord{AccountID: acct.ID, OperationType: models.OperationImage, EstimatedTokens: 35, CreatedAt: now.Add(-4 * time.Hour), Status: models.UsageStatusFailed, CompletedAt: ptr(now)}
	for _, rec := range []*models.UsageRecord{old, older, fresh, settled} {
		require.NoError(t, s.InsertUsage(ctx, rec))
	}

	stale, err := s.ListStalePending(ctx, now.Add(-time.Hour), ledger.MaxListLimit)
	require.NoError(t, err)
	// Other accounts may share the backing database.
	var mine []models.UsageRecord
	for _, rec := range stale {
		if rec.AccountID == acct.ID {
			mine = append(mine, rec)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, older.ID, mine[0].ID)
	assert.Equal(t, old.ID, mine[1].ID)

	stale, err = s.ListStalePending(ctx, now.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func testDuplicatePurchaseID(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	id := uuid.New()

	first := &models.PurchaseRecord{
		ID:              id,
		AccountID:       acct.ID,
		PackType:        models.PackStarter,
		TokensAmount:    1000,
		AmountPaid:      499,
		Currency:        "usd",
		StripeSessionID: "cs_first_" + uuid.NewString(),
	}
	require.NoError(t, s.InsertPurchase(ctx, first))

	second := *first
	second.StripeSessionID = "cs_second_" + uuid.NewString()
	err := s.InsertPurchase(ctx, &second)
	require.Error(t, err)
	assert.True(t, ledger.IsConstraintViolation(err, ledger.ConstraintPrimaryKey), "got %v", err)
	assert.False(t, ledger.IsConstraintViolation(err, ledger.ConstraintPurchaseSession),
		"an id collision must not look like a redelivered session")
}

func testReserveStartsUnsettled(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := mustAccount(t, s)
	mustPurchase(t, s, acct.ID, 100)

	done := time.Now()
	rec := &models.UsageRecord{
		AccountID:       acct.ID,
		OperationType:   models.OperationImage,
		EstimatedTokens: 35,
		TokensUsed:      ptr(int64(7)),
		CompletedAt:     &done,
	}
	_, err := s.ReserveUsage(ctx, rec)
	require.NoError(t, err)
	assert.Nil(t, rec.TokensUsed)
	assert.Nil(t, rec.CompletedAt)

	stored, err := s.GetUsage(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusPending, stored.Status)
	assert.Nil(t, stored.TokensUsed)
	assert.Nil(t, stored.CompletedAt)

	used, err := s.SumCompletedUsage(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}
