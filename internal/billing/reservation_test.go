package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageRequest(userID string, tokens int64) ReserveRequest {
	return ReserveRequest{UserID: userID, EstimatedTokens: tokens, Operation: models.OperationImage}
}

func TestReservationLifecycle(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_life", 100)

	rec, err := e.Reservations.Reserve(ctx, imageRequest("user_life", 35))
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusPending, rec.Status)
	assert.Equal(t, int64(65), available(t, e, "user_life"))

	done, err := e.Reservations.Complete(ctx, rec.ID, 35)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusCompleted, done.Status)
	require.NotNil(t, done.TokensUsed)
	assert.Equal(t, int64(35), *done.TokensUsed)
	assert.Equal(t, int64(65), available(t, e, "user_life"))

	// Terminal records never move again; the call is a no-op.
	again, err := e.Reservations.Fail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusCompleted, again.Status)
	assert.Equal(t, int64(65), available(t, e, "user_life"))
}

func TestRefundOnFailure(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_refund", 200)
	before := available(t, e, "user_refund")

	rec, err := e.Reservations.Reserve(ctx, ReserveRequest{UserID: "user_refund", EstimatedTokens: 50, Operation: models.OperationOutline})
	require.NoError(t, err)
	assert.Equal(t, before-50, available(t, e, "user_refund"))

	failed, err := e.Reservations.Fail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusFailed, failed.Status)
	assert.Nil(t, failed.TokensUsed)
	assert.NotNil(t, failed.CompletedAt)
	assert.Equal(t, before, available(t, e, "user_refund"))
}

func TestSettlementMayDifferFromEstimate(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_settle", 100)

	rec, err := e.Reservations.Reserve(ctx, ReserveRequest{UserID: "user_settle", EstimatedTokens: 10, Operation: models.OperationOutlineWithSearch})
	require.NoError(t, err)
	assert.Equal(t, int64(90), available(t, e, "user_settle"))

	_, err = e.Reservations.Complete(ctx, rec.ID, 13)
	require.NoError(t, err)
	assert.Equal(t, int64(87), available(t, e, "user_settle"))

	// A second completion does not overwrite the settled cost.
	_, err = e.Reservations.Complete(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(87), available(t, e, "user_settle"))
}

func TestReserveInsufficientBalance(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_short", 20)

	_, err := e.Reservations.Reserve(ctx, imageRequest("user_short", 35))
	var insufficient *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.Equal(t, int64(35), insufficient.Required)
	assert.Equal(t, int64(20), insufficient.Available)
	assert.Equal(t, int64(20), available(t, e, "user_short"))
}

func TestReserveValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for name, req := range map[string]ReserveRequest{
		"missing user":      {EstimatedTokens: 1, Operation: models.OperationImage},
		"unknown operation": {UserID: "u", EstimatedTokens: 1, Operation: "video"},
		"negative estimate": {UserID: "u", EstimatedTokens: -1, Operation: models.OperationImage},
	} {
		_, err := e.Reservations.Reserve(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}

	_, err := e.Reservations.Complete(ctx, uuid.New(), -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Reservations.Fail(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_race", 100)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Reservations.Reserve(ctx, imageRequest("user_race", 35)); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), ok)
	assert.Equal(t, int64(30), available(t, e, "user_race"))
}

func TestOwnedHidesOtherUsersRecords(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_owner", 100)

	rec, err := e.Reservations.Reserve(ctx, imageRequest("user_owner", 35))
	require.NoError(t, err)

	got, err := e.Reservations.Owned(ctx, "user_owner", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = e.Reservations.Owned(ctx, "user_intruder", rec.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRunCompletesWithActualCost(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_run", 100)

	rec, err := e.Reservations.Run(ctx, ReserveRequest{UserID: "user_run", EstimatedTokens: 10, Operation: models.OperationOutlineWithSearch},
		func(ctx context.Context, rec *models.UsageRecord) (int64, error) {
			assert.Equal(t, models.UsageStatusPending, rec.Status)
			return 12, nil
		})
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusCompleted, rec.Status)
	assert.Equal(t, int64(88), available(t, e, "user_run"))
}

func TestRunReleasesOnError(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, store, "user_run_err", 100)
	boom := errors.New("provider unavailable")

	rec, err := e.Reservations.Run(ctx, imageRequest("user_run_err", 35),
		func(ctx context.Context, rec *models.UsageRecord) (int64, error) {
			return 0, boom
		})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, rec)
	assert.Equal(t, models.UsageStatusFailed, rec.Status)
	assert.Equal(t, int64(100), available(t, e, "user_run_err"))
}

func TestRunReleasesOnPanic(t *testing.T) {
	e, store := newTestEngine(t)
	fund(t, store, "user_run_panic", 100)

	assert.PanicsWithValue(t, "parser exploded", func() {
		_, _ = e.Reservations.Run(context.Background(), imageRequest("user_run_panic", 35),
			func(ctx context.Context, rec *models.UsageRecord) (int64, error) {
				panic("parser exploded")
			})
	})
	assert.Equal(t, int64(100), available(t, e, "user_run_panic"))
}

func TestRunReleasesOnCancellation(t *testing.T) {
	e, store := newTestEngine(t)
	fund(t, store, "user_run_cancel", 100)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := e.Reservations.Run(ctx, imageRequest("user_run_cancel", 35),
		func(ctx context.Context, rec *models.UsageRecord) (int64, error) {
			cancel()
			return 35, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(100), available(t, e, "user_run_cancel"))
}

func TestRunDoesNotStartWithoutBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	called := false

	_, err := e.Reservations.Run(context.Background(), imageRequest("user_run_empty", 35),
		func(ctx context.Context, rec *models.UsageRecord) (int64, error) {
			called = true
			return 35, nil
		})
	var insufficient *ledger.InsufficientBalanceError
	assert.True(t, errors.As(err, &insufficient))
	assert.False(t, called)
}
