package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bananafyi/tokens/internal/ledger/memory"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepReleasesStaleReservations(t *testing.T) {
	store := memory.New()
	bus := events.NewBus(zap.NewNop())
	var expired int32
	bus.Subscribe(events.EventReservationExpired, func(ctx context.Context, event events.Event) error {
		atomic.AddInt32(&expired, 1)
		return nil
	})
	e := NewEngine(store, nil, testBillingConfig(), zap.NewNop(), bus)
	ctx := context.Background()
	fund(t, store, "user_stuck", 1000)

	acct, err := store.GetOrCreateAccount(ctx, "user_stuck")
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertUsage(ctx, &models.UsageRecord{
			AccountID:       acct.ID,
			OperationType:   models.OperationImage,
			EstimatedTokens: 35,
			CreatedAt:       old.Add(time.Duration(i) * time.Second),
		}))
	}
	fresh, err := e.Reservations.Reserve(ctx, imageRequest("user_stuck", 35))
	require.NoError(t, err)
	assert.Equal(t, int64(1000-6*35), available(t, e, "user_stuck"))

	// Batch size 2 forces several pages.
	n, err := e.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	bus.Wait()

	assert.Equal(t, 5, n)
	assert.Equal(t, int32(5), atomic.LoadInt32(&expired))
	assert.Equal(t, int64(1000-35), available(t, e, "user_stuck"))

	got, err := e.Reservations.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageStatusPending, got.Status)

	n, err = e.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperStopsWithContext(t *testing.T) {
	store := memory.New()
	s := NewSweeper(store, time.Minute, 5*time.Millisecond, 10, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
