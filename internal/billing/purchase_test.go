package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/bananafyi/tokens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseIsIdempotentPerSession(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	before := available(t, e, "user_buyer")

	rec, err := e.Purchases.RecordPurchase(ctx, "user_buyer", models.PackStarter, "sess_abc", ptr("pi_abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.TokensAmount)
	assert.Equal(t, int64(499), rec.AmountPaid)
	assert.Equal(t, models.PurchaseStatusCompleted, rec.Status)
	assert.Equal(t, before+1000, available(t, e, "user_buyer"))

	again, err := e.Purchases.RecordPurchase(ctx, "user_buyer", models.PackStarter, "sess_abc", ptr("pi_abc"))
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
	require.NotNil(t, again)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, before+1000, available(t, e, "user_buyer"))

	history, err := e.Purchases.History(ctx, "user_buyer")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConcurrentDuplicateDeliveriesCreditOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Purchases.RecordPurchase(ctx, "user_burst", models.PackPro, "sess_burst", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(6000), available(t, e, "user_burst"))
}

func TestRecordPurchaseRejectsBadInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Purchases.RecordPurchase(ctx, "user_x", models.PackType("mega"), "sess_1", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Purchases.RecordPurchase(ctx, "user_x", models.PackStarter, "", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, int64(0), available(t, e, "user_x"))
}
