package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/bananafyi/tokens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_123", URL: "https://checkout.stripe.com/c/pay/cs_test_123"}, nil
}

func TestCreateCheckoutSession(t *testing.T) {
	fake := &fakeSessions{}
	c := NewCheckoutInitiator(fake, "usd", "https://banana.fyi/ok", "https://banana.fyi/cancel", zap.NewNop())

	sess, err := c.CreateCheckoutSession(context.Background(), "user_checkout", models.PackStandard, "", "")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", sess.SessionID)
	assert.Contains(t, sess.URL, "cs_test_123")

	p := fake.params
	require.NotNil(t, p)
	assert.Equal(t, string(stripe.CheckoutSessionModePayment), *p.Mode)
	assert.Equal(t, "https://banana.fyi/ok", *p.SuccessURL)
	assert.Equal(t, "https://banana.fyi/cancel", *p.CancelURL)
	assert.Equal(t, "user_checkout", *p.ClientReferenceID)
	assert.Equal(t, "user_checkout", p.Metadata["user_id"])
	assert.Equal(t, "standard", p.Metadata["pack_type"])
	require.Len(t, p.LineItems, 1)
	assert.Equal(t, int64(999), *p.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *p.LineItems[0].PriceData.Currency)
	assert.Equal(t, int64(1), *p.LineItems[0].Quantity)
}

func TestCreateCheckoutSessionOverridesURLs(t *testing.T) {
	fake := &fakeSessions{}
	c := NewCheckoutInitiator(fake, "", "https://banana.fyi/ok", "https://banana.fyi/cancel", zap.NewNop())

	_, err := c.CreateCheckoutSession(context.Background(), "u", models.PackPro, "https://app/ok", "https://app/no")
	require.NoError(t, err)
	assert.Equal(t, "https://app/ok", *fake.params.SuccessURL)
	assert.Equal(t, "https://app/no", *fake.params.CancelURL)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	fake := &fakeSessions{err: errors.New("stripe down")}
	c := NewCheckoutInitiator(fake, "usd", "https://ok", "https://cancel", zap.NewNop())
	ctx := context.Background()

	_, err := c.CreateCheckoutSession(ctx, "u", models.PackType("mega"), "", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.CreateCheckoutSession(ctx, "u", models.PackStarter, "", "")
	assert.ErrorContains(t, err, "stripe down")

	var missing *CheckoutInitiator
	_, err = missing.CreateCheckoutSession(ctx, "u", models.PackStarter, "", "")
	assert.ErrorIs(t, err, ErrCheckoutUnavailable)
}
