package billing

import (
	"context"
	"fmt"

	"github.com/bananafyi/tokens/internal/pricing"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// Checkout metadata keys read back by the webhook handler.
const (
	metadataUserID   = "user_id"
	metadataPackType = "pack_type"
)

// CheckoutSessionCreator is the slice of the Stripe client used for checkout.
// *checkout/session.Client satisfies it.
type CheckoutSessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutSession is what the web application needs to redirect the user.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CheckoutInitiator asks Stripe for a hosted checkout page for a token pack.
type CheckoutInitiator struct {
	sessions   CheckoutSessionCreator
	currency   string
	successURL string
	cancelURL  string
	logger     *zap.Logger
}

// NewCheckoutInitiator creates an initiator. successURL and cancelURL are the
// defaults used when a request does not carry its own.
func NewCheckoutInitiator(sessions CheckoutSessionCreator, currency, successURL, cancelURL string, logger *zap.Logger) *CheckoutInitiator {
	if currency == "" {
		currency = "usd"
	}
	return &CheckoutInitiator{
		sessions:   sessions,
		currency:   currency,
		successURL: successURL,
		cancelURL:  cancelURL,
		logger:     logger,
	}
}

// CreateCheckoutSession starts a one-off payment for packType.
func (c *CheckoutInitiator) CreateCheckoutSession(ctx context.Context, userID string, packType models.PackType, successURL, cancelURL string) (*CheckoutSession, error) {
	if c == nil || c.sessions == nil {
		return nil, ErrCheckoutUnavailable
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	pack, ok := pricing.PackFor(packType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown pack type %q", ErrInvalidRequest, packType)
	}
	if successURL == "" {
		successURL = c.successURL
	}
	if cancelURL == "" {
		cancelURL = c.cancelURL
	}
	if successURL == "" || cancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.currency),
					UnitAmount: stripe.Int64(pack.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pack.Name),
						Description: stripe.String(fmt.Sprintf("%d banana.fyi tokens", pack.Tokens)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		Metadata: map[string]string{
			metadataUserID:   userID,
			metadataPackType: string(pack.Type),
		},
	}

	sess, err := c.sessions.New(params)
	if err != nil {
		c.logger.Error("stripe checkout session failed",
			zap.String("user_id", userID),
			zap.String("pack_type", string(pack.Type)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	c.logger.Info("checkout session created",
		zap.String("user_id", userID),
		zap.String("pack_type", string(pack.Type)),
		zap.String("session_id", sess.ID),
	)
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}
