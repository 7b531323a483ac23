// Package billing implements token balances, reservations and purchase crediting
// on top of a ledger.Store.
package billing

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest marks caller input the ledger refuses to act on.
	ErrInvalidRequest = errors.New("billing: invalid request")
	// ErrDuplicatePurchase is returned when a payment session was already
	// credited. Webhook consumers treat it as success.
	ErrDuplicatePurchase = errors.New("billing: purchase already recorded")
	// ErrCheckoutUnavailable is returned when no payment client is configured.
	ErrCheckoutUnavailable = errors.New("billing: checkout is not configured")
)

// DefaultSettleTimeout bounds the settlement write issued after the caller's
// context is gone.
const DefaultSettleTimeout = 10 * time.Second
