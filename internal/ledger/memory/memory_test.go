package memory

import (
	"testing"

	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.RunStoreSuite(t, func(t *testing.T) ledger.Store {
		return New()
	})
}
