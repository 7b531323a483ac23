package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (g *Gateway) handleSweepReservations(w http.ResponseWriter, r *http.Request) {
	released, err := g.engine.Sweeper.Sweep(r.Context())
	if err != nil {
		g.logger.Error("manual reservation sweep failed", zap.Error(err), zap.Int("released", released))
		g.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

func (g *Gateway) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		g.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	b, err := g.engine.Balances.Balance(r.Context(), userID)
	if err != nil {
		g.writeBillingError(w, r, err, "get admin balance")
		return
	}
	g.writeJSON(w, http.StatusOK, balanceResponse{Balance: b, Shown: b.Display()})
}
