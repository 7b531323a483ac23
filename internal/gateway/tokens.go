package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/pricing"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type balanceResponse struct {
	*billing.Balance
	Shown int64 `json:"balance"`
}

type packResponse struct {
	pricing.Pack
	Price           string `json:"price"`
	TokensPerDollar string `json:"tokens_per_dollar"`
}

type estimateResponse struct {
	Cost   string `json:"cost"`
	Tokens int64  `json:"tokens"`
}

type createReservationRequest struct {
	OperationType   string         `json:"operation_type"`
	EstimatedTokens *int64         `json:"estimated_tokens,omitempty"`
	PresentationID  *string        `json:"presentation_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type completeReservationRequest struct {
	ActualTokens *int64 `json:"actual_tokens"`
}

type checkoutRequest struct {
	Pack       string `json:"pack"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (g *Gateway) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := g.engine.Balances.Balance(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		g.writeBillingError(w, r, err, "get balance")
		return
	}
	g.writeJSON(w, http.StatusOK, balanceResponse{Balance: b, Shown: b.Display()})
}

func (g *Gateway) handleListUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", ledger.DefaultListLimit)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := g.engine.UsageHistory(r.Context(), userIDFrom(r.Context()), limit, offset)
	if err != nil {
		g.writeBillingError(w, r, err, "list usage")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage":  records,
		"limit":  limit,
		"offset": offset,
	})
}

func (g *Gateway) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := g.engine.Purchases.History(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		g.writeBillingError(w, r, err, "list purchases")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": purchases})
}

func (g *Gateway) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs := pricing.Packs()
	out := make([]packResponse, 0, len(packs))
	for _, p := range packs {
		out = append(out, packResponse{
			Pack:            p,
			Price:           p.Price().StringFixed(2),
			TokensPerDollar: p.TokensPerDollar().String(),
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"packs": out})
}

// handleEstimate prices a whole presentation before generation starts.
func (g *Gateway) handleEstimate(w http.ResponseWriter, r *http.Request) {
	slides, err := queryInt(r, "slides", 0)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	contentImages, err := queryInt(r, "contentImages", 0)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	visualImages, err := queryInt(r, "visualImages", 0)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	webSearch := true
	if v := r.URL.Query().Get("webSearch"); v != "" {
		webSearch, err = strconv.ParseBool(v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "webSearch must be a boolean")
			return
		}
	}

	cost := pricing.EstimatePresentationCost(slides, webSearch, contentImages, visualImages)
	g.writeJSON(w, http.StatusOK, estimateResponse{
		Cost:   cost.String(),
		Tokens: pricing.Tokens(cost),
	})
}

func (g *Gateway) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	op, err := models.ParseOperationType(req.OperationType)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var estimate int64
	if req.EstimatedTokens != nil {
		estimate = *req.EstimatedTokens
	} else {
		cost, err := pricing.CostOf(op)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		estimate = pricing.Tokens(cost)
	}

	rec, err := g.engine.Reservations.Reserve(r.Context(), billing.ReserveRequest{
		UserID:          userIDFrom(r.Context()),
		EstimatedTokens: estimate,
		Operation:       op,
		PresentationID:  req.PresentationID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		g.writeBillingError(w, r, err, "reserve tokens")
		return
	}
	g.writeJSON(w, http.StatusCreated, rec)
}

func (g *Gateway) handleCompleteReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := g.reservationID(w, r)
	if !ok {
		return
	}
	var req completeReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActualTokens == nil {
		g.writeError(w, http.StatusBadRequest, "actual_tokens is required")
		return
	}

	ctx := r.Context()
	if _, err := g.engine.Reservations.Owned(ctx, userIDFrom(ctx), id); err != nil {
		g.writeBillingError(w, r, err, "complete reservation")
		return
	}
	rec, err := g.engine.Reservations.Complete(ctx, id, *req.ActualTokens)
	if err != nil {
		g.writeBillingError(w, r, err, "complete reservation")
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleFailReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := g.reservationID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := g.engine.Reservations.Owned(ctx, userIDFrom(ctx), id); err != nil {
		g.writeBillingError(w, r, err, "fail reservation")
		return
	}
	rec, err := g.engine.Reservations.Fail(ctx, id)
	if err != nil {
		g.writeBillingError(w, r, err, "fail reservation")
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	packType, err := models.ParsePackType(req.Pack)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.engine.Checkout.CreateCheckoutSession(r.Context(), userIDFrom(r.Context()), packType, req.SuccessURL, req.CancelURL)
	if err != nil {
		g.writeBillingError(w, r, err, "create checkout session")
		return
	}
	g.writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) reservationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid reservation id")
		return uuid.Nil, false
	}
	return id, true
}

// writeBillingError maps ledger errors onto HTTP. Only a shortfall exposes
// detail to the caller; unexpected failures are logged and reported as 500.
func (g *Gateway) writeBillingError(w http.ResponseWriter, r *http.Request, err error, action string) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		g.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": map[string]string{
				"message": "insufficient token balance",
				"type":    errorType(http.StatusPaymentRequired),
			},
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, billing.ErrInvalidRequest):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, billing.ErrCheckoutUnavailable):
		g.writeError(w, http.StatusServiceUnavailable, "checkout is not available")
	default:
		g.logger.Error(action+" failed",
			zap.Error(err),
			zap.String("user_id", userIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
		)
		g.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
