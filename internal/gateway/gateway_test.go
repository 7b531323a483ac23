package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/internal/ledger/memory"
	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	testServiceToken = "svc_test_token"
	testAdminToken   = "admin_test_token"
)

type stubSessions struct{}

func (stubSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_gateway", URL: "https://checkout.stripe.com/c/pay/cs_gateway"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"https://banana.fyi"}},
		Billing: config.BillingConfig{
			Currency:           "usd",
			SuccessURL:         "https://banana.fyi/billing/success",
			CancelURL:          "https://banana.fyi/billing/cancel",
			ReservationTimeout: 30 * time.Minute,
			SweepBatchSize:     10,
		},
		Security: config.SecurityConfig{
			AdminAPIToken:      testAdminToken,
			ServiceToken:       testServiceToken,
			RateLimitPerMinute: 2,
		},
		Monitoring: config.MonitoringConfig{MetricsPath: "/metrics"},
	}
}

type testServer struct {
	gateway *Gateway
	engine  *billing.Engine
	store   *memory.Store
}

func newTestServer(t *testing.T, sessions billing.CheckoutSessionCreator, cacheClient *cache.Cache) *testServer {
	t.Helper()
	cfg := testConfig()
	store := memory.New()
	engine := billing.NewEngine(store, sessions, cfg.Billing, zap.NewNop(), nil)
	webhooks := billing.NewWebhookHandler("whsec_gateway", engine.Purchases, cacheClient, zap.NewNop())
	return &testServer{
		gateway: NewGateway(engine, webhooks, cacheClient, cfg, zap.NewNop()),
		engine:  engine,
		store:   store,
	}
}

func (s *testServer) fund(t *testing.T, userID string, pack models.PackType, session string) {
	t.Helper()
	_, err := s.engine.Purchases.RecordPurchase(context.Background(), userID, pack, session, nil)
	require.NoError(t, err)
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)

	for _, path := range []string{"/health", "/ready"} {
		w := httptest.NewRecorder()
		s.gateway.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	s.gateway.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServiceAuth(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest("GET", "/api/tokens/balance", nil)
	w := httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/tokens/balance", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("X-User-ID", "user_a")
	w = httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, w, &body)
	assert.Equal(t, "authentication_error", body.Error.Type)

	w = s.do(t, "GET", "/api/tokens/balance", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBalanceForNewUser(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, "GET", "/api/tokens/balance", "user_new", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	decode(t, w, &got)
	assert.Equal(t, "user_new", got["user_id"])
	assert.EqualValues(t, 0, got["balance"])
	assert.EqualValues(t, 0, got["available"])
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestReservationFlow(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.fund(t, "user_flow", models.PackStarter, "sess_flow")

	// Without an explicit estimate the operation's list price is held.
	w := s.do(t, "POST", "/api/tokens/reservations", "user_flow", map[string]interface{}{
		"operation_type": "image",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec models.UsageRecord
	decode(t, w, &rec)
	assert.Equal(t, int64(35), rec.EstimatedTokens)
	assert.Equal(t, models.UsageStatusPending, rec.Status)

	w = s.do(t, "GET", "/api/tokens/balance", "user_flow", nil)
	var bal map[string]interface{}
	decode(t, w, &bal)
	assert.EqualValues(t, 965, bal["available"])
	assert.EqualValues(t, 35, bal["pending"])

	// Another user cannot settle it.
	w = s.do(t, "POST", "/api/tokens/reservations/"+rec.ID.String()+"/complete", "user_other", map[string]int{"actual_tokens": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "POST", "/api/tokens/reservations/"+rec.ID.String()+"/complete", "user_flow", map[string]int{"actual_tokens": 30})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &rec)
	assert.Equal(t, models.UsageStatusCompleted, rec.Status)

	w = s.do(t, "GET", "/api/tokens/balance", "user_flow", nil)
	decode(t, w, &bal)
	assert.EqualValues(t, 970, bal["available"])

	w = s.do(t, "GET", "/api/tokens/usage?limit=10", "user_flow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Usage []models.UsageRecord `json:"usage"`
	}
	decode(t, w, &usage)
	assert.Len(t, usage.Usage, 1)
}

func TestReservationRefund(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.fund(t, "user_fail", models.PackStarter, "sess_fail")

	w := s.do(t, "POST", "/api/tokens/reservations", "user_fail", map[string]interface{}{
		"operation_type":   "outlineWithSearch",
		"estimated_tokens": 12,
		"presentation_id":  "pres_1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec models.UsageRecord
	decode(t, w, &rec)

	req := httptest.NewRequest("POST", "/api/tokens/reservations/"+rec.ID.String()+"/fail", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	req.Header.Set("X-User-ID", "user_fail")
	w = httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/tokens/balance", "user_fail", nil)
	var bal map[string]interface{}
	decode(t, w, &bal)
	assert.EqualValues(t, 1000, bal["available"])
}

func TestReservationInsufficientBalance(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, "POST", "/api/tokens/reservations", "user_broke", map[string]interface{}{
		"operation_type": "image",
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Required  int64 `json:"required"`
		Available int64 `json:"available"`
	}
	decode(t, w, &body)
	assert.Equal(t, int64(35), body.Required)
	assert.Equal(t, int64(0), body.Available)
}

func TestReservationBadInput(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, "POST", "/api/tokens/reservations", "user_a", map[string]interface{}{"operation_type": "video"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/tokens/reservations/not-a-uuid/complete", "user_a", map[string]int{"actual_tokens": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/tokens/reservations/6f1c1d4e-58b5-4a4b-9c1e-1e2f3a4b5c6d/complete", "user_a", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest("POST", "/api/tokens/reservations", bytes.NewBufferString("operation_type=image"))
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	req.Header.Set("X-User-ID", "user_a")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestEstimate(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, "GET", "/api/tokens/estimate?slides=3&webSearch=false&contentImages=3&visualImages=2", "user_a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got estimateResponse
	decode(t, w, &got)
	assert.Equal(t, "151.5", got.Cost)
	assert.Equal(t, int64(152), got.Tokens)

	// Web search is assumed when the caller leaves it out.
	w = s.do(t, "GET", "/api/tokens/estimate?slides=7", "user_a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.Equal(t, int64(298), got.Tokens)

	w = s.do(t, "GET", "/api/tokens/estimate?slides=-1", "user_a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "GET", "/api/tokens/estimate?webSearch=maybe", "user_a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPacksAndPurchases(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.fund(t, "user_buyer", models.PackPro, "sess_pro")

	w := s.do(t, "GET", "/api/tokens/packs", "user_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var packs struct {
		Packs []packResponse `json:"packs"`
	}
	decode(t, w, &packs)
	require.Len(t, packs.Packs, 3)
	assert.Equal(t, models.PackStarter, packs.Packs[0].Type)
	assert.Equal(t, "4.99", packs.Packs[0].Price)

	w = s.do(t, "GET", "/api/tokens/purchases", "user_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var purchases struct {
		Purchases []models.PurchaseRecord `json:"purchases"`
	}
	decode(t, w, &purchases)
	require.Len(t, purchases.Purchases, 1)
	assert.Equal(t, int64(6000), purchases.Purchases[0].TokensAmount)
}

func TestCheckout(t *testing.T) {
	s := newTestServer(t, stubSessions{}, nil)

	w := s.do(t, "POST", "/api/tokens/checkout", "user_checkout", map[string]string{"pack": "standard"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sess billing.CheckoutSession
	decode(t, w, &sess)
	assert.Equal(t, "cs_gateway", sess.SessionID)

	w = s.do(t, "POST", "/api/tokens/checkout", "user_checkout", map[string]string{"pack": "mega"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	disabled := newTestServer(t, nil, nil)
	w = disabled.do(t, "POST", "/api/tokens/checkout", "user_checkout", map[string]string{"pack": "standard"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookRouteVerifiesSignature(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=123,v1=invalid")
	w := httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.fund(t, "user_admin_view", models.PackStarter, "sess_admin")

	req := httptest.NewRequest("POST", "/admin/reservations/sweep", nil)
	w := httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("POST", "/admin/reservations/sweep", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	w = httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var swept map[string]int
	decode(t, w, &swept)
	assert.Equal(t, 0, swept["released"])

	req = httptest.NewRequest("GET", "/admin/accounts/user_admin_view/balance", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	w = httptest.NewRecorder()
	s.gateway.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var bal map[string]interface{}
	decode(t, w, &bal)
	assert.EqualValues(t, 1000, bal["balance"])
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	c := &cache.Cache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = c.Close() })
	s := newTestServer(t, nil, c)

	for i := 0; i < 2; i++ {
		w := s.do(t, "GET", "/api/tokens/packs", "user_busy", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := s.do(t, "GET", "/api/tokens/packs", "user_busy", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = s.do(t, "GET", "/api/tokens/packs", "user_calm", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
