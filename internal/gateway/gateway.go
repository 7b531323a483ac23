package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

type ctxKey string

const userIDKey ctxKey = "user_id"

// Gateway handles API requests
type Gateway struct {
	engine         *billing.Engine
	cache          *cache.Cache
	logger         *zap.Logger
	rateLimiter    *RateLimiter
	router         *chi.Mux
	webhookHandler *billing.WebhookHandler
	serviceToken   string
	adminToken     string
	allowedOrigins []string
	metricsPath    string
}

// NewGateway creates a new API gateway. cacheClient may be nil, in which case
// per-user rate limiting is disabled.
func NewGateway(engine *billing.Engine, webhookHandler *billing.WebhookHandler, cacheClient *cache.Cache, cfg *config.Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		engine:         engine,
		cache:          cacheClient,
		logger:         logger,
		router:         chi.NewRouter(),
		webhookHandler: webhookHandler,
		serviceToken:   cfg.Security.ServiceToken,
		adminToken:     cfg.Security.AdminAPIToken,
		allowedOrigins: cfg.Server.AllowedOrigins,
		metricsPath:    cfg.Monitoring.MetricsPath,
	}
	if cacheClient != nil {
		g.rateLimiter = NewRateLimiter(cacheClient, cfg.Security.RateLimitPerMinute, logger)
	}
	if g.metricsPath == "" {
		g.metricsPath = "/metrics"
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	g.router.Route("/api/tokens", func(r chi.Router) {
		r.Use(RequestSizeLimitMiddleware(maxRequestBodyBytes))
		r.Use(JSONContentTypeMiddleware())
		r.Use(g.serviceAuthMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Get("/balance", g.handleGetBalance)
		r.Get("/usage", g.handleListUsage)
		r.Get("/purchases", g.handleListPurchases)
		r.Get("/packs", g.handleListPacks)
		r.Get("/estimate", g.handleEstimate)

		r.Post("/reservations", g.handleCreateReservation)
		r.Post("/reservations/{id}/complete", g.handleCompleteReservation)
		r.Post("/reservations/{id}/fail", g.handleFailReservation)

		r.Post("/checkout", g.handleCreateCheckout)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/reservations/sweep", g.handleSweepReservations)
		r.Get("/admin/accounts/{user_id}/balance", g.handleAdminBalance)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// serviceAuthMiddleware admits calls from the web application. The caller
// authenticates with the shared service token and names the signed-in user
// in X-User-ID.
func (g *Gateway) serviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.serviceToken)) != 1 {
			g.logger.Warn("invalid service token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}

		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			g.writeError(w, http.StatusBadRequest, "missing X-User-ID header")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		userID := userIDFrom(ctx)

		allowed, info, err := g.rateLimiter.CheckRateLimit(ctx, userID)
		if err != nil {
			g.logger.Error("rate limit check failed", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		for k, v := range info.GetRateLimitHeaders() {
			w.Header().Set(k, v)
		}
		if !allowed {
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.engine.Health(ctx); err != nil {
		g.logger.Warn("ledger store not ready", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "ledger store not ready")
		return
	}

	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.logger.Warn("cache not ready", zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errorType(statusCode),
		},
	})
}

func errorType(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusPaymentRequired:
		return "insufficient_tokens"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusNotFound:
		return "not_found_error"
	}
	if statusCode >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}
