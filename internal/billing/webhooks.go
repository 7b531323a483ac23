package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/bananafyi/tokens/pkg/metrics"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
	maxWebhookBodyBytes  = int64(65536)
)

var errInvalidSession = errors.New("invalid checkout session payload")

// WebhookHandler verifies Stripe webhook deliveries and credits purchases.
//
// Stripe delivers at least once. Two layers keep a payment from being
// credited twice: an event-id lock (Redis when available, process memory
// otherwise) that short-circuits redeliveries, and the ledger's unique
// payment session id, which is the guarantee the lock only optimizes.
type WebhookHandler struct {
	webhookSecret string
	recorder      *PurchaseRecorder
	cache         *cache.Cache
	logger        *zap.Logger

	// processedEvents backs the event lock when no cache is configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient may be nil.
func NewWebhookHandler(webhookSecret string, recorder *PurchaseRecorder, cacheClient *cache.Cache, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		recorder:        recorder,
		cache:           cacheClient,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook processes one Stripe delivery.
//
// HTTP Response Codes:
//   - 200 OK: processed, duplicate, or an event type we do not act on
//   - 400 Bad Request: unreadable body, bad signature or malformed session
//   - 500 Internal Server Error: ledger failure; Stripe retries
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	eventType := string(event.Type)

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "replay").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	result, handlerErr := h.dispatch(ctx, event)
	// Only successful outcomes keep the lock; anything else must be retryable.
	h.finalizeEvent(ctx, event.ID, handlerErr == nil)

	if handlerErr != nil {
		status := http.StatusInternalServerError
		result = "error"
		if errors.Is(handlerErr, errInvalidSession) {
			status = http.StatusBadRequest
			result = "invalid"
		}
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
		http.Error(w, "Event processing failed", status)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return h.handleCheckoutPaid(ctx, event)
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		h.logger.Info("checkout session ended without payment",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return "ignored", nil
	default:
		// Unknown event types are acknowledged so Stripe stops retrying them.
		h.logger.Info("received unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return "ignored", nil
	}
}

func (h *WebhookHandler) handleCheckoutPaid(ctx context.Context, event stripe.Event) (string, error) {
	var sess stripe.CheckoutSession
	if event.Data == nil {
		return "", fmt.Errorf("%w: event has no data", errInvalidSession)
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidSession, err)
	}

	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
	default:
		// Delayed payment methods finish with async_payment_succeeded.
		h.logger.Info("checkout session not paid yet",
			zap.String("session_id", sess.ID),
			zap.String("payment_status", string(sess.PaymentStatus)),
		)
		return "ignored", nil
	}

	userID := strings.TrimSpace(sess.Metadata[metadataUserID])
	if userID == "" {
		userID = strings.TrimSpace(sess.ClientReferenceID)
	}
	if userID == "" || sess.ID == "" {
		return "", fmt.Errorf("%w: session %q has no user", errInvalidSession, sess.ID)
	}
	packType, err := models.ParsePackType(sess.Metadata[metadataPackType])
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidSession, err)
	}

	var paymentIntentID *string
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		id := sess.PaymentIntent.ID
		paymentIntentID = &id
	}

	if h.recorder == nil {
		return "", errors.New("purchase recorder not configured")
	}
	_, err = h.recorder.RecordPurchase(ctx, userID, packType, sess.ID, paymentIntentID)
	if errors.Is(err, ErrDuplicatePurchase) {
		h.logger.Info("duplicate purchase webhook ignored",
			zap.String("event_id", event.ID),
			zap.String("session_id", sess.ID),
		)
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return "processed", nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		return h.cache.SetNX(ctx, key, "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		// The request may be cancelled by now; the lock update must still land.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook lock",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
