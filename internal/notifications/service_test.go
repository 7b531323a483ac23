package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(webhookURL string) *Config {
	return &Config{
		Enabled:          true,
		WebhookEnabled:   true,
		WebhookURL:       webhookURL,
		WebhookSecret:    "shh",
		WebhookMethod:    "POST",
		Events:           DefaultEvents,
		EventRouting:     map[string][]string{},
		MaxRetries:       3,
		RetryBackoffBase: time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  time.Second,
		DedupeTTL:        time.Hour,
	}
}

type recordingSender struct {
	mu     sync.Mutex
	events []events.Event
	fail   int
}

func (r *recordingSender) Send(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("receiver unavailable")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.WebhookEnabled = false }, false},
		{"no channels", func(c *Config) { c.WebhookEnabled = false }, true},
		{"slack without url", func(c *Config) { c.SlackEnabled = true }, true},
		{"webhook without url", func(c *Config) { c.WebhookURL = "" }, true},
		{"bad method", func(c *Config) { c.WebhookMethod = "GET" }, true},
		{"unknown routed channel", func(c *Config) {
			c.EventRouting = map[string][]string{"balance.anomaly": {"pager"}}
		}, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://example.invalid/hook")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFICATIONS_ENABLED", "true")
	t.Setenv("NOTIFICATIONS_SLACK_ENABLED", "true")
	t.Setenv("NOTIFICATIONS_SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("NOTIFICATIONS_EVENTS", "balance.anomaly, purchase.duplicate")
	t.Setenv("NOTIFICATIONS_EVENT_ROUTING", `{"purchase.duplicate":["slack"]}`)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"balance.anomaly", "purchase.duplicate"}, cfg.Events)
	assert.Equal(t, []string{ChannelSlack}, cfg.ChannelsFor("purchase.duplicate"))
	assert.Equal(t, []string{ChannelSlack}, cfg.ChannelsFor("balance.anomaly"))
}

func TestLoadConfigDisabledByDefault(t *testing.T) {
	t.Setenv("NOTIFICATIONS_ENABLED", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}

func TestChannelsForRouting(t *testing.T) {
	cfg := testConfig("http://example.invalid/hook")
	cfg.SlackEnabled = true
	cfg.SlackWebhookURL = "http://example.invalid/slack"
	cfg.EventRouting = map[string][]string{"purchase.recorded": {ChannelWebhook}}

	assert.Equal(t, []string{ChannelWebhook}, cfg.ChannelsFor("purchase.recorded"))
	assert.Equal(t, []string{ChannelSlack, ChannelWebhook}, cfg.ChannelsFor("balance.anomaly"))
}

func TestWebhookAdapterSignsPayload(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL, "shh", "POST", map[string]string{"X-Env": "test"}, zap.NewNop())
	event := events.NewEvent(events.EventBalanceAnomaly, "user_1", map[string]interface{}{"available": int64(-5)})
	require.NoError(t, adapter.Send(context.Background(), event))

	assert.True(t, VerifySignature(gotBody, gotHeader.Get(SignatureHeader), "shh"))
	assert.False(t, VerifySignature(gotBody, gotHeader.Get(SignatureHeader), "other"))
	assert.Equal(t, event.ID, gotHeader.Get(EventIDHeader))
	assert.Equal(t, "balance.anomaly", gotHeader.Get(EventTypeHeader))
	assert.Equal(t, "test", gotHeader.Get("X-Env"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "user_1", payload.UserID)
	assert.Equal(t, float64(-5), payload.Data["available"])
}

func TestWebhookAdapterRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := NewWebhookAdapter(srv.URL, "", "", nil, zap.NewNop())
	err := adapter.Send(context.Background(), events.NewEvent(events.EventPurchaseRecorded, "u", nil))
	assert.ErrorContains(t, err, "502")
}

func TestSlackAdapterFormatsLedgerEvents(t *testing.T) {
	var payload SlackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	adapter := NewSlackAdapter(srv.URL, "#ledger", zap.NewNop())
	event := events.NewEvent(events.EventPurchaseRecorded, "user_9", map[string]interface{}{
		"pack_type":   "standard",
		"tokens":      int64(2500),
		"amount_paid": int64(999),
		"currency":    "usd",
	})
	require.NoError(t, adapter.Send(context.Background(), event))

	assert.Equal(t, "#ledger", payload.Channel)
	assert.Equal(t, "user_9 purchased the standard pack", payload.Text)
	require.Len(t, payload.Blocks, 3)
	assert.Contains(t, payload.Blocks[0].Text.Text, "Token pack purchased")
	assert.Contains(t, payload.Blocks[1].Fields[3].Text, "9.99 usd")
	assert.Equal(t, "context", payload.Blocks[2].Type)
}

func TestSlackGenericEventListsPayload(t *testing.T) {
	adapter := NewSlackAdapter("", "", zap.NewNop())
	blocks := adapter.formatEvent(events.NewEvent(events.EventPurchaseDuplicate, "u", map[string]interface{}{
		"session_id": "cs_1",
	}))
	require.Len(t, blocks, 3)
	assert.Contains(t, blocks[0].Text.Text, "purchase.duplicate")
	assert.Contains(t, blocks[1].Fields[1].Text, "cs_1")
}

func TestServiceDeliversSubscribedEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	svc, err := NewService(testConfig("http://example.invalid/hook"), nil, zap.NewNop(), bus)
	require.NoError(t, err)
	sender := &recordingSender{}
	svc.senders[ChannelWebhook] = sender

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventBalanceAnomaly, "user_1", nil)))
	// usage.completed is not subscribed by default.
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventUsageCompleted, "user_1", nil)))

	assert.Equal(t, 1, sender.count())
	require.NoError(t, svc.Stop(context.Background()))
}

func TestServiceRetriesFailedDelivery(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := events.NewBus(zap.NewNop())
	svc, err := NewService(testConfig(srv.URL), nil, zap.NewNop(), bus)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	bus.Publish(ctx, events.NewEvent(events.EventReservationExpired, "", map[string]interface{}{
		"usage_id":    "u-1",
		"age_seconds": int64(3600),
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 3 }, 2*time.Second, 5*time.Millisecond)
	bus.Wait()
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

// flakySender fails the first send of every event and accepts the next.
type flakySender struct {
	mu        sync.Mutex
	seen      map[string]bool
	delivered int
}

func (f *flakySender) Send(ctx context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.seen[event.ID] {
		f.seen[event.ID] = true
		return errors.New("receiver unavailable")
	}
	f.delivered++
	return nil
}

func (f *flakySender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

func TestServiceConcurrentRetries(t *testing.T) {
	cfg := testConfig("http://example.invalid/hook")
	cfg.RetryWorkers = 4
	cfg.RetryBackoffBase = time.Microsecond
	cfg.RetryQueueSize = 64
	bus := events.NewBus(zap.NewNop())
	svc, err := NewService(cfg, nil, zap.NewNop(), bus)
	require.NoError(t, err)
	sender := &flakySender{seen: make(map[string]bool)}
	svc.senders[ChannelWebhook] = sender

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	const n = 32
	for i := 0; i < n; i++ {
		bus.Publish(ctx, events.NewEvent(events.EventBalanceAnomaly, "user_"+strconv.Itoa(i), nil))
	}

	require.Eventually(t, func() bool { return sender.count() == n }, 2*time.Second, 5*time.Millisecond)
	bus.Wait()
	require.NoError(t, svc.Stop(context.Background()))
}

func TestServiceGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig("http://example.invalid/hook")
	cfg.MaxRetries = 2
	svc, err := NewService(cfg, nil, zap.NewNop(), events.NewBus(zap.NewNop()))
	require.NoError(t, err)
	sender := &recordingSender{fail: 100}
	svc.senders[ChannelWebhook] = sender

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	require.NoError(t, svc.handleEvent(ctx, events.NewEvent(events.EventBalanceAnomaly, "u", nil)))
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.fail == 97
	}, 2*time.Second, 5*time.Millisecond)

	// One initial attempt plus two retries, then nothing is queued.
	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	assert.Equal(t, 97, sender.fail)
	sender.mu.Unlock()
	assert.Equal(t, 0, len(svc.retryQueue))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestServiceDedupesWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer c.Close()

	svc, err := NewService(testConfig("http://example.invalid/hook"), c, zap.NewNop(), events.NewBus(zap.NewNop()))
	require.NoError(t, err)
	sender := &recordingSender{}
	svc.senders[ChannelWebhook] = sender

	event := events.NewEvent(events.EventPurchaseRecorded, "user_1", nil)
	ctx := context.Background()
	require.NoError(t, svc.handleEvent(ctx, event))
	require.NoError(t, svc.handleEvent(ctx, event))

	assert.Equal(t, 1, sender.count())
	assert.True(t, mr.Exists("notifications:processed:"+event.ID))
}

func TestBackoffIsCapped(t *testing.T) {
	svc := &Service{config: &Config{RetryBackoffBase: time.Second, MaxBackoff: 5 * time.Second}}
	assert.Equal(t, time.Second, svc.backoff(1))
	assert.Equal(t, 2*time.Second, svc.backoff(2))
	assert.Equal(t, 4*time.Second, svc.backoff(3))
	assert.Equal(t, 5*time.Second, svc.backoff(4))
	assert.Equal(t, 5*time.Second, svc.backoff(40))
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc, err := NewService(&Config{Enabled: false}, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	svc.Start(context.Background())
	assert.NoError(t, svc.Stop(context.Background()))
}
