package notifications

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bananafyi/tokens/pkg/events"
)

const (
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// Config controls which ledger events are forwarded to operators and where.
type Config struct {
	Enabled bool

	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	WebhookMethod  string
	WebhookHeaders map[string]string

	// Events lists the event types the service subscribes to.
	Events []string
	// EventRouting overrides the channel list per event type,
	// e.g. {"purchase.recorded": ["webhook"]}.
	EventRouting map[string][]string

	MaxRetries       int
	RetryBackoffBase time.Duration
	MaxBackoff       time.Duration
	RetryQueueSize   int
	RetryWorkers     int
	DeliveryTimeout  time.Duration
	DedupeTTL        time.Duration
}

// DefaultEvents are the ledger events an operator is paged about out of the box.
var DefaultEvents = []string{
	string(events.EventBalanceAnomaly),
	string(events.EventReservationExpired),
	string(events.EventPurchaseRecorded),
}

// LoadConfig reads NOTIFICATIONS_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled: getEnvBool("NOTIFICATIONS_ENABLED", false),

		SlackEnabled:    getEnvBool("NOTIFICATIONS_SLACK_ENABLED", false),
		SlackWebhookURL: os.Getenv("NOTIFICATIONS_SLACK_WEBHOOK_URL"),
		SlackChannel:    getEnv("NOTIFICATIONS_SLACK_CHANNEL", "#token-ledger"),

		WebhookEnabled: getEnvBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("NOTIFICATIONS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("NOTIFICATIONS_WEBHOOK_SECRET"),
		WebhookMethod:  strings.ToUpper(getEnv("NOTIFICATIONS_WEBHOOK_METHOD", "POST")),
		WebhookHeaders: getEnvJSONMap("NOTIFICATIONS_WEBHOOK_HEADERS"),

		Events:       getEnvList("NOTIFICATIONS_EVENTS", DefaultEvents),
		EventRouting: getEnvEventRouting("NOTIFICATIONS_EVENT_ROUTING"),

		MaxRetries:       getEnvInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 5*time.Second),
		MaxBackoff:       getEnvDuration("NOTIFICATIONS_MAX_BACKOFF", 5*time.Minute),
		RetryQueueSize:   getEnvInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 1000),
		RetryWorkers:     getEnvInt("NOTIFICATIONS_RETRY_WORKERS", 2),
		DeliveryTimeout:  getEnvDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", 10*time.Second),
		DedupeTTL:        getEnvDuration("NOTIFICATIONS_DEDUPE_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}
	return cfg, nil
}

// Validate checks channel settings. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.SlackEnabled && !c.WebhookEnabled {
		return fmt.Errorf("no notification channels enabled")
	}
	if c.SlackEnabled && c.SlackWebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}
	if c.WebhookEnabled {
		if c.WebhookURL == "" {
			return fmt.Errorf("webhook enabled but URL not provided")
		}
		if c.WebhookMethod != "POST" && c.WebhookMethod != "PUT" {
			return fmt.Errorf("webhook method must be POST or PUT")
		}
	}
	for event, channels := range c.EventRouting {
		for _, ch := range channels {
			if ch != ChannelSlack && ch != ChannelWebhook {
				return fmt.Errorf("unknown channel %q routed for %s", ch, event)
			}
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}
	if c.RetryWorkers <= 0 {
		return fmt.Errorf("retry workers must be positive")
	}
	return nil
}

// ChannelsFor returns the channels an event type is delivered to. Without an
// explicit route every enabled channel receives it.
func (c *Config) ChannelsFor(eventType string) []string {
	if channels, ok := c.EventRouting[eventType]; ok {
		return channels
	}
	var channels []string
	if c.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}
	if c.WebhookEnabled {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

// getEnvList accepts a comma separated list.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvJSONMap(key string) map[string]string {
	m := make(map[string]string)
	if value := os.Getenv(key); value != "" {
		_ = json.Unmarshal([]byte(value), &m)
	}
	return m
}

func getEnvEventRouting(key string) map[string][]string {
	routing := make(map[string][]string)
	if value := os.Getenv(key); value != "" {
		if err := json.Unmarshal([]byte(value), &routing); err != nil {
			return make(map[string][]string)
		}
	}
	return routing
}
