package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bananafyi/tokens/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends Block Kit messages to a Slack incoming webhook.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Fields   []SlackTextObject `json:"fields,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Token Ledger",
		Blocks:   s.formatEvent(event),
		Text:     fallbackText(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	var blocks []SlackBlock
	switch event.Type {
	case events.EventBalanceAnomaly:
		blocks = []SlackBlock{
			header(":rotating_light: Negative token balance"),
			section(
				field("User", code(event.UserID)),
				field("Account", code(stringField(event.Payload, "account_id"))),
				field("Available", fmt.Sprintf("%v tokens", event.Payload["available"])),
			),
		}
	case events.EventReservationExpired:
		blocks = []SlackBlock{
			header(":hourglass: Reservation expired"),
			section(
				field("Usage ID", code(stringField(event.Payload, "usage_id"))),
				field("Operation", stringField(event.Payload, "operation_type")),
				field("Released", fmt.Sprintf("%v tokens", event.Payload["estimated_tokens"])),
				field("Age", ageField(event.Payload["age_seconds"])),
			),
		}
	case events.EventPurchaseRecorded:
		blocks = []SlackBlock{
			header(":moneybag: Token pack purchased"),
			section(
				field("User", code(event.UserID)),
				field("Pack", stringField(event.Payload, "pack_type")),
				field("Tokens", fmt.Sprintf("%v", event.Payload["tokens"])),
				field("Amount", centsField(event.Payload["amount_paid"], stringField(event.Payload, "currency"))),
			),
		}
	default:
		blocks = []SlackBlock{
			header(fmt.Sprintf("Ledger event: %s", event.Type)),
			section(payloadFields(event)...),
		}
	}
	return append(blocks, SlackBlock{
		Type: "context",
		Elements: []SlackTextObject{{
			Type: "mrkdwn",
			Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s> · `%s`",
				event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339), event.ID),
		}},
	})
}

func fallbackText(event events.Event) string {
	switch event.Type {
	case events.EventBalanceAnomaly:
		return fmt.Sprintf("Negative token balance for %s", event.UserID)
	case events.EventReservationExpired:
		return fmt.Sprintf("Reservation %s expired", stringField(event.Payload, "usage_id"))
	case events.EventPurchaseRecorded:
		return fmt.Sprintf("%s purchased the %s pack", event.UserID, stringField(event.Payload, "pack_type"))
	}
	return fmt.Sprintf("Ledger event: %s", event.Type)
}

func header(text string) SlackBlock {
	return SlackBlock{Type: "header", Text: &SlackTextObject{Type: "plain_text", Text: text, Emoji: true}}
}

func section(fields ...SlackTextObject) SlackBlock {
	return SlackBlock{Type: "section", Fields: fields}
}

func field(label, value string) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", label, value)}
}

func code(s string) string {
	if s == "" {
		return "_none_"
	}
	return "`" + s + "`"
}

// payloadFields renders an unknown payload in key order. Slack caps a
// section at ten fields.
func payloadFields(event events.Event) []SlackTextObject {
	keys := make([]string, 0, len(event.Payload))
	for k := range event.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := []SlackTextObject{field("User", code(event.UserID))}
	for _, k := range keys {
		if len(fields) == 10 {
			break
		}
		fields = append(fields, field(k, fmt.Sprintf("%v", event.Payload[k])))
	}
	return fields
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func ageField(v interface{}) string {
	switch n := v.(type) {
	case int64:
		return (time.Duration(n) * time.Second).String()
	case float64:
		return (time.Duration(n) * time.Second).String()
	}
	return "unknown"
}

func centsField(v interface{}, currency string) string {
	var cents int64
	switch n := v.(type) {
	case int64:
		cents = n
	case int:
		cents = int64(n)
	case float64:
		cents = int64(n)
	default:
		return "unknown"
	}
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
