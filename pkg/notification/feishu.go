package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"botfleet/pkg/logger"
)

// Severity selects the card color
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Field is one short key/value line on an alert card
type Field struct {
	Name  string
	Value string
}

// Alert is an operator-facing notification
type Alert struct {
	Severity   Severity
	Title      string
	Summary    string
	Fields     []Field
	OccurredAt time.Time
}

// FeishuNotifier sends alerts to a Feishu (Lark) group bot webhook
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a notifier. An empty webhookURL falls back to FEISHU_WEBHOOK_URL; when both
// are empty alerts are only logged.
func NewFeishuNotifier(webhookURL string) *FeishuNotifier {
	if webhookURL == "" {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}
	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check notification.feishu_webhook_url or FEISHU_WEBHOOK_URL), alerts will only be logged")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f != nil && f.webhookURL != ""
}

// Notify posts alert as an interactive card
func (f *FeishuNotifier) Notify(ctx context.Context, alert *Alert) error {
	if !f.Enabled() {
		logger.InfoCtx(ctx, "alert (not sent): [%s] %s: %s", alert.Severity, alert.Title, alert.Summary)
		return nil
	}

	payload, err := json.Marshal(buildCard(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu alert sent: %s", alert.Title)
	return nil
}

func template(s Severity) string {
	switch s {
	case SeverityCritical:
		return "red"
	case SeverityWarning:
		return "orange"
	default:
		return "blue"
	}
}

// buildCard renders alert as a Feishu message card
func buildCard(alert *Alert) map[string]interface{} {
	at := alert.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	elements := []interface{}{
		map[string]interface{}{
			"tag": "div",
			"text": map[string]interface{}{
				"content": alert.Summary,
				"tag":     "lark_md",
			},
		},
	}

	if len(alert.Fields) > 0 {
		fields := make([]interface{}, 0, len(alert.Fields))
		for _, f := range alert.Fields {
			fields = append(fields, map[string]interface{}{
				"is_short": true,
				"text": map[string]interface{}{
					"content": fmt.Sprintf("**%s**\n%s", f.Name, f.Value),
					"tag":     "lark_md",
				},
			})
		}
		elements = append(elements,
			map[string]interface{}{"tag": "hr"},
			map[string]interface{}{"tag": "div", "fields": fields},
		)
	}

	elements = append(elements,
		map[string]interface{}{"tag": "hr"},
		map[string]interface{}{
			"tag": "note",
			"elements": []interface{}{
				map[string]interface{}{
					"content": fmt.Sprintf("%s · %s", alert.Severity, at.UTC().Format("2006-01-02 15:04:05 MST")),
					"tag":     "plain_text",
				},
			},
		},
	)

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": template(alert.Severity),
				"title": map[string]interface{}{
					"content": alert.Title,
					"tag":     "plain_text",
				},
			},
			"elements": elements,
		},
	}
}
