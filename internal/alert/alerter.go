// Package alert delivers operator notifications for ledger-affecting
// events: unhealthy pipelines, reorgs, failed rollbacks and withdrawals.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
)

type AlertType string

const (
	AlertTypeUnhealthy        AlertType = "UNHEALTHY"
	AlertTypeRecovery         AlertType = "RECOVERY"
	AlertTypeReorg            AlertType = "REORG"
	AlertTypeReorgDegraded    AlertType = "REORG_DEGRADED"
	AlertTypeRollbackFailed   AlertType = "ROLLBACK_FAILED"
	AlertTypeFrozenRetained   AlertType = "FROZEN_CREDIT_RETAINED"
	AlertTypeWithdrawalFailed AlertType = "WITHDRAWAL_FAILED"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity reports how urgently an operator must act on t.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeRecovery:
		return SeverityInfo
	case AlertTypeReorgDegraded, AlertTypeRollbackFailed, AlertTypeFrozenRetained:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

func (t AlertType) emoji() string {
	switch t {
	case AlertTypeRecovery:
		return ":white_check_mark:"
	case AlertTypeReorg:
		return ":twisted_rightwards_arrows:"
	case AlertTypeReorgDegraded, AlertTypeRollbackFailed:
		return ":rotating_light:"
	case AlertTypeFrozenRetained:
		return ":ice_cube:"
	case AlertTypeWithdrawalFailed:
		return ":money_with_wings:"
	default:
		return ":warning:"
	}
}

type Alert struct {
	Type    AlertType
	Chain   string
	Network string
	// Key narrows cooldown deduplication below (type, chain, network), e.g.
	// one withdrawal id. Empty means one cooldown per chain.
	Key     string
	Title   string
	Message string
	Fields  map[string]string
}

func (a Alert) dedupKey() string {
	parts := []string{string(a.Type), a.Chain, a.Network}
	if a.Key != "" {
		parts = append(parts, a.Key)
	}
	return strings.Join(parts, ":")
}

func (a Alert) sortedFieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// channel is an Alerter that can be named in logs and metrics.
type channel interface {
	Alerter
	Name() string
}

func channelName(a Alerter) string {
	if c, ok := a.(channel); ok {
		return c.Name()
	}
	return "unknown"
}

// MultiAlerter fans an alert out to every channel, suppressing repeats of
// the same dedup key inside the cooldown window.
type MultiAlerter struct {
	channels []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// admit records the send time for key and reports whether the alert is
// outside its cooldown. Expired keys are dropped on the way.
func (m *MultiAlerter) admit(key string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, at := range m.lastSent {
		if now.Sub(at) >= m.cooldown {
			delete(m.lastSent, k)
		}
	}
	if _, hot := m.lastSent[key]; hot {
		return false
	}
	m.lastSent[key] = now
	return true
}

// Send returns the first channel error; the remaining channels are still
// tried.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := alert.dedupKey()
	if !m.admit(key) {
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, c := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(channelName(c), string(alert.Type)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, c := range m.channels {
		name := channelName(c)
		if err := c.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed", "channel", name, "type", alert.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(name, string(alert.Type)).Inc()
	}
	return firstErr
}

const deliveryTimeout = 10 * time.Second

func postJSON(ctx context.Context, client *http.Client, url, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}

// SlackAlerter posts a formatted text message to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: deliveryTimeout}}
}

func (s *SlackAlerter) Name() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, s.client, s.webhookURL, s.Name(), map[string]string{"text": slackText(alert)})
}

func slackText(a Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *[%s]* %s/%s: %s\n%s", a.Type.emoji(), a.Type, a.Chain, a.Network, a.Title, a.Message)
	if len(a.Fields) > 0 {
		sb.WriteString("\n")
		for _, k := range a.sortedFieldKeys() {
			fmt.Fprintf(&sb, "- *%s*: %s\n", k, a.Fields[k])
		}
	}
	return sb.String()
}

// WebhookAlerter posts the alert as a JSON document to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: deliveryTimeout}, now: time.Now}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Chain    string            `json:"chain"`
	Network  string            `json:"network"`
	Key      string            `json:"key,omitempty"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.url, w.Name(), webhookPayload{
		Type:     alert.Type,
		Severity: alert.Type.Severity(),
		Chain:    alert.Chain,
		Network:  alert.Network,
		Key:      alert.Key,
		Title:    alert.Title,
		Message:  alert.Message,
		Fields:   alert.Fields,
		Time:     w.now().UTC().Format(time.RFC3339),
	})
}

// NoopAlerter is used when no channel is configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(context.Context, Alert) error { return nil }

// Notify sends alert and logs delivery failures. Alerts never change the
// outcome of the operation that raised them.
func Notify(ctx context.Context, a Alerter, logger *slog.Logger, alert Alert) {
	if a == nil {
		return
	}
	if err := a.Send(ctx, alert); err != nil {
		logger.Warn("alert delivery failed", "type", alert.Type, "error", err)
	}
}
