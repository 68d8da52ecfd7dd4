// Package webhook posts terminal alerts (low stock, cash closures, rejected
// sync items) to an HTTP endpoint, signed with HMAC-SHA256 when a secret is
// configured.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Event types.
const (
	EventLowStock     = "stock.low"
	EventCashClosed   = "cash.closed"
	EventSyncRejected = "sync.rejected"
	EventSyncConflict = "sync.conflict"
)

// Event is one alert.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Payload is the POST body.
type Payload struct {
	DeviceID  string  `json:"device_id"`
	Timestamp string  `json:"timestamp"`
	Events    []Event `json:"events"`
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notifier sends events for one terminal. A Notifier with no URL is a no-op.
type Notifier struct {
	URL      string
	Secret   string
	DeviceID string
	HTTP     *http.Client
	now      func() time.Time
}

// New returns a notifier with a 5 second request timeout.
func New(url, secret, deviceID string) *Notifier {
	return &Notifier{
		URL:      url,
		Secret:   secret,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
}

// Enabled reports whether a URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.URL != ""
}

// Notify posts events in a single request. Returns nil on a 2xx answer.
func (n *Notifier) Notify(ctx context.Context, events ...Event) error {
	if !n.Enabled() || len(events) == 0 {
		return nil
	}
	now := n.now()
	body, err := json.Marshal(Payload{
		DeviceID:  n.DeviceID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Events:    events,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "caisse-webhook/1")

	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("X-Caisse-Timestamp", ts)
	if n.Secret != "" {
		req.Header.Set("X-Caisse-Signature", "sha256="+Sign(n.Secret, ts, body))
	}

	resp, err := n.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", n.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", n.URL, resp.StatusCode)
	}
	return nil
}

// NotifyLogged sends events and logs a failure instead of returning it.
func (n *Notifier) NotifyLogged(ctx context.Context, events ...Event) {
	if err := n.Notify(ctx, events...); err != nil {
		slog.Warn("webhook: dispatch failed", "events", len(events), "err", err)
	}
}
