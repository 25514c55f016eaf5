package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
	"github.com/mbd888/splitpay/internal/realtime"
	"github.com/mbd888/splitpay/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent          = "X-Splitpay-Event"
	HeaderTimestamp      = "X-Splitpay-Timestamp"
	HeaderSignature      = "X-Splitpay-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"

	EventSettlementRecorded = "settlement.recorded"
)

// ErrCircuitOpen is returned without contacting the endpoint while its
// breaker is open. The worker retries it like any transient failure.
var ErrCircuitOpen = errors.New("webhook endpoint circuit open")

// WebhookSink POSTs notifications as signed JSON.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithBreaker skips delivery while the endpoint keeps failing.
func WithBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(w *WebhookSink) { w.breaker = b }
}

// NewWebhookSink creates a webhook sink. An empty secret sends unsigned
// payloads.
func NewWebhookSink(url, secret string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send delivers n. Client errors other than 408 and 429 are permanent.
func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	if w.breaker == nil {
		return w.send(ctx, n)
	}
	if !w.breaker.Allow(w.url) {
		return ErrCircuitOpen
	}
	err := w.send(ctx, n)
	switch {
	case err == nil:
		w.breaker.RecordSuccess(w.url)
	case retry.IsPermanent(err):
		// The endpoint answered; a rejected payload says nothing about its health.
		w.breaker.RecordSuccess(w.url)
	default:
		w.breaker.RecordFailure(w.url)
	}
	return err
}

func (w *WebhookSink) send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventSettlementRecorded)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderIdempotencyKey, n.SettlementID)
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.secret, ts, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}

// Publisher is the subset of the realtime hub the stream sink needs.
type Publisher interface {
	Publish(ctx context.Context, event *realtime.Event) error
}

// StreamSink pushes notifications to connected WebSocket clients.
type StreamSink struct {
	pub Publisher
}

// NewStreamSink creates a sink over a realtime publisher.
func NewStreamSink(pub Publisher) *StreamSink {
	return &StreamSink{pub: pub}
}

func (s *StreamSink) Send(ctx context.Context, n Notification) error {
	addrs := make([]string, 0, len(n.Recipients)+1)
	addrs = append(addrs, n.Payer)
	for _, a := range n.Recipients {
		addrs = append(addrs, a)
	}
	return s.pub.Publish(ctx, &realtime.Event{
		Type:      realtime.EventSettlement,
		Timestamp: n.SettledAt,
		Reference: n.ReferenceID,
		Data:      n,
		Addresses: addrs,
	})
}
