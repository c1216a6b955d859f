// Package webhooks pushes payment outcomes to operator-registered URLs.
//
// Each delivery is a JSON POST signed with the subscription's secret:
//
//	X-Webhook-Signature: sha256=hex(HMAC-SHA256(secret, timestamp + "." + body))
//
// Deliveries are retried with backoff. A subscription that keeps failing
// is deactivated.
package webhooks

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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fredagent/x402proxy/internal/idgen"
	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/retry"
	"github.com/fredagent/x402proxy/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventPaymentSettled  EventType = "payment.settled"
	EventPaymentRejected EventType = "payment.rejected"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventPaymentSettled || t == EventPaymentRejected
}

// Delivery headers.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// MaxConsecutiveFailures deactivates a subscription after this many
// failed deliveries in a row.
const MaxConsecutiveFailures = 10

var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payer     string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription represents a webhook subscription. An empty Payer matches
// every payer.
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Payer               string      `json:"payer,omitempty"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Matches reports whether the subscription wants e.
func (s *Subscription) Matches(e *Event) bool {
	if !s.Active {
		return false
	}
	if s.Payer != "" && !strings.EqualFold(s.Payer, e.Payer) {
		return false
	}
	for _, t := range s.Events {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store    Store
	client   *http.Client
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time
	checkURL func(ctx context.Context, rawURL string) error

	// Serializes status updates so concurrent deliveries to one
	// subscription do not lose failure counts.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher. Target URLs are checked
// against policy before every delivery.
func NewDispatcher(store Store, policy security.EndpointPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// A redirect could point at an address the policy refuses.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		policy:   retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:   logger,
		now:      time.Now,
		checkURL: policy.Validate,
	}
}

// NewEvent stamps data as a new event.
func NewEvent(t EventType, payer string, data any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Payer:     payer,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Notify delivers event to every matching subscription in the background.
// It never blocks on the receivers.
func (d *Dispatcher) Notify(ctx context.Context, event *Event) {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		d.logger.Warn("webhook lookup failed", "event", event.Type, "error", err)
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook marshal failed", "event", event.Type, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Matches(event) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// Detached: the request that caused the event is finished.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			d.deliver(ctx, sub, event, body)
		}()
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, body []byte) {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.send(ctx, sub, event, body)
	})

	result := "ok"
	if err != nil {
		result = "error"
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "event", event.Type, "event_id", event.ID, "error", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), result).Inc()
	d.record(ctx, sub.ID, err)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, body []byte) error {
	if err := d.checkURL(ctx, sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderID, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(sub.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// record updates delivery bookkeeping on the stored subscription.
func (d *Dispatcher) record(ctx context.Context, id string, deliveryErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		// Deleted while the delivery was in flight
		return
	}
	if deliveryErr == nil {
		now := d.now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
			sub.Active = false
			d.logger.Warn("webhook deactivated", "subscription", sub.ID, "failures", sub.ConsecutiveFailures)
		}
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a X-Webhook-Signature header value. Receivers
// should also reject stale timestamps.
func VerifySignature(secret, timestamp string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(secret, timestamp, body)))
}
