// Package webhooks delivers escrow notifications to HTTP endpoints.
//
// Users register subscriptions for the notification templates they care
// about. Operators can add static sinks that receive every notification.
// Every request is signed with HMAC-SHA256 over "<timestamp>.<body>".
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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/taskmarket/internal/idgen"
	"github.com/mbd888/taskmarket/internal/metrics"
)

// Signature headers.
const (
	HeaderEvent     = "X-Taskmarket-Event"
	HeaderDelivery  = "X-Taskmarket-Delivery"
	HeaderTimestamp = "X-Taskmarket-Timestamp"
	HeaderSignature = "X-Taskmarket-Signature"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// Event is the JSON body of a webhook request.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"userId"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Subscription is a user's webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Templates           []string   `json:"templates"` // empty means every template
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes template.
func (s *Subscription) Wants(template string) bool {
	if !s.Active {
		return false
	}
	if len(s.Templates) == 0 {
		return true
	}
	for _, t := range s.Templates {
		if t == template {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	// Update persists the delivery bookkeeping fields and Active.
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

type sink struct {
	url    string
	secret string
}

// Dispatcher sends notifications to subscriptions and sinks. It implements
// escrow's Notifier.
type Dispatcher struct {
	store        Store
	sinks        []sink
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time
	urlValidator func(string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink adds an endpoint that receives every notification.
func WithSink(url, secret string) Option {
	return func(d *Dispatcher) {
		if url != "" {
			d.sinks = append(d.sinks, sink{url: url, secret: secret})
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher. A nil store delivers to sinks only.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
		now:          time.Now,
		urlValidator: ValidateURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers template to userID's matching subscriptions and to every
// sink. It returns the joined delivery errors so the caller can retry.
func (d *Dispatcher) Notify(ctx context.Context, userID, template string, payload map[string]string) error {
	event := &Event{
		ID:        eventID(userID, template, payload),
		Type:      template,
		UserID:    userID,
		Timestamp: d.now().UTC(),
		Data:      payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, s := range d.sinks {
		if err := d.post(ctx, s.url, s.secret, event, body); err != nil {
			errs = append(errs, fmt.Errorf("sink: %w", err))
		}
	}

	if d.store != nil {
		subs, err := d.store.GetByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		for _, sub := range subs {
			if !sub.Wants(template) {
				continue
			}
			err := d.urlValidator(sub.URL)
			if err == nil {
				err = d.post(ctx, sub.URL, sub.Secret, event, body)
			}
			d.record(ctx, sub, err)
			if err != nil {
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, event *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, deliveryErr error) {
	if deliveryErr == nil {
		now := d.now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
			d.logger.Warn("webhook subscription deactivated",
				"subscriptionId", sub.ID, "userId", sub.UserID, "failures", sub.ConsecutiveFailures)
		}
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook delivery", "subscriptionId", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// eventID is stable across retries of the same notification so receivers
// can drop duplicates.
func eventID(userID, template string, payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{userID, template}
	for _, k := range keys {
		parts = append(parts, k, payload[k])
	}
	return idgen.Correlation(parts...)
}

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, cloneSub(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	upd := cloneSub(sub)
	cur.Active = upd.Active
	cur.LastSuccess = upd.LastSuccess
	cur.LastError = sub.LastError
	cur.ConsecutiveFailures = upd.ConsecutiveFailures
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.Templates = append([]string(nil), s.Templates...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
