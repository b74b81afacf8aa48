package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// WebhookQueueSize is the default bound on undelivered events.
const WebhookQueueSize = 1024

// Webhook forwards entries to an external HTTP endpoint. Enqueue never
// blocks; when the queue is full the event is dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan Entry
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookLogger sets the structured logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = logger }
}

// WithRetryDelay sets the pause before the single retry after a 5xx.
func WithRetryDelay(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.retryDelay = d }
}

// WithQueueSize sets the queue bound.
func WithQueueSize(n int) WebhookOption {
	return func(w *Webhook) { w.events = make(chan Entry, n) }
}

// NewWebhook starts a dispatcher posting to url.
func NewWebhook(url, authHeader string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		events:     make(chan Entry, WebhookQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	w.logger = w.logger.With("component", "audit_webhook")
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue schedules e for delivery.
func (w *Webhook) Enqueue(e Entry) {
	select {
	case w.events <- e:
	default:
		w.logger.Warn("queue full, dropping event", "event", e.Event)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for e := range w.events {
		w.send(e)
	}
}

// send POSTs the entry with one retry on 5xx or transport errors.
func (w *Webhook) send(e Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Backoffice-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
