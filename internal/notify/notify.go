// Package notify delivers run summaries to per-mapping webhook endpoints.
//
// Delivery is asynchronous: Publish enqueues and returns immediately, so a
// slow or dead endpoint can never stall or fail a sync run. Failed posts
// retry on a fixed backoff schedule up to a maximum attempt count; when the
// bounded queue is full, new notifications are dropped with a warning.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/syncwell/calbridge/internal/engine"
)

// Counts mirrors the run's applied-write totals on the wire.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Event is one applied change in the webhook payload.
type Event struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Action  string `json:"action"`
}

// Payload is the JSON body posted to a mapping's webhook.
type Payload struct {
	MappingID string    `json:"mapping_id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Counts    Counts    `json:"counts"`
	Events    []Event   `json:"events"`
}

// FromRunResult flattens a run result into the wire payload.
func FromRunResult(res *engine.RunResult) Payload {
	events := make([]Event, 0, len(res.Changes))
	for _, ch := range res.Changes {
		events = append(events, Event{UID: ch.UID, Summary: ch.Summary, Action: ch.Action})
	}
	return Payload{
		MappingID: res.MappingID,
		Direction: string(res.Direction),
		Status:    res.Status,
		Timestamp: res.FinishedAt,
		Counts:    Counts{Inserted: res.Inserted, Updated: res.Updated, Deleted: res.Deleted},
		Events:    events,
	}
}

// DefaultBackoff is the retry schedule applied after each failed attempt.
var DefaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

const (
	// DefaultMaxAttempts counts the initial post plus retries.
	DefaultMaxAttempts = 5

	// DefaultQueueSize bounds notifications waiting for the worker.
	DefaultQueueSize = 64

	postTimeout = 10 * time.Second
)

// Config tunes a Notifier. The zero value selects all defaults.
type Config struct {
	// HTTPClient defaults to a 10-second-timeout client.
	HTTPClient *http.Client

	// Logger defaults to stderr with a "[notify] " prefix.
	Logger *log.Logger

	// Backoff is the per-retry delay schedule; the last entry repeats.
	Backoff []time.Duration

	MaxAttempts int
	QueueSize   int
}

type delivery struct {
	url       string
	payload   Payload
	attempt   int
	notBefore time.Time
}

// Notifier posts payloads from a single worker goroutine.
type Notifier struct {
	client      *http.Client
	logger      *log.Logger
	backoff     []time.Duration
	maxAttempts int

	queue chan delivery
	done  chan struct{}
	wg    sync.WaitGroup
}

// New builds a Notifier. Call Start before publishing and Stop on shutdown.
func New(cfg Config) *Notifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: postTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Notifier{
		client:      client,
		logger:      logger,
		backoff:     backoff,
		maxAttempts: attempts,
		queue:       make(chan delivery, size),
		done:        make(chan struct{}),
	}
}

// Publish enqueues a run result for delivery. Never blocks: when the queue
// is full the notification is dropped with a warning.
func (n *Notifier) Publish(webhookURL string, result *engine.RunResult) {
	item := delivery{url: webhookURL, payload: FromRunResult(result)}
	select {
	case n.queue <- item:
	default:
		n.logger.Printf("queue full, dropping notification for mapping %s", item.payload.MappingID)
	}
}

// Start launches the delivery worker. Start once.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.loop()
}

// Stop halts the worker. Queued and retry-pending notifications are
// dropped; webhooks are a best-effort surface.
func (n *Notifier) Stop() {
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) loop() {
	defer n.wg.Done()

	var pending []delivery
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		var timerC <-chan time.Time
		if len(pending) > 0 {
			wait := time.Until(pending[0].notBefore)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-n.done:
			return
		case item := <-n.queue:
			pending = n.attempt(pending, item)
		case <-timerC:
			item := pending[0]
			pending = n.attempt(pending[1:], item)
		}
	}
}

// attempt posts one delivery and reschedules it on failure.
func (n *Notifier) attempt(pending []delivery, item delivery) []delivery {
	err := n.post(item.url, item.payload)
	if err == nil {
		return pending
	}

	item.attempt++
	if item.attempt >= n.maxAttempts {
		n.logger.Printf("giving up on webhook for mapping %s after %d attempts: %v",
			item.payload.MappingID, item.attempt, err)
		return pending
	}

	step := item.attempt - 1
	if step >= len(n.backoff) {
		step = len(n.backoff) - 1
	}
	item.notBefore = time.Now().Add(n.backoff[step])
	n.logger.Printf("webhook for mapping %s failed (attempt %d/%d), retrying in %s: %v",
		item.payload.MappingID, item.attempt, n.maxAttempts, n.backoff[step], err)

	pending = append(pending, item)
	sort.Slice(pending, func(i, j int) bool { return pending[i].notBefore.Before(pending[j].notBefore) })
	return pending
}

func (n *Notifier) post(url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
