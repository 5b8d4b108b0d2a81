// Package webhook delivers status callbacks to caller-supplied URLs with
// retries, per-request ordering, and persistent attempt logging.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

const (
	maxAttempts = 5
	maxDelay    = 256 * time.Second
)

// Payload is the webhook body. Shadow-banned requests produce the same
// shape as real ones.
type Payload struct {
	Event     string         `json:"event"`
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id,omitempty"`
	Phone     string         `json:"phone"`
	Status    string         `json:"status"`
	Channel   string         `json:"channel,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type delivery struct {
	url     string
	payload Payload
}

// Service posts payloads asynchronously. Per request, payloads are
// delivered in enqueue order by a dedicated goroutine; requests are
// independent of each other.
type Service struct {
	logs     database.WebhookLogRepository
	requests database.OtpRequestRepository
	client   *http.Client
	logger   *slog.Logger

	// baseDelay is the first retry delay; production 1s, tests shrink it.
	baseDelay time.Duration

	mu     sync.Mutex
	queues map[string][]delivery
	active map[string]bool
	wg     sync.WaitGroup
	closed bool
}

// New creates the service.
func New(logs database.WebhookLogRepository, requests database.OtpRequestRepository, logger *slog.Logger) *Service {
	return &Service{
		logs:      logs,
		requests:  requests,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("subsystem", "webhook"),
		baseDelay: time.Second,
		queues:    make(map[string][]delivery),
		active:    make(map[string]bool),
	}
}

// NotifyStatus implements the lifecycle notifier: every applied status
// change becomes one webhook payload.
func (s *Service) NotifyStatus(_ context.Context, req *models.OtpRequest, status string) {
	if req.WebhookURL == "" {
		return
	}
	channel := ""
	if req.ChosenChannel != nil {
		channel = *req.ChosenChannel
	}
	s.Enqueue(req.WebhookURL, Payload{
		Event:     "otp." + status,
		RequestID: req.ID,
		SessionID: req.SessionID,
		Phone:     req.Phone,
		Status:    status,
		Channel:   channel,
		Timestamp: database.NowMillis(),
	})
}

// Enqueue queues one payload for delivery. Returns immediately; attempts
// happen on the request's delivery goroutine.
func (s *Service) Enqueue(url string, payload Payload) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("enqueue on closed service dropped", "request_id", payload.RequestID)
		return
	}
	s.queues[payload.RequestID] = append(s.queues[payload.RequestID], delivery{url: url, payload: payload})
	// One delivery goroutine per request keeps enqueue order.
	start := !s.active[payload.RequestID]
	if start {
		s.active[payload.RequestID] = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drainRequest(payload.RequestID)
	}
}

// drainRequest delivers the request's queue in order until it is empty.
func (s *Service) drainRequest(requestID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.queues[requestID]
		if len(queue) == 0 {
			delete(s.queues, requestID)
			delete(s.active, requestID)
			s.mu.Unlock()
			return
		}
		d := queue[0]
		s.queues[requestID] = queue[1:]
		s.mu.Unlock()

		s.deliver(d)
	}
}

// deliver runs the attempt loop for one payload.
func (s *Service) deliver(d delivery) {
	body, err := json.Marshal(d.payload)
	if err != nil {
		s.logger.Error("marshalling payload", "request_id", d.payload.RequestID, "error", err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, attemptErr := s.post(d.url, body)

		delivered := attemptErr == nil && statusCode >= 200 && statusCode < 300
		errText := ""
		if attemptErr != nil {
			errText = attemptErr.Error()
		}
		if logErr := s.logs.Append(context.Background(), &models.WebhookLog{
			RequestID:  d.payload.RequestID,
			URL:        d.url,
			Event:      d.payload.Event,
			StatusCode: statusCode,
			Attempt:    attempt,
			Error:      errText,
			Delivered:  delivered,
		}); logErr != nil {
			s.logger.Error("logging webhook attempt", "request_id", d.payload.RequestID, "error", logErr)
		}

		if delivered {
			return
		}
		s.logger.Warn("webhook attempt failed",
			"request_id", d.payload.RequestID, "url", d.url,
			"attempt", attempt, "status", statusCode, "error", errText)
		if attempt < maxAttempts {
			time.Sleep(s.backoff(attempt))
		}
	}
	s.logger.Error("webhook delivery exhausted",
		"request_id", d.payload.RequestID, "url", d.url, "event", d.payload.Event)
}

func (s *Service) post(url string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// backoff returns base·4^(n-1) capped at maxDelay, with up to 20% jitter.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 4
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// WasDelivered reports whether any payload for the request reached its URL.
func (s *Service) WasDelivered(ctx context.Context, requestID string) (bool, error) {
	return s.logs.HasDelivered(ctx, requestID)
}

// RecoverPending re-enqueues one payload for every request that has logged
// attempts but no delivery. Called once at startup.
func (s *Service) RecoverPending(ctx context.Context) error {
	ids, err := s.logs.ListUndelivered(ctx)
	if err != nil {
		return fmt.Errorf("listing undelivered webhooks: %w", err)
	}
	for _, id := range ids {
		req, err := s.requests.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("loading request %s: %w", id, err)
		}
		if req == nil || req.WebhookURL == "" {
			continue
		}
		s.NotifyStatus(ctx, req, req.Status)
	}
	if len(ids) > 0 {
		s.logger.Info("recovered undelivered webhooks", "count", len(ids))
	}
	return nil
}

// Close stops accepting payloads and waits for in-flight queues, up to the
// context deadline.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
