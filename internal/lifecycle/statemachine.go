package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

// candidateStatus maps every channel event to the delivery status it
// argues for. Unknown events are logged and ignored.
var candidateStatus = map[string]string{
	"sms:queued":      models.StatusPending,
	"voice:queued":    models.StatusPending,
	"sms:sending":     models.StatusSending,
	"voice:calling":   models.StatusSending,
	"sms:sent":        models.StatusSent,
	"voice:ringing":   models.StatusSent,
	"voice:answered":  models.StatusSent,
	"voice:playing":   models.StatusSent,
	"sms:delivered":   models.StatusDelivered,
	"voice:completed": models.StatusDelivered,
	"sms:failed":      models.StatusFailed,
	"sms:undelivered": models.StatusFailed,
	"voice:failed":    models.StatusFailed,
	"voice:no_answer": models.StatusFailed,
	"voice:busy":      models.StatusFailed,
	"voice:hangup":    models.StatusFailed,
}

// legalTransitions is the delivery-status transition table. Terminal
// statuses have no entry and therefore freeze.
var legalTransitions = map[string]map[string]bool{
	models.StatusPending: {
		models.StatusSending: true,
		models.StatusFailed:  true,
		models.StatusExpired: true,
	},
	models.StatusSending: {
		models.StatusSent:    true,
		models.StatusFailed:  true,
		models.StatusExpired: true,
	},
	models.StatusSent: {
		models.StatusDelivered: true,
		models.StatusFailed:    true,
		models.StatusExpired:   true,
	},
	models.StatusDelivered: {
		models.StatusVerified: true,
		models.StatusRejected: true,
		models.StatusExpired:  true,
	},
}

// IsTerminal reports whether a delivery status accepts no further
// transitions.
func IsTerminal(status string) bool {
	switch status {
	case models.StatusFailed, models.StatusVerified, models.StatusRejected, models.StatusExpired:
		return true
	}
	return false
}

// AuthObserver receives verification outcomes. The fraud engine implements
// this to feed reputation and breakers.
type AuthObserver interface {
	NoteAuthResult(ctx context.Context, req *models.OtpRequest, success bool) error
}

// Notifier is told about every applied status change. The webhook service
// implements this to push status updates to the caller.
type Notifier interface {
	NotifyStatus(ctx context.Context, req *models.OtpRequest, status string)
}

// StateMachine projects the append-only event log onto the request's
// delivery status. It runs as the synchronous bus handler, so events for
// one request are applied strictly in emission order.
type StateMachine struct {
	requests database.OtpRequestRepository
	events   database.OtpEventRepository
	feedback database.AuthFeedbackRepository
	auth     AuthObserver
	notifier Notifier
	logger   *slog.Logger
}

// New creates the state machine. auth and notifier may be nil.
func New(repos *database.Repositories, auth AuthObserver, notifier Notifier, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		requests: repos.Requests,
		events:   repos.Events,
		feedback: repos.AuthFeedback,
		auth:     auth,
		notifier: notifier,
		logger:   logger.With("subsystem", "lifecycle"),
	}
}

// HandleEvent is the bus handler: it appends the event to the log and
// applies the projected status transition when legal.
func (m *StateMachine) HandleEvent(ctx context.Context, ev bus.Event) {
	payload := "{}"
	if len(ev.Payload) > 0 {
		if raw, err := json.Marshal(ev.Payload); err == nil {
			payload = string(raw)
		}
	}
	if err := m.events.Append(ctx, &models.OtpEvent{
		RequestID: ev.RequestID,
		Channel:   ev.Channel,
		EventType: ev.Type,
		Payload:   payload,
	}); err != nil {
		m.logger.Error("appending event", "request_id", ev.RequestID, "event", ev.Type, "error", err)
		return
	}

	candidate, known := candidateStatus[ev.Type]
	if !known {
		m.logger.Warn("unknown event type", "request_id", ev.RequestID, "event", ev.Type)
		return
	}

	req, err := m.requests.GetByID(ctx, ev.RequestID)
	if err != nil {
		m.logger.Error("loading request", "request_id", ev.RequestID, "error", err)
		return
	}
	if req == nil {
		m.logger.Warn("event for unknown request", "request_id", ev.RequestID, "event", ev.Type)
		return
	}

	if !m.apply(ctx, req, candidate, ev) {
		return
	}
	if m.notifier != nil {
		m.notifier.NotifyStatus(ctx, req, candidate)
	}
}

// apply performs one transition if it is legal. Same-status events are
// idempotent no-ops; regressions and post-terminal events are dropped.
func (m *StateMachine) apply(ctx context.Context, req *models.OtpRequest, candidate string, ev bus.Event) bool {
	if req.Status == candidate {
		return false
	}
	if IsTerminal(req.Status) {
		m.logger.Debug("event after terminal status dropped",
			"request_id", req.ID, "status", req.Status, "event", ev.Type)
		return false
	}
	if !legalTransitions[req.Status][candidate] {
		m.logger.Warn("illegal transition dropped",
			"request_id", req.ID, "from", req.Status, "to", candidate, "event", ev.Type)
		return false
	}

	if err := m.requests.UpdateStatus(ctx, req.ID, candidate); err != nil {
		m.logger.Error("updating status", "request_id", req.ID, "error", err)
		return false
	}
	if candidate == models.StatusFailed {
		if reason := failureReason(ev.Payload); reason != "" {
			if err := m.requests.SetError(ctx, req.ID, reason); err != nil {
				m.logger.Error("recording error message", "request_id", req.ID, "error", err)
			}
		}
	}

	m.logger.Info("status transition",
		"request_id", req.ID, "from", req.Status, "to", candidate, "event", ev.Type)
	req.Status = candidate
	return true
}

func failureReason(payload map[string]any) string {
	for _, key := range []string{"error", "error_code", "cause"} {
		if v, ok := payload[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// HandleAuthFeedback records a verification outcome reported by the
// upstream authenticator. The first report wins; repeats are ignored.
// A verified code proves delivery, so any non-terminal status advances to
// verified or rejected.
func (m *StateMachine) HandleAuthFeedback(ctx context.Context, requestID string, success bool) error {
	req, err := m.requests.GetByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	if req == nil {
		return database.ErrNotFound
	}

	if existing, err := m.feedback.GetByRequest(ctx, requestID); err != nil {
		return fmt.Errorf("checking auth feedback: %w", err)
	} else if existing != nil {
		m.logger.Debug("duplicate auth feedback ignored", "request_id", requestID)
		return nil
	}
	if err := m.feedback.Create(ctx, &models.AuthFeedback{RequestID: requestID, Success: success}); err != nil {
		return fmt.Errorf("recording auth feedback: %w", err)
	}

	authStatus := models.AuthWrongCode
	combined := models.StatusRejected
	if success {
		authStatus = models.AuthVerified
		combined = models.StatusVerified
	}
	if err := m.requests.SetAuthStatus(ctx, requestID, authStatus); err != nil {
		return fmt.Errorf("setting auth status: %w", err)
	}

	if !IsTerminal(req.Status) {
		if err := m.requests.UpdateStatus(ctx, requestID, combined); err != nil {
			return fmt.Errorf("setting combined status: %w", err)
		}
		m.logger.Info("auth feedback applied",
			"request_id", requestID, "from", req.Status, "to", combined)
		req.Status = combined
		if m.notifier != nil {
			m.notifier.NotifyStatus(ctx, req, combined)
		}
	}

	if m.auth != nil {
		if err := m.auth.NoteAuthResult(ctx, req, success); err != nil {
			m.logger.Error("propagating auth result", "request_id", requestID, "error", err)
		}
	}
	return nil
}

// SweepExpired transitions every non-terminal request past its expiry to
// expired. Returns the number of requests expired.
func (m *StateMachine) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.requests.ListExpired(ctx, database.NowMillis())
	if err != nil {
		return 0, fmt.Errorf("listing expired requests: %w", err)
	}
	for _, id := range ids {
		if err := m.requests.UpdateStatus(ctx, id, models.StatusExpired); err != nil {
			return 0, fmt.Errorf("expiring request %s: %w", id, err)
		}
		if err := m.events.Append(ctx, &models.OtpEvent{
			RequestID: id,
			EventType: "request:expired",
			Payload:   "{}",
		}); err != nil {
			m.logger.Error("logging expiry", "request_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		m.logger.Info("expired stale requests", "count", len(ids))
	}
	return len(ids), nil
}

// RunSweeper runs the expiry sweep on a ticker until ctx is cancelled.
func (m *StateMachine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("expiry sweep", "error", err)
			}
		}
	}
}
