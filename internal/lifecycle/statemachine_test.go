package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAuthObserver struct {
	calls []bool
}

func (f *fakeAuthObserver) NoteAuthResult(_ context.Context, _ *models.OtpRequest, success bool) error {
	f.calls = append(f.calls, success)
	return nil
}

type fakeNotifier struct {
	statuses []string
}

func (f *fakeNotifier) NotifyStatus(_ context.Context, _ *models.OtpRequest, status string) {
	f.statuses = append(f.statuses, status)
}

func testMachine(t *testing.T) (*StateMachine, *database.Repositories, *fakeAuthObserver, *fakeNotifier) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repos := database.NewRepositories(db)
	auth := &fakeAuthObserver{}
	notifier := &fakeNotifier{}
	return New(repos, auth, notifier, testLogger()), repos, auth, notifier
}

func createRequest(t *testing.T, repos *database.Repositories, status string, expiresAt int64) string {
	t.Helper()
	now := database.NowMillis()
	if expiresAt == 0 {
		expiresAt = now + 600_000
	}
	id := uuid.NewString()
	err := repos.Requests.Create(context.Background(), &models.OtpRequest{
		ID:                id,
		Phone:             "+14155550123",
		PhonePrefix:       "1415",
		PhoneCountry:      "US",
		Status:            status,
		ChannelsRequested: `["sms"]`,
		FraudReasons:      "[]",
		ClientIP:          "203.0.113.7",
		IPSubnet:          "203.0.113.0/24",
		CreatedAt:         now - 1,
		UpdatedAt:         now - 1,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	return id
}

func status(t *testing.T, repos *database.Repositories, id string) string {
	t.Helper()
	req, err := repos.Requests.GetByID(context.Background(), id)
	if err != nil || req == nil {
		t.Fatalf("loading request %s: %v", id, err)
	}
	return req.Status
}

func apply(m *StateMachine, id string, types ...string) {
	for _, typ := range types {
		m.HandleEvent(context.Background(), bus.Event{RequestID: id, Channel: "sms", Type: typ})
	}
}

func TestHappyPathProjection(t *testing.T) {
	m, repos, _, notifier := testMachine(t)
	id := createRequest(t, repos, models.StatusPending, 0)

	apply(m, id, "sms:sending", "sms:sent", "sms:delivered")

	if got := status(t, repos, id); got != models.StatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}
	events, err := repos.Events.ListByRequest(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("event log has %d entries, want 3", len(events))
	}
	want := []string{models.StatusSending, models.StatusSent, models.StatusDelivered}
	if len(notifier.statuses) != len(want) {
		t.Fatalf("notified statuses = %v, want %v", notifier.statuses, want)
	}
	for i := range want {
		if notifier.statuses[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, notifier.statuses[i], want[i])
		}
	}
}

func TestTerminalStatusFrozen(t *testing.T) {
	m, repos, _, _ := testMachine(t)
	id := createRequest(t, repos, models.StatusPending, 0)

	apply(m, id, "sms:sending", "sms:failed")
	if got := status(t, repos, id); got != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}

	// No event stream may move a terminal request.
	apply(m, id,
		"sms:queued", "sms:sending", "sms:sent", "sms:delivered",
		"voice:calling", "voice:ringing", "voice:completed", "voice:hangup")
	if got := status(t, repos, id); got != models.StatusFailed {
		t.Errorf("terminal status mutated to %q", got)
	}
}

func TestIllegalTransitionsDropped(t *testing.T) {
	m, repos, _, _ := testMachine(t)

	// delivered before sent is a regression from pending's viewpoint.
	id := createRequest(t, repos, models.StatusPending, 0)
	apply(m, id, "sms:delivered")
	if got := status(t, repos, id); got != models.StatusPending {
		t.Errorf("status = %q, want pending after illegal event", got)
	}

	// sent cannot regress to sending.
	id = createRequest(t, repos, models.StatusSent, 0)
	apply(m, id, "sms:sending")
	if got := status(t, repos, id); got != models.StatusSent {
		t.Errorf("status = %q, want sent after regression event", got)
	}

	// Events are still appended to the log even when dropped.
	events, _ := repos.Events.ListByRequest(context.Background(), id)
	if len(events) != 1 {
		t.Errorf("dropped event missing from log: %d entries", len(events))
	}
}

func TestReplayDeterminism(t *testing.T) {
	m, repos, _, _ := testMachine(t)
	stream := []string{"sms:sending", "sms:sent", "sms:delivered", "sms:failed", "sms:sent"}

	a := createRequest(t, repos, models.StatusPending, 0)
	apply(m, a, stream...)
	b := createRequest(t, repos, models.StatusPending, 0)
	apply(m, b, stream...)

	if sa, sb := status(t, repos, a), status(t, repos, b); sa != sb {
		t.Errorf("replay diverged: %q vs %q", sa, sb)
	}
}

func TestFailureEventRecordsError(t *testing.T) {
	m, repos, _, _ := testMachine(t)
	id := createRequest(t, repos, models.StatusSending, 0)

	m.HandleEvent(context.Background(), bus.Event{
		RequestID: id, Channel: "sms", Type: "sms:failed",
		Payload: map[string]any{"error": "HTTP_500"},
	})

	req, _ := repos.Requests.GetByID(context.Background(), id)
	if req.Status != models.StatusFailed || req.ErrorMessage != "HTTP_500" {
		t.Errorf("status=%q error=%q, want failed/HTTP_500", req.Status, req.ErrorMessage)
	}
}

func TestAuthFeedbackVerifies(t *testing.T) {
	m, repos, auth, _ := testMachine(t)
	id := createRequest(t, repos, models.StatusSent, 0)
	ctx := context.Background()

	if err := m.HandleAuthFeedback(ctx, id, true); err != nil {
		t.Fatalf("HandleAuthFeedback: %v", err)
	}
	req, _ := repos.Requests.GetByID(ctx, id)
	if req.Status != models.StatusVerified {
		t.Errorf("status = %q, want verified", req.Status)
	}
	if req.AuthStatus == nil || *req.AuthStatus != models.AuthVerified {
		t.Errorf("auth_status = %v, want verified", req.AuthStatus)
	}
	if len(auth.calls) != 1 || !auth.calls[0] {
		t.Errorf("fraud observer calls = %v, want one success", auth.calls)
	}

	// A later contradictory report is ignored.
	if err := m.HandleAuthFeedback(ctx, id, false); err != nil {
		t.Fatalf("duplicate feedback: %v", err)
	}
	req, _ = repos.Requests.GetByID(ctx, id)
	if req.Status != models.StatusVerified || *req.AuthStatus != models.AuthVerified {
		t.Errorf("duplicate feedback mutated request: %q/%v", req.Status, req.AuthStatus)
	}
	if len(auth.calls) != 1 {
		t.Errorf("fraud observer called %d times, want 1", len(auth.calls))
	}
}

func TestAuthFeedbackRejects(t *testing.T) {
	m, repos, auth, _ := testMachine(t)
	id := createRequest(t, repos, models.StatusDelivered, 0)

	if err := m.HandleAuthFeedback(context.Background(), id, false); err != nil {
		t.Fatal(err)
	}
	req, _ := repos.Requests.GetByID(context.Background(), id)
	if req.Status != models.StatusRejected {
		t.Errorf("status = %q, want rejected", req.Status)
	}
	if req.AuthStatus == nil || *req.AuthStatus != models.AuthWrongCode {
		t.Errorf("auth_status = %v, want wrong_code", req.AuthStatus)
	}
	if len(auth.calls) != 1 || auth.calls[0] {
		t.Errorf("fraud observer calls = %v, want one failure", auth.calls)
	}
}

func TestAuthFeedbackUnknownRequest(t *testing.T) {
	m, _, _, _ := testMachine(t)
	err := m.HandleAuthFeedback(context.Background(), uuid.NewString(), true)
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	m, repos, _, _ := testMachine(t)
	now := database.NowMillis()

	stale := createRequest(t, repos, models.StatusSent, now-1000)
	fresh := createRequest(t, repos, models.StatusSent, now+600_000)
	done := createRequest(t, repos, models.StatusVerified, now-1000)

	n, err := m.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d requests, want 1", n)
	}
	if got := status(t, repos, stale); got != models.StatusExpired {
		t.Errorf("stale status = %q, want expired", got)
	}
	if got := status(t, repos, fresh); got != models.StatusSent {
		t.Errorf("fresh status = %q, want sent", got)
	}
	if got := status(t, repos, done); got != models.StatusVerified {
		t.Errorf("terminal status = %q, want verified", got)
	}

	// Late carrier events cannot resurrect an expired request.
	apply(m, stale, "sms:delivered")
	if got := status(t, repos, stale); got != models.StatusExpired {
		t.Errorf("expired request moved to %q", got)
	}
}
