package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
	"github.com/otpgate/otpgate/internal/fraud"
	"github.com/otpgate/otpgate/internal/lifecycle"
	"github.com/otpgate/otpgate/internal/provider"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider mimics a channel: it emits the events a real provider would
// and returns a canned result.
type fakeProvider struct {
	channel   models.Channel
	available bool
	result    provider.DeliveryResult
	bus       *bus.Bus
	calls     int
}

func (f *fakeProvider) ChannelType() models.Channel { return f.channel }
func (f *fakeProvider) Available() bool             { return f.available }

func (f *fakeProvider) Send(_ context.Context, _, _, requestID string) provider.DeliveryResult {
	f.calls++
	ch := string(f.channel)
	sending := ch + ":sending"
	if f.channel == models.ChannelVoice {
		sending = "voice:calling"
	}
	f.bus.Publish(bus.Event{RequestID: requestID, Channel: ch, Type: sending})
	if f.result.Success {
		sent := ch + ":sent"
		if f.channel == models.ChannelVoice {
			sent = "voice:ringing"
		}
		f.bus.Publish(bus.Event{RequestID: requestID, Channel: ch, Type: sent})
	}
	return f.result
}

type fakeEstimator struct{ amount int64 }

func (f fakeEstimator) EstimateCost(context.Context, string, string) int64 { return f.amount }

type fixture struct {
	repos      *database.Repositories
	bus        *bus.Bus
	dispatcher *Dispatcher
	sms        *fakeProvider
	voice      *fakeProvider
}

func setup(t *testing.T, failover bool) *fixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repos := database.NewRepositories(db)

	b := bus.NewWithWorkers(testLogger(), 1)
	breaker := fraud.NewBreaker(repos.Breakers, fraud.DefaultBreakerConfig(), testLogger())
	engine := fraud.NewEngine(fraud.DefaultEngineConfig(), repos, breaker, nil, testLogger())
	sm := lifecycle.New(repos, engine, nil, testLogger())
	b.Handle(sm.HandleEvent)

	sms := &fakeProvider{channel: models.ChannelSMS, available: true, bus: b,
		result: provider.DeliveryResult{Success: true, ProviderID: "msg-1"}}
	voice := &fakeProvider{channel: models.ChannelVoice, available: true, bus: b,
		result: provider.DeliveryResult{Success: true, ProviderID: "call-1"}}

	d := New(repos, engine, []provider.Provider{sms, voice}, b,
		NewSimulator(b, 0), fakeEstimator{amount: 250}, failover, testLogger())
	return &fixture{repos: repos, bus: b, dispatcher: d, sms: sms, voice: voice}
}

func testRequest() Request {
	return Request{
		Phone:    "+14155550123",
		Code:     "482913",
		ClientIP: "203.0.113.7",
		Channels: []string{"sms"},
	}
}

func TestDispatchHappySMS(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != "dispatched" || res.Channel != "sms" {
		t.Fatalf("result = %+v", res)
	}
	f.bus.Close()

	req, err := f.repos.Requests.GetByID(ctx, res.RequestID)
	if err != nil || req == nil {
		t.Fatalf("loading request: %v", err)
	}
	if req.Status != models.StatusSent {
		t.Errorf("status = %q, want sent", req.Status)
	}
	if req.ChosenChannel == nil || *req.ChosenChannel != "sms" {
		t.Errorf("chosen channel = %v", req.ChosenChannel)
	}
	if req.ProviderID != "msg-1" {
		t.Errorf("provider id = %q", req.ProviderID)
	}
	if req.ShadowBanned {
		t.Error("clean request shadow-banned")
	}

	// Only the digest is stored, and it verifies the original code.
	if strings.Contains(req.CodeDigest, "482913") || req.CodeDigest == "" {
		t.Errorf("digest looks wrong: %q", req.CodeDigest)
	}
	if ok, err := database.CheckCode("482913", req.CodeDigest); err != nil || !ok {
		t.Errorf("CheckCode = %v, %v", ok, err)
	}

	events, _ := f.repos.Events.ListByRequest(ctx, res.RequestID)
	if len(events) != 2 || events[0].EventType != "sms:sending" || events[1].EventType != "sms:sent" {
		t.Errorf("events = %+v", events)
	}
}

func TestDispatchFailoverToVoice(t *testing.T) {
	f := setup(t, true)
	f.sms.result = provider.DeliveryResult{ErrorCode: "HTTP_500", ErrorDetail: "carrier down"}

	in := testRequest()
	in.Channels = []string{"sms", "voice"}
	res, err := f.dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != "dispatched" || res.Channel != "voice" {
		t.Fatalf("result = %+v", res)
	}
	if f.sms.calls != 1 || f.voice.calls != 1 {
		t.Errorf("calls sms=%d voice=%d", f.sms.calls, f.voice.calls)
	}
	f.bus.Close()

	req, _ := f.repos.Requests.GetByID(context.Background(), res.RequestID)
	if *req.ChosenChannel != "voice" || req.ProviderID != "call-1" {
		t.Errorf("request = chosen %v provider %q", req.ChosenChannel, req.ProviderID)
	}
	if req.Status != models.StatusSent {
		t.Errorf("status = %q, want sent after voice:ringing", req.Status)
	}
}

func TestDispatchAllChannelsFail(t *testing.T) {
	f := setup(t, true)
	f.sms.result = provider.DeliveryResult{ErrorCode: "HTTP_500"}
	f.voice.result = provider.DeliveryResult{ErrorCode: "CALL_FAILED"}

	in := testRequest()
	in.Channels = []string{"sms", "voice"}
	res, err := f.dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != models.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	f.bus.Close()

	req, _ := f.repos.Requests.GetByID(context.Background(), res.RequestID)
	if req.Status != models.StatusFailed {
		t.Errorf("status = %q", req.Status)
	}
	if !strings.HasPrefix(req.ErrorMessage, "All channels failed") {
		t.Errorf("error = %q", req.ErrorMessage)
	}
}

func TestDispatchFailStopWithoutFailover(t *testing.T) {
	f := setup(t, false)
	f.sms.result = provider.DeliveryResult{ErrorCode: "HTTP_500"}

	in := testRequest()
	in.Channels = []string{"sms", "voice"}
	res, err := f.dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != models.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	if f.voice.calls != 0 {
		t.Error("voice attempted despite failover disabled")
	}
}

func TestDispatchSkipsUnavailableChannel(t *testing.T) {
	f := setup(t, true)
	f.sms.available = false

	in := testRequest()
	in.Channels = []string{"sms", "voice"}
	res, err := f.dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Channel != "voice" {
		t.Fatalf("result = %+v", res)
	}
	if f.sms.calls != 0 {
		t.Error("unavailable provider was called")
	}
}

func TestDispatchShadowBan(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	// Subnet in the honeypot triggers the shadow path.
	if err := f.repos.Honeypot.Add(ctx, &models.HoneypotEntry{Subnet: "203.0.113.0/24", Reason: "test"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.dispatcher.Dispatch(ctx, testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != "dispatched" || res.Channel != "sms" {
		t.Fatalf("shadow result = %+v, must look like a real dispatch", res)
	}
	if f.sms.calls != 0 {
		t.Error("shadow-banned request reached the carrier")
	}

	f.dispatcher.Drain()
	f.bus.Close()

	req, _ := f.repos.Requests.GetByID(ctx, res.RequestID)
	if !req.ShadowBanned {
		t.Error("record not marked shadow_banned")
	}
	if req.Status != models.StatusDelivered {
		t.Errorf("status = %q, want delivered after synthetic sequence", req.Status)
	}
	events, _ := f.repos.Events.ListByRequest(ctx, res.RequestID)
	want := []string{"sms:queued", "sms:sending", "sms:sent", "sms:delivered"}
	if len(events) != len(want) {
		t.Fatalf("synthetic events = %+v", events)
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.EventType, want[i])
		}
	}

	total, err := f.repos.Savings.TotalSince(ctx, 0)
	if err != nil || total != 250 {
		t.Errorf("fraud savings = %d, %v; want 250", total, err)
	}
}

func TestShadowResponseSchemaMatchesReal(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	real, err := f.dispatcher.Dispatch(ctx, testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if err := f.repos.Honeypot.Add(ctx, &models.HoneypotEntry{Subnet: "198.51.100.0/24", Reason: "test"}); err != nil {
		t.Fatal(err)
	}
	in := testRequest()
	in.ClientIP = "198.51.100.9"
	shadow, err := f.dispatcher.Dispatch(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	f.dispatcher.Drain()
	f.bus.Close()

	keys := func(r Result) map[string]bool {
		raw, _ := json.Marshal(r)
		var m map[string]any
		json.Unmarshal(raw, &m)
		out := make(map[string]bool)
		for k := range m {
			out[k] = true
		}
		return out
	}
	rk, sk := keys(real), keys(shadow)
	if len(rk) != len(sk) {
		t.Fatalf("schema mismatch: real %v vs shadow %v", rk, sk)
	}
	for k := range rk {
		if !sk[k] {
			t.Errorf("shadow response missing %q", k)
		}
	}
	if real.Status != shadow.Status {
		t.Errorf("status mismatch: %q vs %q", real.Status, shadow.Status)
	}
}
