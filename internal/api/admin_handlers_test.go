package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/otpgate/otpgate/internal/bus"
)

func login(t *testing.T, f *fixture) string {
	t.Helper()
	w := f.do(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": "hunter2"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	token, _ := decodeEnvelope(t, w).Data["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": "wrong"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
	f := newFixture(t)
	f.cfg.AdminPassword = ""
	w := f.do(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "admin", "password": ""}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/v1/requests", "/api/v1/routes", "/api/v1/stats"} {
		if w := f.do(http.MethodGet, path, nil, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, w.Code)
		}
	}
	if w := f.do(http.MethodGet, "/api/v1/stats", nil, bearer("garbage")); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", w.Code)
	}
}

func TestRequestListingAndDetail(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	w := f.do(http.MethodPost, "/send-otp", sendBody(""), secretHeader())
	requestID := decodeEnvelope(t, w).Data["request_id"].(string)
	f.drain(t)

	w = f.do(http.MethodGet, "/api/v1/requests", nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	data := decodeEnvelope(t, w).Data
	if data["total"] != float64(1) {
		t.Fatalf("total = %v", data["total"])
	}
	// The code digest never leaves the server.
	if strings.Contains(w.Body.String(), "digest") {
		t.Error("listing leaks the code digest")
	}

	w = f.do(http.MethodGet, "/api/v1/requests/"+requestID, nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("detail status = %d", w.Code)
	}
	data = decodeEnvelope(t, w).Data
	req, _ := data["request"].(map[string]any)
	if req["id"] != requestID || req["status"] != "sent" {
		t.Errorf("request = %v", req)
	}
	events, _ := data["events"].([]any)
	if len(events) != 2 {
		t.Errorf("events = %v", events)
	}

	w = f.do(http.MethodGet, "/api/v1/requests/missing", nil, bearer(token))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing request status = %d", w.Code)
	}
}

func TestRouteCRUD(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	create := map[string]any{
		"channel": "sms", "prefix": "44", "caller_id": "447700900123",
		"description": "uk traffic",
	}
	w := f.do(http.MethodPost, "/api/v1/routes", create, bearer(token))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	created := decodeEnvelope(t, w).Data
	routeID := fmt.Sprintf("%.0f", created["id"].(float64))

	// The in-memory table reloads on mutation.
	if got, err := f.router.Resolve("sms", "+447911123456"); err != nil || got != "447700900123" {
		t.Errorf("Resolve after create = %q, %v", got, err)
	}

	w = f.do(http.MethodPost, "/api/v1/routes", create, bearer(token))
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Error != "duplicate_prefix" {
		t.Errorf("error = %q", env.Error)
	}

	w = f.do(http.MethodGet, "/api/v1/routes", nil, bearer(token))
	routes, _ := decodeEnvelope(t, w).Data["routes"].([]any)
	if len(routes) != 3 {
		t.Errorf("routes = %d, want seeded 2 + created 1", len(routes))
	}

	update := map[string]any{"channel": "sms", "prefix": "44", "caller_id": "447700900999"}
	w = f.do(http.MethodPut, "/api/v1/routes/"+routeID, update, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	if got, _ := f.router.Resolve("sms", "+447911123456"); got != "447700900999" {
		t.Errorf("Resolve after update = %q", got)
	}

	w = f.do(http.MethodPut, "/api/v1/routes/999999", update, bearer(token))
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", w.Code)
	}

	w = f.do(http.MethodDelete, "/api/v1/routes/"+routeID, nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	// Falls back to the wildcard after deletion.
	if got, _ := f.router.Resolve("sms", "+447911123456"); got != "12025550100" {
		t.Errorf("Resolve after delete = %q", got)
	}
}

func TestRouteValidation(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	cases := []map[string]any{
		{"channel": "email", "prefix": "1", "caller_id": "12025550100"},
		{"channel": "sms", "prefix": "abc", "caller_id": "12025550100"},
		{"channel": "voice", "prefix": "1", "caller_id": "OTPGate"},
	}
	for i, body := range cases {
		w := f.do(http.MethodPost, "/api/v1/routes", body, bearer(token))
		if w.Code != http.StatusBadRequest {
			t.Errorf("case %d status = %d, want 400", i, w.Code)
		}
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	w := f.do(http.MethodPost, "/send-otp", sendBody(""), secretHeader())
	if w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}
	f.drain(t)

	w = f.do(http.MethodGet, "/api/v1/stats", nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	data := decodeEnvelope(t, w).Data
	byStatus, _ := data["requests_by_status"].(map[string]any)
	if byStatus["sent"] != float64(1) {
		t.Errorf("requests_by_status = %v", byStatus)
	}
	for _, key := range []string{"fraud_savings", "carrier_rates", "breakers"} {
		if _, ok := data[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := decodeEnvelope(t, w).Data
	if data["status"] != "ok" || data["sms"] != true {
		t.Errorf("health = %v", data)
	}
	voice, _ := data["voice"].(map[string]any)
	if voice["enabled"] != false {
		t.Errorf("voice = %v", voice)
	}
}

func TestLiveFeedStreamsBusEvents(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	srv := httptest.NewServer(f.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing live feed: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	f.bus.Publish(bus.Event{RequestID: "req-1", Channel: "sms", Type: "sms:sent"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading live event: %v", err)
	}
	if ev["request_id"] != "req-1" || ev["type"] != "sms:sent" {
		t.Errorf("event = %v", ev)
	}
	if ca, _ := ev["created_at"].(float64); ca == 0 {
		t.Error("created_at = 0, want publish timestamp")
	}

	f.drain(t)
}

func TestLiveFeedUnsubscribesOnDisconnect(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	srv := httptest.NewServer(f.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing live feed: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.bus.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("SubscriberCount() = %d, want 1", f.bus.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A hung-up client must not leave a dead channel on the bus.
	conn.Close()
	for f.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("SubscriberCount() after disconnect = %d, want 0", f.bus.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.drain(t)
}

func TestLiveFeedRejectsAnonymous(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("anonymous live feed dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v", resp)
	}
	resp.Body.Close()
}

// Subscribe registrations survive concurrent publishes; guard against the
// live feed handler racing bus shutdown.
func TestLiveFeedClosesWithBus(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	srv := httptest.NewServer(f.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing live feed: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	f.drain(t)

	// Server closes the socket once the subscriber channel closes.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected close after bus shutdown")
	}
}
