package ami

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeManager speaks just enough AMI to drive the client over a pipe.
type fakeManager struct {
	conn   net.Conn
	reader *bufio.Reader
}

func startFake(t *testing.T, c *Client, ctx context.Context) *fakeManager {
	t.Helper()
	client, server := net.Pipe()
	fm := &fakeManager{conn: server, reader: bufio.NewReader(server)}
	t.Cleanup(func() { server.Close() })

	go c.serve(ctx, client)

	fm.send("Asterisk Call Manager/5.0.2\r\n")
	login := fm.readFrame(t)
	if login.Fields["Action"] != "Login" || login.Fields["Username"] != "otpgate" {
		t.Errorf("login frame = %+v", login.Fields)
	}
	fm.send("Response: Success\r\nMessage: Authentication accepted\r\n\r\n")

	// Wait for the client to flip to connected.
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(time.Millisecond)
	}
	return fm
}

func (fm *fakeManager) send(s string) {
	go fm.conn.Write([]byte(s))
}

func (fm *fakeManager) readFrame(t *testing.T) Event {
	t.Helper()
	fm.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ev, err := readFrame(fm.reader)
	if err != nil {
		t.Fatalf("reading frame from client: %v", err)
	}
	return ev
}

func testClient() *Client {
	return NewClient(Config{
		Address:       "127.0.0.1:5038",
		Username:      "otpgate",
		Secret:        "s3cret",
		ActionTimeout: 2 * time.Second,
	}, testLogger())
}

func TestOriginateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := testClient()
	fm := startFake(t, c, ctx)

	type result struct {
		actionID string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.Originate(ctx, OriginateRequest{
			Digits:   "14155550123",
			Trunk:    "carrier",
			CallerID: "+14155550000",
			PAIHost:  "sip.example.com",
			Context:  "otp-playback",
			Exten:    "s",
			Timeout:  30 * time.Second,
		})
		done <- result{id, err}
	}()

	frame := fm.readFrame(t)
	if frame.Fields["Action"] != "Originate" {
		t.Fatalf("action = %q", frame.Fields["Action"])
	}
	if frame.Fields["Channel"] != "PJSIP/14155550123@carrier" {
		t.Errorf("channel = %q", frame.Fields["Channel"])
	}
	vars := frame.Fields["Variable"]
	for _, want := range []string{
		"CALLERID(num)=+14155550000",
		"PJSIP_HEADER(add,P-Asserted-Identity)=<sip:+14155550000@sip.example.com>",
		"PJSIP_SEND_RPID=send_pai",
	} {
		if !strings.Contains(vars, want) {
			t.Errorf("variables %q missing %q", vars, want)
		}
	}

	actionID := frame.Fields["ActionID"]
	fm.send("Response: Success\r\nActionID: " + actionID + "\r\nMessage: Originate successfully queued\r\n\r\n")

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Originate: %v", r.err)
		}
		if r.actionID != actionID {
			t.Errorf("actionID = %q, want %q", r.actionID, actionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Originate did not return")
	}
}

func TestOriginateFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := testClient()
	fm := startFake(t, c, ctx)

	done := make(chan error, 1)
	go func() {
		_, err := c.Originate(ctx, OriginateRequest{
			Digits: "14155550123", Trunk: "carrier", CallerID: "+14155550000",
			Context: "otp-playback", Exten: "s", Timeout: 30 * time.Second,
		})
		done <- err
	}()

	frame := fm.readFrame(t)
	fm.send("Response: Error\r\nActionID: " + frame.Fields["ActionID"] + "\r\nMessage: Originate failed\r\nReason: 5\r\n\r\n")

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "reason 5") {
			t.Errorf("err = %v, want originate failure with reason", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Originate did not return")
	}
}

func TestOriginateWhileDisconnected(t *testing.T) {
	c := testClient()
	_, err := c.Originate(context.Background(), OriginateRequest{Digits: "1", Trunk: "t"})
	if err == nil || !strings.Contains(err.Error(), "ARI_DISCONNECTED") {
		t.Errorf("err = %v, want disconnected error", err)
	}
}

func TestEventBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := testClient()
	sub := c.Subscribe()
	fm := startFake(t, c, ctx)

	fm.send("Event: Hangup\r\nChannel: PJSIP/carrier-00000001\r\nCause: 16\r\n\r\n")

	select {
	case ev := <-sub:
		if ev.Type != "Hangup" || ev.Fields["Cause"] != "16" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestConnectionLossFlipsConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := testClient()
	fm := startFake(t, c, ctx)

	fm.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client still connected after pipe close")
		}
		time.Sleep(time.Millisecond)
	}
}
