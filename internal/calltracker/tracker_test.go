package calltracker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCallLifecycle(t *testing.T) {
	tr := New()

	tr.RegisterCall("req-1", "+14155550000")
	tr.SetChannelID("req-1", "PJSIP/carrier-00000001")

	c, ok := tr.Get("req-1")
	if !ok {
		t.Fatal("registered call not found")
	}
	if c.CallerID != "+14155550000" || c.ChannelID != "PJSIP/carrier-00000001" {
		t.Errorf("call = %+v", c)
	}
	if id, ok := tr.FindByChannelID("PJSIP/carrier-00000001"); !ok || id != "req-1" {
		t.Errorf("FindByChannelID = %q, %v", id, ok)
	}

	ring, ok := tr.MarkAnswered("req-1")
	if !ok || ring < 0 {
		t.Fatalf("MarkAnswered = %v, %v", ring, ok)
	}
	tr.MarkOtpPlayed("req-1")
	tr.MarkSystemHangup("req-1")

	final, d, ok := tr.EndCall("req-1")
	if !ok {
		t.Fatal("EndCall did not find the call")
	}
	if !final.OtpPlayed || !final.SystemHangup {
		t.Errorf("final = %+v, want otp played and system hangup", final)
	}
	if d.Ring < 0 || d.Talk < 0 {
		t.Errorf("durations = %+v", d)
	}

	if _, ok := tr.Get("req-1"); ok {
		t.Error("call still tracked after EndCall")
	}
	if tr.Active() != 0 {
		t.Errorf("Active = %d, want 0", tr.Active())
	}
}

func TestMarkAnsweredKeepsFirstTimestamp(t *testing.T) {
	tr := New()
	tr.RegisterCall("req-1", "+14155550000")

	first, _ := tr.MarkAnswered("req-1")
	time.Sleep(5 * time.Millisecond)
	second, _ := tr.MarkAnswered("req-1")

	if first != second {
		t.Errorf("ring duration changed on repeat: %v vs %v", first, second)
	}
}

func TestUnansweredCallHasNoTalkTime(t *testing.T) {
	tr := New()
	tr.RegisterCall("req-1", "+14155550000")
	time.Sleep(2 * time.Millisecond)

	_, d, ok := tr.EndCall("req-1")
	if !ok {
		t.Fatal("EndCall did not find the call")
	}
	if d.Ring <= 0 {
		t.Errorf("ring = %v, want > 0", d.Ring)
	}
	if d.Talk != 0 {
		t.Errorf("talk = %v, want 0 for unanswered call", d.Talk)
	}
}

func TestUnknownRequest(t *testing.T) {
	tr := New()
	if _, ok := tr.MarkAnswered("nope"); ok {
		t.Error("MarkAnswered found unknown request")
	}
	if _, _, ok := tr.EndCall("nope"); ok {
		t.Error("EndCall found unknown request")
	}
	// Mutators on unknown requests are no-ops.
	tr.SetChannelID("nope", "c")
	tr.MarkOtpPlayed("nope")
	tr.MarkSystemHangup("nope")
}

func TestConcurrentAccess(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("req-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RegisterCall(id, "+14155550000")
			tr.SetChannelID(id, "chan-"+id)
			tr.MarkAnswered(id)
			tr.Get(id)
			tr.EndCall(id)
		}()
	}
	wg.Wait()
	if tr.Active() != 0 {
		t.Errorf("Active = %d, want 0", tr.Active())
	}
}
