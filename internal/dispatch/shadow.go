package dispatch

import (
	"math/rand"
	"time"

	"github.com/otpgate/otpgate/internal/bus"
)

// shadowSequences are the synthetic event streams per channel. They mirror
// what a real delivery would emit so the persisted record and the external
// response are indistinguishable from a genuine send.
var shadowSequences = map[string][]string{
	"sms": {
		"sms:queued", "sms:sending", "sms:sent", "sms:delivered",
	},
	"voice": {
		"voice:queued", "voice:calling", "voice:ringing",
		"voice:answered", "voice:playing", "voice:completed",
	},
}

// Simulator plays a plausible delivery sequence for shadow-banned requests.
type Simulator struct {
	bus      *bus.Bus
	baseWait time.Duration
}

// NewSimulator creates a simulator. baseWait spaces the synthetic events;
// tests pass 0.
func NewSimulator(b *bus.Bus, baseWait time.Duration) *Simulator {
	return &Simulator{bus: b, baseWait: baseWait}
}

// Run emits the sequence for the channel, spacing events by a jittered
// delay. Blocks until the last event is published.
func (s *Simulator) Run(requestID, channel string) {
	seq, ok := shadowSequences[channel]
	if !ok {
		seq = shadowSequences["sms"]
		channel = "sms"
	}
	for i, typ := range seq {
		if i > 0 && s.baseWait > 0 {
			// 1x..2x base wait, so timing does not fingerprint the shadow path.
			time.Sleep(s.baseWait + time.Duration(rand.Int63n(int64(s.baseWait))))
		}
		s.bus.Publish(bus.Event{RequestID: requestID, Channel: channel, Type: typ})
	}
}
