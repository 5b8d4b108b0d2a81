package calltracker

import (
	"sync"
	"time"
)

// Call is the in-memory state of one active voice call.
type Call struct {
	RequestID    string
	ChannelID    string
	CallerID     string
	RegisteredAt time.Time
	AnsweredAt   time.Time
	OtpPlayed    bool
	SystemHangup bool
}

// Durations summarizes a finished call.
type Durations struct {
	Ring time.Duration
	Talk time.Duration
}

// Tracker maps request ids to active voice calls. The voice event handlers
// use it to attribute hangup cause and durations to the terminal event.
type Tracker struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{calls: make(map[string]*Call)}
}

// RegisterCall starts tracking a call for a request.
func (t *Tracker) RegisterCall(requestID, callerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[requestID] = &Call{
		RequestID:    requestID,
		CallerID:     callerID,
		RegisteredAt: time.Now(),
	}
}

// SetChannelID attaches the gateway channel id once the originate is
// accepted.
func (t *Tracker) SetChannelID(requestID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[requestID]; ok {
		c.ChannelID = channelID
	}
}

// Get returns a copy of the tracked call, if any.
func (t *Tracker) Get(requestID string) (Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[requestID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// FindByChannelID returns the request id owning a gateway channel.
func (t *Tracker) FindByChannelID(channelID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, c := range t.calls {
		if c.ChannelID == channelID {
			return id, true
		}
	}
	return "", false
}

// MarkAnswered records the answer time and returns the ring duration.
// Repeated calls keep the first answer time.
func (t *Tracker) MarkAnswered(requestID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[requestID]
	if !ok {
		return 0, false
	}
	if c.AnsweredAt.IsZero() {
		c.AnsweredAt = time.Now()
	}
	return c.AnsweredAt.Sub(c.RegisteredAt), true
}

// MarkOtpPlayed flags that the code playback completed.
func (t *Tracker) MarkOtpPlayed(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[requestID]; ok {
		c.OtpPlayed = true
	}
}

// MarkSystemHangup flags that the gateway, not the callee, ended the call.
func (t *Tracker) MarkSystemHangup(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[requestID]; ok {
		c.SystemHangup = true
	}
}

// EndCall removes the call and returns its final state and durations.
// Talk duration is zero for unanswered calls.
func (t *Tracker) EndCall(requestID string) (Call, Durations, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[requestID]
	if !ok {
		return Call{}, Durations{}, false
	}
	delete(t.calls, requestID)

	now := time.Now()
	var d Durations
	if c.AnsweredAt.IsZero() {
		d.Ring = now.Sub(c.RegisteredAt)
	} else {
		d.Ring = c.AnsweredAt.Sub(c.RegisteredAt)
		d.Talk = now.Sub(c.AnsweredAt)
	}
	return *c, d, true
}

// Active returns the number of tracked calls.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}
