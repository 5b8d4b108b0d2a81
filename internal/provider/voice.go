package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/otpgate/otpgate/internal/ami"
	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/calltracker"
	"github.com/otpgate/otpgate/internal/database/models"
	"github.com/otpgate/otpgate/internal/routing"
)

// VoiceConfig holds voice gateway settings.
type VoiceConfig struct {
	Trunk         string // PJSIP endpoint name
	PAIHost       string // host part of P-Asserted-Identity
	Context       string // dialplan context for OTP playback
	Exten         string
	AnswerTimeout time.Duration
}

// TrunkHealth gates voice availability on trunk reachability.
// The SIP OPTIONS probe implements it.
type TrunkHealth interface {
	Healthy() bool
}

// Originator is the control-plane call origination surface.
// The AMI client implements it.
type Originator interface {
	Originate(ctx context.Context, req ami.OriginateRequest) (string, error)
	Connected() bool
}

// Voice delivers codes by calling the destination and playing the code.
type Voice struct {
	cfg     VoiceConfig
	router  *routing.Router
	gateway Originator
	health  TrunkHealth
	tracker *calltracker.Tracker
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewVoice creates the voice provider.
func NewVoice(cfg VoiceConfig, router *routing.Router, gateway Originator, health TrunkHealth, tracker *calltracker.Tracker, b *bus.Bus, logger *slog.Logger) *Voice {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}
	if cfg.Context == "" {
		cfg.Context = "otp-playback"
	}
	if cfg.Exten == "" {
		cfg.Exten = "s"
	}
	return &Voice{
		cfg:     cfg,
		router:  router,
		gateway: gateway,
		health:  health,
		tracker: tracker,
		bus:     b,
		logger:  logger.With("subsystem", "provider", "channel", "voice"),
	}
}

func (v *Voice) ChannelType() models.Channel { return models.ChannelVoice }

// Available requires a logged-in control plane and a reachable trunk.
func (v *Voice) Available() bool {
	if !v.gateway.Connected() {
		return false
	}
	if v.health != nil && !v.health.Healthy() {
		return false
	}
	return true
}

// Send originates the call. voice:ringing is emitted here and only here;
// the gateway event loop drives the rest of the call lifecycle. Originate
// failures are returned to the orchestrator, which owns the terminal
// voice:failed event on its path.
func (v *Voice) Send(ctx context.Context, phone, code, requestID string) DeliveryResult {
	callerID, err := v.router.Resolve("voice", phone)
	if err != nil {
		return DeliveryResult{ErrorCode: ErrCodeNoRoute, ErrorDetail: err.Error()}
	}

	v.bus.Publish(bus.Event{RequestID: requestID, Channel: "voice", Type: "voice:calling"})
	v.tracker.RegisterCall(requestID, callerID)

	if !v.gateway.Connected() {
		v.tracker.EndCall(requestID)
		return DeliveryResult{ErrorCode: ErrCodeAriDisconnected, ErrorDetail: "voice control plane unavailable"}
	}

	actionID, err := v.gateway.Originate(ctx, ami.OriginateRequest{
		Digits:   strings.TrimPrefix(phone, "+"),
		Trunk:    v.cfg.Trunk,
		CallerID: callerID,
		PAIHost:  v.cfg.PAIHost,
		Context:  v.cfg.Context,
		Exten:    v.cfg.Exten,
		Timeout:  v.cfg.AnswerTimeout,
		Variables: map[string]string{
			"OTPGATE_REQUEST_ID": requestID,
			"OTPGATE_CODE":       code,
		},
	})
	if err != nil {
		v.tracker.EndCall(requestID)
		v.logger.Warn("originate failed", "request_id", requestID, "error", err)
		return DeliveryResult{ErrorCode: ErrCodeCallFailed, ErrorDetail: err.Error()}
	}

	v.bus.Publish(bus.Event{
		RequestID: requestID, Channel: "voice", Type: "voice:ringing",
		Payload: map[string]any{"action_id": actionID, "caller_id": callerID},
	})
	return DeliveryResult{Success: true, ProviderID: actionID}
}

// RunEventLoop folds gateway events into lifecycle events until ctx is
// cancelled. The dialplan tags its frames with the request id through the
// OTPGATE_REQUEST_ID channel variable.
func (v *Voice) RunEventLoop(ctx context.Context, events <-chan ami.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			v.handleGatewayEvent(ev)
		}
	}
}

func (v *Voice) handleGatewayEvent(ev ami.Event) {
	switch ev.Type {
	case "UserEvent":
		v.handleUserEvent(ev)
	case "Newstate":
		if ev.Fields["ChannelStateDesc"] != "Up" {
			return
		}
		requestID, ok := v.tracker.FindByChannelID(ev.Fields["Channel"])
		if !ok {
			return
		}
		ring, _ := v.tracker.MarkAnswered(requestID)
		v.bus.Publish(bus.Event{
			RequestID: requestID, Channel: "voice", Type: "voice:answered",
			Payload: map[string]any{"ring_ms": ring.Milliseconds()},
		})
	case "Hangup":
		requestID, ok := v.tracker.FindByChannelID(ev.Fields["Channel"])
		if !ok {
			return
		}
		v.handleHangup(requestID, ev.Fields["Cause"])
	}
}

func (v *Voice) handleUserEvent(ev ami.Event) {
	requestID := ev.Fields["RequestID"]
	if requestID == "" {
		return
	}
	switch ev.Fields["UserEvent"] {
	case "OtpCallStart":
		v.tracker.SetChannelID(requestID, ev.Fields["Channel"])
	case "OtpPlaying":
		v.tracker.MarkOtpPlayed(requestID)
		v.bus.Publish(bus.Event{RequestID: requestID, Channel: "voice", Type: "voice:playing"})
	case "OtpCompleted":
		// The gateway hangs up after playback; attribute it to the system.
		v.tracker.MarkSystemHangup(requestID)
	}
}

// handleHangup classifies the terminal event by Q.850 cause and playback
// progress.
func (v *Voice) handleHangup(requestID, cause string) {
	call, durations, ok := v.tracker.EndCall(requestID)
	if !ok {
		return
	}

	payload := map[string]any{
		"cause":   cause,
		"ring_ms": durations.Ring.Milliseconds(),
		"talk_ms": durations.Talk.Milliseconds(),
	}
	if call.SystemHangup {
		payload["hangup_by"] = "system"
	} else {
		payload["hangup_by"] = "user"
	}

	eventType := ""
	switch cause {
	case "17":
		eventType = "voice:busy"
	case "18", "19", "21":
		eventType = "voice:no_answer"
	default:
		switch {
		case call.OtpPlayed:
			eventType = "voice:completed"
		case !call.AnsweredAt.IsZero():
			// Answered but hung up before the code finished playing.
			eventType = "voice:hangup"
		default:
			eventType = "voice:failed"
			payload["error"] = ErrCodeCallFailed
		}
	}

	v.logger.Info("call ended",
		"request_id", requestID, "cause", cause, "event", eventType,
		"ring", durations.Ring, "talk", durations.Talk)
	v.bus.Publish(bus.Event{RequestID: requestID, Channel: "voice", Type: eventType, Payload: payload})
}
