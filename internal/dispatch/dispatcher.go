// Package dispatch runs the admission-to-delivery pipeline for one request:
// fraud verdict, persistence, then real or simulated channel delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
	"github.com/otpgate/otpgate/internal/fraud"
	"github.com/otpgate/otpgate/internal/provider"
)

const requestTTL = 10 * time.Minute

// CostEstimator prices a blocked request for the fraud savings ledger.
// The rate learner implements it.
type CostEstimator interface {
	EstimateCost(ctx context.Context, channel, phonePrefix string) int64
}

// Request is one validated /send-otp call.
type Request struct {
	Phone      string
	Code       string
	ClientIP   string
	SessionID  string
	WebhookURL string
	Channels   []string
}

// Result is what the HTTP layer returns to the caller. Shadow-banned and
// real dispatches produce the same shape.
type Result struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Phone     string `json:"phone"`
	Channel   string `json:"channel,omitempty"`
}

// Dispatcher orchestrates fraud, persistence, and channel delivery.
type Dispatcher struct {
	repos     *database.Repositories
	engine    *fraud.Engine
	providers map[models.Channel]provider.Provider
	bus       *bus.Bus
	sim       *Simulator
	estimator CostEstimator
	failover  bool
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher. estimator may be nil.
func New(repos *database.Repositories, engine *fraud.Engine, providers []provider.Provider, b *bus.Bus, sim *Simulator, estimator CostEstimator, failover bool, logger *slog.Logger) *Dispatcher {
	byChannel := make(map[models.Channel]provider.Provider, len(providers))
	for _, p := range providers {
		byChannel[p.ChannelType()] = p
	}
	return &Dispatcher{
		repos:     repos,
		engine:    engine,
		providers: byChannel,
		bus:       b,
		sim:       sim,
		estimator: estimator,
		failover:  failover,
		logger:    logger.With("subsystem", "dispatch"),
	}
}

// Available reports whether a channel's provider can currently deliver.
// The HTTP layer uses this for the voice-only 503.
func (d *Dispatcher) Available(channel string) bool {
	p, ok := d.providers[models.Channel(channel)]
	return ok && p.Available()
}

// Dispatch admits, persists, and delivers one request. Runs concurrently
// across requests; per-request ordering is the bus's concern.
func (d *Dispatcher) Dispatch(ctx context.Context, in Request) (Result, error) {
	if len(in.Channels) == 0 {
		in.Channels = []string{"sms"}
	}

	assessment, err := d.engine.Evaluate(ctx, fraud.Input{
		Phone:     in.Phone,
		IP:        in.ClientIP,
		SessionID: in.SessionID,
		Channel:   in.Channels[0],
	})
	if err != nil {
		return Result{}, fmt.Errorf("evaluating request: %w", err)
	}

	digest, err := database.HashCode(in.Code)
	if err != nil {
		return Result{}, fmt.Errorf("hashing code: %w", err)
	}

	now := database.NowMillis()
	channelsJSON, _ := json.Marshal(in.Channels)
	reasonsJSON, _ := json.Marshal(assessment.Reasons)
	if assessment.Reasons == nil {
		reasonsJSON = []byte("[]")
	}

	req := &models.OtpRequest{
		ID:                uuid.NewString(),
		Phone:             in.Phone,
		PhonePrefix:       assessment.PhonePrefix,
		PhoneCountry:      assessment.PhoneCountry,
		CodeDigest:        digest,
		Status:            models.StatusPending,
		ChannelsRequested: string(channelsJSON),
		ClientIP:          in.ClientIP,
		IPSubnet:          assessment.IPSubnet,
		ASN:               assessment.ASN,
		IPCountry:         assessment.IPCountry,
		FraudScore:        assessment.Score,
		FraudReasons:      string(reasonsJSON),
		ShadowBanned:      assessment.Shadow,
		SessionID:         in.SessionID,
		WebhookURL:        in.WebhookURL,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now + requestTTL.Milliseconds(),
	}
	if err := d.repos.Requests.Create(ctx, req); err != nil {
		return Result{}, fmt.Errorf("persisting request: %w", err)
	}

	if assessment.Shadow {
		return d.dispatchShadow(ctx, req, in.Channels[0], assessment)
	}
	return d.dispatchReal(ctx, req, in.Channels, in.Code)
}

// dispatchShadow records the avoided cost and plays the synthetic sequence
// in the background. The response is identical to a real dispatch.
func (d *Dispatcher) dispatchShadow(ctx context.Context, req *models.OtpRequest, channel string, a *fraud.Assessment) (Result, error) {
	if err := d.repos.Requests.SetChosenChannel(ctx, req.ID, channel); err != nil {
		d.logger.Error("recording shadow channel", "request_id", req.ID, "error", err)
	}

	var amount int64
	if d.estimator != nil {
		amount = d.estimator.EstimateCost(ctx, channel, req.PhonePrefix)
	}
	saving := &models.FraudSaving{
		RequestID:   req.ID,
		Channel:     channel,
		PhonePrefix: req.PhonePrefix,
		Amount:      amount,
		Reason:      strings.Join(a.Reasons, ","),
	}
	if err := d.repos.Savings.Add(ctx, saving); err != nil {
		d.logger.Error("recording fraud saving", "request_id", req.ID, "error", err)
	}

	d.logger.Info("shadow dispatch",
		"request_id", req.ID, "channel", channel, "score", a.Score, "reasons", a.Reasons)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sim.Run(req.ID, channel)
	}()

	return Result{RequestID: req.ID, Status: "dispatched", Phone: req.Phone, Channel: channel}, nil
}

// dispatchReal tries each requested channel in order, failing over when
// enabled. Providers emit only progress events; the terminal failed event
// for a synchronous attempt is published here, once the failure is known to
// be final, so a failover attempt never races a terminal transition.
func (d *Dispatcher) dispatchReal(ctx context.Context, req *models.OtpRequest, channels []string, code string) (Result, error) {
	var lastErr, lastChannel string
	for _, channel := range channels {
		p, ok := d.providers[models.Channel(channel)]
		if !ok {
			d.logger.Warn("unknown channel requested", "request_id", req.ID, "channel", channel)
			continue
		}
		if !p.Available() {
			d.logger.Info("channel unavailable, skipping", "request_id", req.ID, "channel", channel)
			continue
		}

		if err := d.repos.Requests.SetChosenChannel(ctx, req.ID, channel); err != nil {
			return Result{}, fmt.Errorf("recording chosen channel: %w", err)
		}
		if err := d.repos.Requests.UpdateStatus(ctx, req.ID, models.StatusSending); err != nil {
			return Result{}, fmt.Errorf("marking request sending: %w", err)
		}

		res := p.Send(ctx, req.Phone, code, req.ID)
		if res.Success {
			if res.ProviderID != "" {
				if err := d.repos.Requests.SetProviderID(ctx, req.ID, res.ProviderID); err != nil {
					d.logger.Error("recording provider id", "request_id", req.ID, "error", err)
				}
			}
			return Result{RequestID: req.ID, Status: "dispatched", Phone: req.Phone, Channel: channel}, nil
		}

		lastErr = res.ErrorCode
		if res.ErrorDetail != "" {
			lastErr = res.ErrorCode + ": " + res.ErrorDetail
		}
		lastChannel = channel
		d.logger.Warn("channel delivery failed",
			"request_id", req.ID, "channel", channel, "error", lastErr)
		if !d.failover {
			d.failRequest(ctx, req.ID, channel, res.ErrorCode, lastErr)
			return Result{RequestID: req.ID, Status: models.StatusFailed, Phone: req.Phone, Channel: channel}, nil
		}
	}

	failCode := "ALL_CHANNELS_FAILED"
	if lastErr == "" {
		lastErr = "All channels failed"
	} else {
		lastErr = "All channels failed: " + lastErr
	}
	d.failRequest(ctx, req.ID, lastChannel, failCode, lastErr)
	return Result{RequestID: req.ID, Status: models.StatusFailed, Phone: req.Phone}, nil
}

// failRequest marks the request failed and publishes the terminal event so
// the log replays to the same status.
func (d *Dispatcher) failRequest(ctx context.Context, id, channel, code, errMsg string) {
	if err := d.repos.Requests.UpdateStatus(ctx, id, models.StatusFailed); err != nil {
		d.logger.Error("marking request failed", "request_id", id, "error", err)
	}
	if err := d.repos.Requests.SetError(ctx, id, errMsg); err != nil {
		d.logger.Error("recording request error", "request_id", id, "error", err)
	}
	if channel != "" {
		d.bus.Publish(bus.Event{
			RequestID: id, Channel: channel, Type: channel + ":failed",
			Payload: map[string]any{"error": code, "detail": errMsg},
		})
	}
}

// Drain waits for background shadow simulations to finish.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}
