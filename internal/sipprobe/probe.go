// Package sipprobe monitors carrier trunk reachability with SIP OPTIONS
// pings. The voice provider refuses to originate while the trunk is down.
package sipprobe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second
	// failThreshold consecutive failed pings mark the trunk unhealthy.
	failThreshold = 2
)

// Config identifies the trunk to probe.
type Config struct {
	Host      string
	Port      int
	Transport string // udp, tcp, tls
}

// State is a snapshot of trunk health.
type State struct {
	Healthy   bool
	LastError string
	LastPing  time.Time
	Failures  int
}

// Probe pings one carrier trunk on a fixed interval.
type Probe struct {
	cfg    Config
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// New creates a probe over an existing user agent.
func New(ua *sipgo.UserAgent, cfg Config, logger *slog.Logger) (*Probe, error) {
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	if cfg.Port <= 0 {
		cfg.Port = 5060
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	return &Probe{
		cfg:    cfg,
		ua:     ua,
		client: client,
		logger: logger.With("subsystem", "sipprobe", "trunk", cfg.Host),
	}, nil
}

// Run pings the trunk until ctx is cancelled. The first ping is immediate
// so startup health reflects reality quickly.
func (p *Probe) Run(ctx context.Context) {
	p.ping(ctx)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

func (p *Probe) ping(ctx context.Context) {
	err := p.sendOptions(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.LastPing = time.Now()
	if err == nil {
		if !p.state.Healthy {
			p.logger.Info("trunk healthy")
		}
		p.state.Healthy = true
		p.state.Failures = 0
		p.state.LastError = ""
		return
	}

	p.state.Failures++
	p.state.LastError = err.Error()
	if p.state.Failures >= failThreshold && p.state.Healthy {
		p.state.Healthy = false
		p.logger.Warn("trunk unhealthy", "failures", p.state.Failures, "error", err)
	}
}

// sendOptions sends one OPTIONS ping and waits for a 2xx response.
func (p *Probe) sendOptions(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", p.cfg.Host, p.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(p.cfg.Transport))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	tx, err := p.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-pingCtx.Done():
		return pingCtx.Err()
	case <-tx.Done():
		return fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// Healthy reports whether the trunk answered its recent pings.
func (p *Probe) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Healthy
}

// Status returns a snapshot of the probe state for /health.
func (p *Probe) Status() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Close releases the SIP client.
func (p *Probe) Close() error {
	return p.client.Close()
}
