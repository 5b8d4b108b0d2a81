package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

// BreakerConfig tunes the circuit breaker transitions.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many failures accumulate
	// within FailureWindow.
	FailureThreshold int64
	// FailureWindow is the sliding window failures are counted in.
	FailureWindow time.Duration
	// Cooldown is how long an open breaker waits before probing half-open.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    5 * time.Minute,
		Cooldown:         2 * time.Minute,
	}
}

// Breaker is a store-backed circuit breaker keyed by arbitrary strings such
// as "channel:voice". State survives restarts because every transition is
// persisted.
type Breaker struct {
	repo   database.CircuitBreakerRepository
	cfg    BreakerConfig
	logger *slog.Logger
}

// NewBreaker creates a breaker over the given repository.
func NewBreaker(repo database.CircuitBreakerRepository, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{repo: repo, cfg: cfg, logger: logger.With("subsystem", "breaker")}
}

// Allow reports whether a request may pass through the breaker for key.
// An open breaker that has cooled down transitions to half-open and lets
// one probe through.
func (b *Breaker) Allow(ctx context.Context, key string) (bool, error) {
	cb, err := b.repo.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading breaker %q: %w", key, err)
	}
	if cb == nil || cb.State == models.BreakerClosed {
		return true, nil
	}

	now := database.NowMillis()
	switch cb.State {
	case models.BreakerOpen:
		if cb.OpenedAt != nil && now-*cb.OpenedAt >= b.cfg.Cooldown.Milliseconds() {
			cb.State = models.BreakerHalfOpen
			cb.HalfOpenAt = &now
			if err := b.repo.Upsert(ctx, cb); err != nil {
				return false, fmt.Errorf("transitioning breaker %q to half-open: %w", key, err)
			}
			b.logger.Info("breaker half-open", "key", key)
			return true, nil
		}
		return false, nil
	case models.BreakerHalfOpen:
		return true, nil
	}
	return true, nil
}

// IsOpen reports whether the breaker currently rejects traffic for key,
// without mutating state. The fraud engine uses this as a hard blocker.
func (b *Breaker) IsOpen(ctx context.Context, key string) (bool, error) {
	cb, err := b.repo.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading breaker %q: %w", key, err)
	}
	if cb == nil || cb.State != models.BreakerOpen {
		return false, nil
	}
	if cb.OpenedAt != nil && database.NowMillis()-*cb.OpenedAt >= b.cfg.Cooldown.Milliseconds() {
		// Cooled down; Allow will flip it to half-open on the next probe.
		return false, nil
	}
	return true, nil
}

// RecordFailure counts a failure against key. In half-open state a single
// failure reopens the breaker; in closed state the breaker opens once the
// windowed failure count reaches the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, key string) error {
	cb, err := b.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading breaker %q: %w", key, err)
	}
	now := database.NowMillis()
	if cb == nil {
		cb = &models.CircuitBreaker{Key: key, State: models.BreakerClosed}
	}

	switch cb.State {
	case models.BreakerHalfOpen:
		cb.State = models.BreakerOpen
		cb.OpenedAt = &now
		cb.HalfOpenAt = nil
		cb.Failures = 1
		cb.Successes = 0
		b.logger.Warn("breaker reopened", "key", key)
	case models.BreakerOpen:
		cb.Failures++
	default:
		// Forget failures that fell out of the sliding window.
		if now-cb.UpdatedAt > b.cfg.FailureWindow.Milliseconds() {
			cb.Failures = 0
		}
		cb.Failures++
		if cb.Failures >= b.cfg.FailureThreshold {
			cb.State = models.BreakerOpen
			cb.OpenedAt = &now
			b.logger.Warn("breaker opened", "key", key, "failures", cb.Failures)
		}
	}

	if err := b.repo.Upsert(ctx, cb); err != nil {
		return fmt.Errorf("persisting breaker %q: %w", key, err)
	}
	return nil
}

// RecordSuccess counts a success. A half-open breaker closes on the first
// success.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	cb, err := b.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading breaker %q: %w", key, err)
	}
	if cb == nil {
		return nil
	}

	if cb.State == models.BreakerHalfOpen {
		cb.State = models.BreakerClosed
		cb.Failures = 0
		cb.OpenedAt = nil
		cb.HalfOpenAt = nil
		b.logger.Info("breaker closed", "key", key)
	}
	cb.Successes++

	if err := b.repo.Upsert(ctx, cb); err != nil {
		return fmt.Errorf("persisting breaker %q: %w", key, err)
	}
	return nil
}
