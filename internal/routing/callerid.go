package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/otpgate/otpgate/internal/database"
)

// ErrNoRoute is returned when no prefix matches and no wildcard is configured.
var ErrNoRoute = errors.New("no caller-id route for destination")

// Wildcard is the catch-all route prefix.
const Wildcard = "*"

// Router resolves the originating caller ID for a destination number by
// longest-prefix match over the enabled routes of one channel. Routes are
// cached in memory; Reload refreshes the cache after admin changes.
type Router struct {
	repo   database.CallerIdRouteRepository
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string][]route // channel -> routes sorted longest prefix first
}

type route struct {
	prefix   string
	callerID string
}

// NewRouter creates a router over the route repository. Call Reload before
// first use.
func NewRouter(repo database.CallerIdRouteRepository, logger *slog.Logger) *Router {
	return &Router{
		repo:   repo,
		logger: logger.With("subsystem", "routing"),
		routes: make(map[string][]route),
	}
}

// Reload replaces the cache with the enabled routes currently in the store.
func (r *Router) Reload(ctx context.Context) error {
	all, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading caller-id routes: %w", err)
	}

	routes := make(map[string][]route)
	for _, cr := range all {
		if !cr.Enabled {
			continue
		}
		routes[cr.Channel] = append(routes[cr.Channel], route{prefix: cr.Prefix, callerID: cr.CallerID})
	}
	for channel := range routes {
		rs := routes[channel]
		// Longest prefix first; the wildcard sorts last.
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].prefix == Wildcard {
				return false
			}
			if rs[j].prefix == Wildcard {
				return true
			}
			return len(rs[i].prefix) > len(rs[j].prefix)
		})
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()

	r.logger.Info("caller-id routes reloaded", "channels", len(routes))
	return nil
}

// Resolve returns the caller ID for a destination phone on a channel. The
// phone may carry a leading +, which is ignored for matching.
func (r *Router) Resolve(channel, phone string) (string, error) {
	digits := strings.TrimPrefix(phone, "+")

	r.mu.RLock()
	defer r.mu.RUnlock()

	wildcard := ""
	for _, rt := range r.routes[channel] {
		if rt.prefix == Wildcard {
			wildcard = rt.callerID
			continue
		}
		if strings.HasPrefix(digits, rt.prefix) {
			return rt.callerID, nil
		}
	}
	if wildcard != "" {
		return wildcard, nil
	}
	return "", fmt.Errorf("%w: channel %s, destination %s", ErrNoRoute, channel, phone)
}
