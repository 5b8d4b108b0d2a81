package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/otpgate/otpgate/internal/api/middleware"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin authenticates the configured admin user and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	cfg := s.deps.Config
	if cfg.AdminPassword == "" {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(cfg.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.deps.JWTSecret, req.Username)
	if err != nil {
		s.logger.Error("signing admin token", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UnixMilli(),
	})
}

// requestJSON is the wire shape of one OTP request for the admin API.
// The code digest is deliberately not exposed.
type requestJSON struct {
	ID                string  `json:"id"`
	Phone             string  `json:"phone"`
	PhonePrefix       string  `json:"phone_prefix"`
	PhoneCountry      string  `json:"phone_country,omitempty"`
	Status            string  `json:"status"`
	AuthStatus        *string `json:"auth_status,omitempty"`
	ChannelsRequested string  `json:"channels_requested"`
	ChosenChannel     *string `json:"chosen_channel,omitempty"`
	ClientIP          string  `json:"client_ip"`
	IPSubnet          string  `json:"ip_subnet"`
	ASN               *int64  `json:"asn,omitempty"`
	IPCountry         string  `json:"ip_country,omitempty"`
	FraudScore        int     `json:"fraud_score"`
	FraudReasons      string  `json:"fraud_reasons"`
	ShadowBanned      bool    `json:"shadow_banned"`
	SessionID         string  `json:"session_id,omitempty"`
	ProviderID        string  `json:"provider_id,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	CreatedAt         int64   `json:"created_at"`
	UpdatedAt         int64   `json:"updated_at"`
	ExpiresAt         int64   `json:"expires_at"`
}

func toRequestJSON(req *models.OtpRequest) requestJSON {
	return requestJSON{
		ID:                req.ID,
		Phone:             req.Phone,
		PhonePrefix:       req.PhonePrefix,
		PhoneCountry:      req.PhoneCountry,
		Status:            req.Status,
		AuthStatus:        req.AuthStatus,
		ChannelsRequested: req.ChannelsRequested,
		ChosenChannel:     req.ChosenChannel,
		ClientIP:          req.ClientIP,
		IPSubnet:          req.IPSubnet,
		ASN:               req.ASN,
		IPCountry:         req.IPCountry,
		FraudScore:        req.FraudScore,
		FraudReasons:      req.FraudReasons,
		ShadowBanned:      req.ShadowBanned,
		SessionID:         req.SessionID,
		ProviderID:        req.ProviderID,
		ErrorMessage:      req.ErrorMessage,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
		ExpiresAt:         req.ExpiresAt,
	}
}

// handleListRequests returns a page of requests, newest first by default.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	desc := q.Get("desc") != "false"

	params := database.ListParams{
		Page:  page,
		Limit: limit,
		Sort:  q.Get("sort"),
		Desc:  desc,
	}
	requests, total, err := s.deps.Repos.Requests.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	out := make([]requestJSON, 0, len(requests))
	for i := range requests {
		out = append(out, toRequestJSON(&requests[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": out,
		"total":    total,
	})
}

type eventJSON struct {
	ID        int64           `json:"id"`
	RequestID string          `json:"request_id"`
	Channel   string          `json:"channel"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// handleGetRequest returns one request with its ordered event log.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.deps.Repos.Requests.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	events, err := s.deps.Repos.Events.ListByRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("loading events", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	evOut := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		payload := json.RawMessage(ev.Payload)
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		evOut = append(evOut, eventJSON{
			ID:        ev.ID,
			RequestID: ev.RequestID,
			Channel:   ev.Channel,
			EventType: ev.EventType,
			Payload:   payload,
			CreatedAt: ev.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request": toRequestJSON(req),
		"events":  evOut,
	})
}

type routeJSON struct {
	ID          int64  `json:"id"`
	Channel     string `json:"channel"`
	Prefix      string `json:"prefix"`
	CallerID    string `json:"caller_id"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func toRouteJSON(route *models.CallerIdRoute) routeJSON {
	return routeJSON{
		ID:          route.ID,
		Channel:     route.Channel,
		Prefix:      route.Prefix,
		CallerID:    route.CallerID,
		Description: route.Description,
		Enabled:     route.Enabled,
		CreatedAt:   route.CreatedAt,
		UpdatedAt:   route.UpdatedAt,
	}
}

type routeRequest struct {
	Channel     string `json:"channel"`
	Prefix      string `json:"prefix"`
	CallerID    string `json:"caller_id"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

func (req *routeRequest) valid() bool {
	return (req.Channel == "sms" || req.Channel == "voice") &&
		validRoutePrefix(req.Prefix) &&
		validCallerID(req.Channel, req.CallerID)
}

// handleListRoutes returns every caller-ID route.
func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Repos.Routes.List(r.Context())
	if err != nil {
		s.logger.Error("listing routes", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	out := make([]routeJSON, 0, len(routes))
	for i := range routes {
		out = append(out, toRouteJSON(&routes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

// handleCreateRoute adds a route and reloads the in-memory table.
func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	route := &models.CallerIdRoute{
		Channel:     req.Channel,
		Prefix:      req.Prefix,
		CallerID:    req.CallerID,
		Description: req.Description,
		Enabled:     enabled,
	}
	if err := s.deps.Repos.Routes.Create(r.Context(), route); err != nil {
		if errors.Is(err, database.ErrDuplicatePrefix) {
			writeError(w, http.StatusConflict, errDuplicate)
			return
		}
		s.logger.Error("creating route", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	s.reloadRoutes(r)
	writeJSON(w, http.StatusCreated, toRouteJSON(route))
}

// handleUpdateRoute modifies a route and reloads the in-memory table.
func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}
	existing, err := s.deps.Repos.Routes.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading route", "route_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	var req routeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	existing.Channel = req.Channel
	existing.Prefix = req.Prefix
	existing.CallerID = req.CallerID
	existing.Description = req.Description
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if err := s.deps.Repos.Routes.Update(r.Context(), existing); err != nil {
		if errors.Is(err, database.ErrDuplicatePrefix) {
			writeError(w, http.StatusConflict, errDuplicate)
			return
		}
		s.logger.Error("updating route", "route_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	s.reloadRoutes(r)
	writeJSON(w, http.StatusOK, toRouteJSON(existing))
}

// handleDeleteRoute removes a route and reloads the in-memory table.
func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}
	if err := s.deps.Repos.Routes.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting route", "route_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	s.reloadRoutes(r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) reloadRoutes(r *http.Request) {
	if err := s.deps.Routes.Reload(r.Context()); err != nil {
		s.logger.Error("reloading caller id routes", "error", err)
	}
}

// handleStats summarizes request volume, fraud savings, and breaker state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byStatus, err := s.deps.Repos.Requests.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("counting requests", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	savings, err := s.deps.Repos.Savings.TotalSince(ctx, 0)
	if err != nil {
		s.logger.Error("totalling savings", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	rateRows, err := s.deps.Repos.Rates.Count(ctx)
	if err != nil {
		s.logger.Error("counting rates", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	breakers, err := s.deps.Repos.Breakers.List(ctx)
	if err != nil {
		s.logger.Error("listing breakers", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	breakerStates := make(map[string]string, len(breakers))
	for _, b := range breakers {
		breakerStates[b.Key] = b.State
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_by_status": byStatus,
		"fraud_savings":      savings,
		"carrier_rates":      rateRows,
		"breakers":           breakerStates,
	})
}

// handleHealth reports channel availability. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	voice := map[string]any{"enabled": false}
	if s.deps.VoiceGateway != nil {
		voice = map[string]any{
			"enabled":       true,
			"ami_connected": s.deps.VoiceGateway.Connected(),
		}
		if s.deps.TrunkHealth != nil {
			voice["trunk_healthy"] = s.deps.TrunkHealth.Healthy()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"sms":    s.deps.Config.SmsEnabled(),
		"voice":  voice,
	})
}

// upgrader is the websocket upgrader for the live feed. Admin auth already
// ran, so cross-origin connects are acceptable.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveEvent is one bus event on the live feed wire.
type liveEvent struct {
	RequestID string         `json:"request_id"`
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// handleLive streams bus events over a websocket until the client hangs up.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("live feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.deps.Bus.Subscribe()
	defer unsubscribe()

	// Reader goroutine notices the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(liveEvent{
				RequestID: ev.RequestID,
				Channel:   ev.Channel,
				Type:      ev.Type,
				Payload:   ev.Payload,
				CreatedAt: ev.CreatedAt,
			}); err != nil {
				s.logger.Debug("live feed write failed", "error", err)
				return
			}
		}
	}
}
