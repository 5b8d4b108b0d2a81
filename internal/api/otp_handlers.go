package api

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
	"github.com/otpgate/otpgate/internal/dispatch"
)

// maxBodyBytes caps inbound request bodies. CDR batches get a larger cap.
const (
	maxBodyBytes    = 64 * 1024
	maxCdrBodyBytes = 4 * 1024 * 1024
)

type sendOtpRequest struct {
	Phone      string   `json:"phone"`
	Code       string   `json:"code"`
	Secret     string   `json:"secret"`
	SessionID  string   `json:"session_id"`
	Channels   []string `json:"channels"`
	WebhookURL string   `json:"webhook_url"`
}

// handleSendOTP admits one delivery request. Shadow-banned callers get the
// same 202 as everyone else.
func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOtpRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	if !s.authorized(r, req.Secret) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	if !validPhone(req.Phone) || !validCode(req.Code) || !validChannels(req.Channels) ||
		!validWebhookURL(req.WebhookURL) || len(req.SessionID) > maxSessionIDLen {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{"sms"}
	}
	available := false
	for _, ch := range channels {
		if s.deps.Dispatcher.Available(ch) {
			available = true
			break
		}
	}
	if !available {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Phone:      req.Phone,
		Code:       req.Code,
		ClientIP:   clientIP(r),
		SessionID:  req.SessionID,
		WebhookURL: req.WebhookURL,
		Channels:   channels,
	})
	if err != nil {
		s.logger.Error("dispatching request", "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// authorized checks the shared secret from the header or body field.
func (s *Server) authorized(r *http.Request, bodySecret string) bool {
	want := s.deps.Config.APISecret
	if want == "" {
		return true
	}
	got := r.Header.Get("X-Api-Secret")
	if got == "" {
		got = bodySecret
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// clientIP returns the caller's IP without the port. RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type authFeedbackRequest struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
}

// handleAuthWebhook receives the verification outcome from the upstream
// authenticator.
func (s *Server) handleAuthWebhook(w http.ResponseWriter, r *http.Request) {
	var req authFeedbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	if err := s.deps.Lifecycle.HandleAuthFeedback(r.Context(), req.RequestID, req.Success); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound)
			return
		}
		s.logger.Error("handling auth feedback", "request_id", req.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// dlrPayload is the carrier delivery report, JSON:API shaped like the
// outbound message it refers to.
type dlrPayload struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status       string `json:"status"`
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		} `json:"attributes"`
	} `json:"data"`
}

// handleDlrWebhook folds carrier delivery reports into the event stream.
// Always returns 200 so the carrier stops retrying.
func (s *Server) handleDlrWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	var payload dlrPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.logger.Warn("unparseable dlr payload", "error", err)
		return
	}
	if payload.Data.ID == "" {
		return
	}

	req, err := s.deps.Repos.Requests.GetByProviderID(r.Context(), payload.Data.ID)
	if err != nil {
		s.logger.Error("looking up dlr provider id", "provider_id", payload.Data.ID, "error", err)
		return
	}
	if req == nil {
		s.logger.Warn("dlr for unknown provider id", "provider_id", payload.Data.ID)
		return
	}

	attrs := payload.Data.Attributes
	eventType := "sms:delivered"
	var eventPayload map[string]any
	if attrs.Status != "delivered" {
		eventType = "sms:undelivered"
		eventPayload = map[string]any{
			"carrier_status": attrs.Status,
			"error_code":     attrs.ErrorCode,
			"error_message":  attrs.ErrorMessage,
		}
	}
	s.deps.Bus.Publish(bus.Event{
		RequestID: req.ID,
		Channel:   "sms",
		Type:      eventType,
		Payload:   eventPayload,
	})
}

// cdrPayload is one carrier billing record on the wire. Monetary values
// arrive as decimal USD.
type cdrPayload struct {
	ID              string  `json:"id"`
	Source          string  `json:"source"`
	Destination     string  `json:"destination"`
	Duration        int64   `json:"duration"`
	BillingDuration int64   `json:"billing_duration"`
	Rate            float64 `json:"rate"`
	Price           float64 `json:"price"`
	Success         bool    `json:"success"`
	DisconnectCode  int     `json:"disconnect_code"`
}

// handleCdrWebhook bulk-inserts a carrier CDR batch. Accepts a JSON array
// or newline-delimited JSON objects.
func (s *Server) handleCdrWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCdrBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}

	payloads, err := parseCdrBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation)
		return
	}
	if len(payloads) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"inserted": 0})
		return
	}

	records := make([]models.CdrRecord, 0, len(payloads))
	for _, p := range payloads {
		records = append(records, models.CdrRecord{
			ExternalID:      p.ID,
			Source:          p.Source,
			Destination:     p.Destination,
			SrcPrefix:       phonePrefix(p.Source),
			DstPrefix:       phonePrefix(p.Destination),
			Duration:        p.Duration,
			BillingDuration: p.BillingDuration,
			Rate:            usdToUnits(p.Rate),
			Price:           usdToUnits(p.Price),
			Success:         p.Success,
			DisconnectCode:  p.DisconnectCode,
		})
	}

	if err := s.deps.Repos.Cdrs.BulkInsert(r.Context(), records); err != nil {
		s.logger.Error("inserting cdr batch", "count", len(records), "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inserted": len(records)})
}

// parseCdrBatch accepts a JSON array or one JSON object per line.
func parseCdrBatch(body []byte) ([]cdrPayload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []cdrPayload
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var out []cdrPayload
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p cdrPayload
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, scanner.Err()
}

// usdToUnits converts decimal USD to the stored 1/10000 USD integer units.
func usdToUnits(usd float64) int64 {
	return int64(math.Round(usd * 10000))
}

// phonePrefix returns the first four digits of a number.
func phonePrefix(number string) string {
	d := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(d) > 4 {
		d = d[:4]
	}
	return d
}
