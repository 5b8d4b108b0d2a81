package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/database/models"
	"github.com/otpgate/otpgate/internal/routing"
)

// SMSConfig holds carrier API settings.
type SMSConfig struct {
	APIURL      string
	Username    string
	Password    string
	// Template is the message body; {code} is replaced with the OTP code.
	Template    string
	CallbackURL string
	Timeout     time.Duration
}

// SMS delivers codes over the carrier's JSON:API messaging endpoint.
type SMS struct {
	cfg    SMSConfig
	router *routing.Router
	bus    *bus.Bus
	client *http.Client
	logger *slog.Logger
}

// NewSMS creates the SMS provider.
func NewSMS(cfg SMSConfig, router *routing.Router, b *bus.Bus, logger *slog.Logger) *SMS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Template == "" {
		cfg.Template = "Your verification code is {code}"
	}
	return &SMS{
		cfg:    cfg,
		router: router,
		bus:    b,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("subsystem", "provider", "channel", "sms"),
	}
}

func (s *SMS) ChannelType() models.Channel { return models.ChannelSMS }

// Available reports whether the carrier endpoint is configured.
func (s *SMS) Available() bool { return s.cfg.APIURL != "" }

// outboundMessage is the carrier's JSON:API request/response shape.
type outboundMessage struct {
	Data struct {
		ID         string `json:"id,omitempty"`
		Type       string `json:"type"`
		Attributes struct {
			Destination string `json:"destination"`
			Source      string `json:"source"`
			Content     string `json:"content"`
			CallbackURL string `json:"callback_url,omitempty"`
		} `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors,omitempty"`
}

// Send posts the message to the carrier. sms:sending is emitted before the
// network call and sms:sent on success. Failures are returned to the
// orchestrator, which decides whether they are final or a failover follows;
// the terminal sms:failed event is its to emit. Delivery confirmation
// arrives later via the DLR webhook.
func (s *SMS) Send(ctx context.Context, phone, code, requestID string) DeliveryResult {
	source, err := s.router.Resolve("sms", phone)
	if err != nil {
		return DeliveryResult{ErrorCode: ErrCodeNoRoute, ErrorDetail: err.Error()}
	}

	s.bus.Publish(bus.Event{RequestID: requestID, Channel: "sms", Type: "sms:sending"})

	var body outboundMessage
	body.Data.Type = "outbound_messages"
	body.Data.Attributes.Destination = strings.TrimPrefix(phone, "+")
	body.Data.Attributes.Source = source
	body.Data.Attributes.Content = strings.ReplaceAll(s.cfg.Template, "{code}", code)
	body.Data.Attributes.CallbackURL = s.cfg.CallbackURL

	raw, err := json.Marshal(body)
	if err != nil {
		return DeliveryResult{ErrorCode: ErrCodeNetwork, ErrorDetail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return DeliveryResult{ErrorCode: ErrCodeNetwork, ErrorDetail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("carrier request failed", "request_id", requestID, "error", err)
		return DeliveryResult{ErrorCode: ErrCodeNetwork, ErrorDetail: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := fmt.Sprintf("HTTP_%d", resp.StatusCode)
		detail := carrierErrorDetail(respBody)
		s.logger.Warn("carrier rejected message",
			"request_id", requestID, "status", resp.StatusCode, "detail", detail)
		return DeliveryResult{ErrorCode: code, ErrorDetail: detail}
	}

	var parsed outboundMessage
	providerID := ""
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		providerID = parsed.Data.ID
	}

	s.bus.Publish(bus.Event{
		RequestID: requestID, Channel: "sms", Type: "sms:sent",
		Payload: map[string]any{"provider_id": providerID, "source": source},
	})
	return DeliveryResult{Success: true, ProviderID: providerID}
}

// carrierErrorDetail extracts the first JSON:API error detail, falling back
// to the raw body.
func carrierErrorDetail(body []byte) string {
	var parsed outboundMessage
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		e := parsed.Errors[0]
		if e.Detail != "" {
			return e.Detail
		}
		return e.Code
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}
