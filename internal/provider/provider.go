// Package provider implements the delivery channels. Providers never touch
// the request record; they emit lifecycle events on the bus and return a
// DeliveryResult to the orchestrator.
package provider

import (
	"context"

	"github.com/otpgate/otpgate/internal/database/models"
)

// Error codes surfaced in DeliveryResult and failure events.
const (
	ErrCodeNoRoute         = "NO_CALLER_ID_ROUTE"
	ErrCodeNetwork         = "NETWORK_ERROR"
	ErrCodeCallFailed      = "CALL_FAILED"
	ErrCodeAriDisconnected = "ARI_DISCONNECTED"
)

// DeliveryResult is the synchronous outcome of one send attempt.
type DeliveryResult struct {
	Success     bool
	ProviderID  string
	ErrorCode   string
	ErrorDetail string
}

// Provider is one delivery channel.
type Provider interface {
	ChannelType() models.Channel
	// Send attempts delivery. It never returns an error; failures are
	// encoded in the result so the orchestrator can fail over.
	Send(ctx context.Context, phone, code, requestID string) DeliveryResult
	// Available reports whether the channel can currently deliver.
	Available() bool
}
