package models

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Delivery statuses for an OTP request. Transitions are enforced by the
// lifecycle state machine; terminal statuses are frozen.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusVerified  = "verified"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
)

// Auth statuses reported back by the upstream authenticator.
const (
	AuthVerified  = "verified"
	AuthWrongCode = "wrong_code"
)

// OtpRequest is the persistent record of a single send-otp request.
// The plaintext code is never stored; only an Argon2id digest.
type OtpRequest struct {
	ID                string // UUID
	Phone             string // E.164
	PhonePrefix       string
	PhoneCountry      string
	CodeDigest        string
	Status            string
	AuthStatus        *string
	ChannelsRequested string // JSON array, ordered
	ChosenChannel     *string
	ClientIP          string
	IPSubnet          string // IPv4 /24 or IPv6 /64
	ASN               *int64
	IPCountry         string
	FraudScore        int
	FraudReasons      string // JSON array of strings
	ShadowBanned      bool
	SessionID         string
	WebhookURL        string
	ProviderID        string
	ErrorMessage      string
	CreatedAt         int64 // ms epoch
	UpdatedAt         int64
	ExpiresAt         int64
}

// OtpEvent is one append-only lifecycle event for a request. The event log
// is the source of truth; the request status is a projection of it.
type OtpEvent struct {
	ID        int64
	RequestID string
	Channel   string
	EventType string
	Payload   string // JSON
	CreatedAt int64
}

// IpReputation aggregates verification outcomes per IP subnet.
// Invariant: Verified+Failed <= Total.
type IpReputation struct {
	Subnet     string
	Total      int64
	Verified   int64
	Failed     int64
	TrustScore float64
	Banned     bool
	BanReason  string
	UpdatedAt  int64
}

// PrefixReputation aggregates verification outcomes per phone prefix.
type PrefixReputation struct {
	Prefix     string
	Total      int64
	Verified   int64
	Failed     int64
	TrustScore float64
	UpdatedAt  int64
}

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreaker is a persisted breaker keyed by an arbitrary string such
// as "channel:voice" or "provider:didww".
type CircuitBreaker struct {
	Key        string
	State      string
	Failures   int64
	Successes  int64
	OpenedAt   *int64
	HalfOpenAt *int64
	UpdatedAt  int64
}

// AsnBlocklistEntry marks an ASN as a zero-tolerance bot source.
type AsnBlocklistEntry struct {
	ASN       int64
	Provider  string
	Category  string
	Reason    string
	CreatedAt int64
}

// HoneypotEntry marks an IP subnet whose requests are shadow-banned.
// A nil ExpiresAt means the entry never expires.
type HoneypotEntry struct {
	Subnet    string
	Reason    string
	ExpiresAt *int64
	CreatedAt int64
}

// CallerIdRoute maps a destination prefix to an originating number for one
// channel. Prefix "*" is the wildcard fallback.
type CallerIdRoute struct {
	ID          int64
	Channel     string
	Prefix      string
	CallerID    string
	Description string
	Enabled     bool
	CreatedAt   int64
	UpdatedAt   int64
}

// Whitelist entry types.
const (
	WhitelistIP    = "ip"
	WhitelistPhone = "phone"
)

// WhitelistEntry short-circuits the fraud engine with score 0.
type WhitelistEntry struct {
	ID        int64
	Type      string // "ip" | "phone"
	Value     string
	CreatedAt int64
}

// CdrRecord is an immutable carrier billing record. Only ProcessedForRates
// mutates, 0 -> 1.
type CdrRecord struct {
	ID                int64
	ExternalID        string
	Source            string
	Destination       string
	SrcPrefix         string
	DstPrefix         string
	Duration          int64 // seconds
	BillingDuration   int64 // seconds
	Rate              int64 // 1/10000 USD per minute
	Price             int64 // 1/10000 USD
	Success           bool
	DisconnectCode    int
	ProcessedForRates bool
	CreatedAt         int64
}

// CarrierRate is a learned per-prefix cost estimate. Monetary fields store
// 1/10000 USD. Uniqueness: (channel, dst_prefix, coalesce(src_prefix,"")).
type CarrierRate struct {
	ID               int64
	Channel          string
	DstPrefix        string
	SrcPrefix        *string
	RateAvg          int64
	RateMin          int64
	RateMax          int64
	BillingIncrement int
	SampleCount      int64
	ConfidenceScore  float64
	LastSeenAt       int64
}

// FraudSaving records the estimated cost avoided by blocking a request.
type FraudSaving struct {
	ID          int64
	RequestID   string
	Channel     string
	PhonePrefix string
	Amount      int64 // 1/10000 USD
	Reason      string
	CreatedAt   int64
}

// WebhookLog records one webhook delivery attempt.
type WebhookLog struct {
	ID         int64
	RequestID  string
	URL        string
	Event      string
	StatusCode int
	Attempt    int
	Error      string
	Delivered  bool
	SentAt     int64
}

// AuthFeedback records the verification outcome reported by the caller.
type AuthFeedback struct {
	ID        int64
	RequestID string
	Success   bool
	CreatedAt int64
}
