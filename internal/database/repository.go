package database

import (
	"context"
	"errors"

	"github.com/otpgate/otpgate/internal/database/models"
)

// ErrNotFound is returned by operations that require an existing row.
// Getters return (nil, nil) instead; this sentinel is for callers that
// need to map absence to an error.
var ErrNotFound = errors.New("not found")

// ListParams controls paginated listings. Sort columns are validated
// against a per-table whitelist before query composition.
type ListParams struct {
	Page  int
	Limit int
	Sort  string
	Desc  bool
}

// Offset returns the row offset for the configured page.
func (p ListParams) Offset() int {
	page := p.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * p.Limit
}

// OtpRequestRepository persists OTP request records.
type OtpRequestRepository interface {
	Create(ctx context.Context, req *models.OtpRequest) error
	GetByID(ctx context.Context, id string) (*models.OtpRequest, error)
	GetByProviderID(ctx context.Context, providerID string) (*models.OtpRequest, error)
	// UpdateStatus sets the delivery status and bumps updated_at. It does not
	// check transition legality; the state machine does that before calling.
	UpdateStatus(ctx context.Context, id, status string) error
	SetAuthStatus(ctx context.Context, id, authStatus string) error
	SetChosenChannel(ctx context.Context, id, channel string) error
	SetProviderID(ctx context.Context, id, providerID string) error
	SetError(ctx context.Context, id, errMsg string) error
	List(ctx context.Context, p ListParams) ([]models.OtpRequest, int, error)
	CountByPhoneSince(ctx context.Context, phone string, windowMs int64) (int64, error)
	CountBySubnetSince(ctx context.Context, subnet string, windowMs int64) (int64, error)
	// ListExpired returns ids of non-terminal requests whose expires_at has passed.
	ListExpired(ctx context.Context, nowMs int64) ([]string, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// OtpEventRepository is the append-only lifecycle event log.
type OtpEventRepository interface {
	Append(ctx context.Context, ev *models.OtpEvent) error
	ListByRequest(ctx context.Context, requestID string) ([]models.OtpEvent, error)
}

// IpReputationRepository maintains per-subnet counters. Each mutation runs
// inside a single transaction so trust_score stays consistent with the
// counters it is derived from.
type IpReputationRepository interface {
	Get(ctx context.Context, subnet string) (*models.IpReputation, error)
	// IncrementTotal upserts the row and bumps total by one.
	IncrementTotal(ctx context.Context, subnet string) error
	RecordVerified(ctx context.Context, subnet string) error
	RecordFailed(ctx context.Context, subnet string) error
	Ban(ctx context.Context, subnet, reason string) error
}

// PrefixReputationRepository maintains per-phone-prefix counters.
type PrefixReputationRepository interface {
	Get(ctx context.Context, prefix string) (*models.PrefixReputation, error)
	IncrementTotal(ctx context.Context, prefix string) error
	RecordVerified(ctx context.Context, prefix string) error
	RecordFailed(ctx context.Context, prefix string) error
	// VerificationStats returns attempts and verified counts within the window.
	VerificationStats(ctx context.Context, prefix string, windowMs int64) (total, verified int64, err error)
}

// CircuitBreakerRepository persists breaker rows keyed by arbitrary strings.
type CircuitBreakerRepository interface {
	Get(ctx context.Context, key string) (*models.CircuitBreaker, error)
	Upsert(ctx context.Context, cb *models.CircuitBreaker) error
	List(ctx context.Context) ([]models.CircuitBreaker, error)
}

// HoneypotRepository tracks shadow-banned subnets.
type HoneypotRepository interface {
	Add(ctx context.Context, entry *models.HoneypotEntry) error
	Contains(ctx context.Context, subnet string, nowMs int64) (bool, error)
	PurgeExpired(ctx context.Context, nowMs int64) (int64, error)
}

// AsnBlocklistRepository tracks zero-tolerance ASNs.
type AsnBlocklistRepository interface {
	Contains(ctx context.Context, asn int64) (bool, error)
	Add(ctx context.Context, entry *models.AsnBlocklistEntry) error
	List(ctx context.Context) ([]models.AsnBlocklistEntry, error)
}

// CallerIdRouteRepository manages caller-ID routing entries.
type CallerIdRouteRepository interface {
	Create(ctx context.Context, route *models.CallerIdRoute) error
	GetByID(ctx context.Context, id int64) (*models.CallerIdRoute, error)
	ListEnabled(ctx context.Context, channel string) ([]models.CallerIdRoute, error)
	List(ctx context.Context) ([]models.CallerIdRoute, error)
	Update(ctx context.Context, route *models.CallerIdRoute) error
	Delete(ctx context.Context, id int64) error
}

// WhitelistRepository manages fraud whitelist entries.
type WhitelistRepository interface {
	Contains(ctx context.Context, entryType, value string) (bool, error)
	Add(ctx context.Context, entry *models.WhitelistEntry) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]models.WhitelistEntry, error)
}

// CdrRepository stores carrier billing records.
type CdrRepository interface {
	BulkInsert(ctx context.Context, records []models.CdrRecord) error
	ListUnprocessed(ctx context.Context, limit int) ([]models.CdrRecord, error)
	MarkProcessed(ctx context.Context, ids []int64) error
}

// CarrierRateRepository stores learned per-prefix rates.
type CarrierRateRepository interface {
	// Get returns the rate for the exact (channel, dstPrefix, srcPrefix) key.
	// srcPrefix may be nil.
	Get(ctx context.Context, channel, dstPrefix string, srcPrefix *string) (*models.CarrierRate, error)
	Upsert(ctx context.Context, rate *models.CarrierRate) error
	// Lookup walks the dst prefix hierarchy from longest to length 1,
	// preferring a matching src_prefix over NULL at each level.
	Lookup(ctx context.Context, channel, dstPrefix, srcPrefix string) (*models.CarrierRate, error)
	Count(ctx context.Context) (int64, error)
}

// FraudSavingRepository is the blocked-cost ledger.
type FraudSavingRepository interface {
	Add(ctx context.Context, saving *models.FraudSaving) error
	TotalSince(ctx context.Context, sinceMs int64) (int64, error)
}

// WebhookLogRepository records webhook delivery attempts.
type WebhookLogRepository interface {
	Append(ctx context.Context, log *models.WebhookLog) error
	ListByRequest(ctx context.Context, requestID string) ([]models.WebhookLog, error)
	HasDelivered(ctx context.Context, requestID string) (bool, error)
	// ListUndelivered returns request ids with at least one attempt and no
	// delivered attempt, for the startup recovery scan.
	ListUndelivered(ctx context.Context) ([]string, error)
	// CountAttempts returns delivered and failed attempt totals.
	CountAttempts(ctx context.Context) (delivered, failed int64, err error)
}

// AuthFeedbackRepository records verification outcomes, once per request.
type AuthFeedbackRepository interface {
	Create(ctx context.Context, fb *models.AuthFeedback) error
	GetByRequest(ctx context.Context, requestID string) (*models.AuthFeedback, error)
}

// Repositories bundles every repository over one database handle.
type Repositories struct {
	Requests     OtpRequestRepository
	Events       OtpEventRepository
	IpReputation IpReputationRepository
	PrefixRep    PrefixReputationRepository
	Breakers     CircuitBreakerRepository
	Honeypot     HoneypotRepository
	AsnBlocklist AsnBlocklistRepository
	Routes       CallerIdRouteRepository
	Whitelist    WhitelistRepository
	Cdrs         CdrRepository
	Rates        CarrierRateRepository
	Savings      FraudSavingRepository
	WebhookLogs  WebhookLogRepository
	AuthFeedback AuthFeedbackRepository
}

// NewRepositories wires all repositories over the given database.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Requests:     NewOtpRequestRepository(db),
		Events:       NewOtpEventRepository(db),
		IpReputation: NewIpReputationRepository(db),
		PrefixRep:    NewPrefixReputationRepository(db),
		Breakers:     NewCircuitBreakerRepository(db),
		Honeypot:     NewHoneypotRepository(db),
		AsnBlocklist: NewAsnBlocklistRepository(db),
		Routes:       NewCallerIdRouteRepository(db),
		Whitelist:    NewWhitelistRepository(db),
		Cdrs:         NewCdrRepository(db),
		Rates:        NewCarrierRateRepository(db),
		Savings:      NewFraudSavingRepository(db),
		WebhookLogs:  NewWebhookLogRepository(db),
		AuthFeedback: NewAuthFeedbackRepository(db),
	}
}
