package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

// Score weights for soft signals.
const (
	weightUnresolvedASN   = 40
	weightGeoMismatch     = 15
	weightSubnetBurst     = 25
	weightPhoneBurst      = 20
	weightLowPrefixRate   = 20
	weightLowSubnetTrust  = 15
	shadowBanThreshold    = 80
	honeypotThreshold     = 50
	lowTrustScore         = 0.1
	lowTrustMinTotal      = 10
	banAfterFailedMin     = 5
)

// EngineConfig tunes the soft-signal thresholds.
type EngineConfig struct {
	// ShadowUnresolvedASN treats an unresolvable ASN as a strong bot signal.
	ShadowUnresolvedASN bool
	// SubnetBurstLimit is the request count per subnet within BurstWindow
	// that triggers the burst signal.
	SubnetBurstLimit int64
	// PhoneBurstLimit is the request count to one phone within BurstWindow.
	PhoneBurstLimit int64
	// BurstWindow is the sliding window for both burst counters.
	BurstWindow time.Duration
	// PrefixRateThreshold flags prefixes whose verification rate over
	// PrefixRateWindow is below this value.
	PrefixRateThreshold float64
	// PrefixRateMinAttempts is the minimum sample size before the prefix
	// verification signal applies.
	PrefixRateMinAttempts int64
	// PrefixRateWindow is the lookback for prefix verification rates.
	PrefixRateWindow time.Duration
	// HoneypotTTL is how long a mid-score request keeps its subnet in the
	// honeypot.
	HoneypotTTL time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ShadowUnresolvedASN:   false,
		SubnetBurstLimit:      10,
		PhoneBurstLimit:       3,
		BurstWindow:           10 * time.Minute,
		PrefixRateThreshold:   0.2,
		PrefixRateMinAttempts: 10,
		PrefixRateWindow:      24 * time.Hour,
		HoneypotTTL:           time.Hour,
	}
}

// Input is one admission decision request.
type Input struct {
	Phone     string // E.164
	IP        string
	SessionID string
	// Channel is the first requested channel; its breaker is the hard blocker.
	Channel string
}

// Assessment is the fraud engine verdict plus the normalized request facts
// the dispatcher persists on the record.
type Assessment struct {
	Score        int
	Reasons      []string
	Shadow       bool
	IPSubnet     string
	ASN          *int64
	IPCountry    string
	PhoneCountry string
	PhonePrefix  string
}

// Engine scores admission requests and maintains reputation state.
type Engine struct {
	cfg       EngineConfig
	whitelist database.WhitelistRepository
	honeypot  database.HoneypotRepository
	ipRep     database.IpReputationRepository
	prefixRep database.PrefixReputationRepository
	asnBlock  database.AsnBlocklistRepository
	requests  database.OtpRequestRepository
	breaker   *Breaker
	resolver  AsnResolver
	logger    *slog.Logger
}

// NewEngine wires the engine over its repositories. resolver may be nil
// when no ASN data source is configured.
func NewEngine(cfg EngineConfig, repos *database.Repositories, breaker *Breaker, resolver AsnResolver, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		whitelist: repos.Whitelist,
		honeypot:  repos.Honeypot,
		ipRep:     repos.IpReputation,
		prefixRep: repos.PrefixRep,
		asnBlock:  repos.AsnBlocklist,
		requests:  repos.Requests,
		breaker:   breaker,
		resolver:  resolver,
		logger:    logger.With("subsystem", "fraud"),
	}
}

// Breaker exposes the engine's circuit breaker so providers can report
// send outcomes against channel keys.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// Evaluate runs the admission pipeline. It always increments the subnet's
// total counter; an admitted request also touches the phone prefix counter.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Assessment, error) {
	a := &Assessment{}

	subnet, err := SubnetFor(in.IP)
	if err != nil {
		return nil, fmt.Errorf("normalizing ip: %w", err)
	}
	a.IPSubnet = subnet

	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, fmt.Errorf("normalizing phone: %w", err)
	}
	a.PhoneCountry = phone.Country
	a.PhonePrefix = phone.Prefix

	if e.resolver != nil {
		if info, ok := e.resolver.Resolve(in.IP); ok {
			asn := info.ASN
			a.ASN = &asn
			a.IPCountry = info.Country
		}
	}

	// Every admission attempt counts against the subnet, blocked or not.
	if err := e.ipRep.IncrementTotal(ctx, subnet); err != nil {
		return nil, fmt.Errorf("touching subnet reputation: %w", err)
	}

	// Whitelist short-circuits everything.
	if hit, err := e.whitelisted(ctx, in.IP, in.Phone); err != nil {
		return nil, err
	} else if hit {
		a.Reasons = append(a.Reasons, "whitelisted")
		return a, nil
	}

	// Hard blockers: any hit shadow-bans outright.
	if blocked, reason, err := e.hardBlocked(ctx, subnet, a.ASN, in.Channel); err != nil {
		return nil, err
	} else if blocked {
		a.Shadow = true
		a.Score = 100
		a.Reasons = append(a.Reasons, reason)
		return a, nil
	}

	if err := e.scoreSoftSignals(ctx, in, phone, subnet, a); err != nil {
		return nil, err
	}

	if a.Score >= shadowBanThreshold {
		a.Shadow = true
	} else if a.Score >= honeypotThreshold {
		expiry := database.NowMillis() + e.cfg.HoneypotTTL.Milliseconds()
		if err := e.honeypot.Add(ctx, &models.HoneypotEntry{
			Subnet:    subnet,
			Reason:    fmt.Sprintf("score %d", a.Score),
			ExpiresAt: &expiry,
		}); err != nil {
			return nil, fmt.Errorf("adding honeypot entry: %w", err)
		}
		e.logger.Info("subnet honeypotted", "subnet", subnet, "score", a.Score)
	}

	if !a.Shadow {
		if err := e.prefixRep.IncrementTotal(ctx, phone.Prefix); err != nil {
			return nil, fmt.Errorf("touching prefix reputation: %w", err)
		}
	}

	return a, nil
}

func (e *Engine) whitelisted(ctx context.Context, ip, phone string) (bool, error) {
	hit, err := e.whitelist.Contains(ctx, models.WhitelistIP, ip)
	if err != nil {
		return false, fmt.Errorf("checking ip whitelist: %w", err)
	}
	if hit {
		return true, nil
	}
	hit, err = e.whitelist.Contains(ctx, models.WhitelistPhone, phone)
	if err != nil {
		return false, fmt.Errorf("checking phone whitelist: %w", err)
	}
	return hit, nil
}

func (e *Engine) hardBlocked(ctx context.Context, subnet string, asn *int64, channel string) (bool, string, error) {
	now := database.NowMillis()

	if hit, err := e.honeypot.Contains(ctx, subnet, now); err != nil {
		return false, "", fmt.Errorf("checking honeypot: %w", err)
	} else if hit {
		return true, "honeypot_subnet", nil
	}

	rep, err := e.ipRep.Get(ctx, subnet)
	if err != nil {
		return false, "", fmt.Errorf("loading subnet reputation: %w", err)
	}
	if rep != nil && rep.Banned {
		return true, "banned_subnet", nil
	}

	if asn != nil {
		if hit, err := e.asnBlock.Contains(ctx, *asn); err != nil {
			return false, "", fmt.Errorf("checking asn blocklist: %w", err)
		} else if hit {
			return true, "asn_blocklist", nil
		}
	}

	if channel != "" {
		open, err := e.breaker.IsOpen(ctx, "channel:"+channel)
		if err != nil {
			return false, "", err
		}
		if open {
			return true, "circuit_open:" + channel, nil
		}
	}

	return false, "", nil
}

func (e *Engine) scoreSoftSignals(ctx context.Context, in Input, phone PhoneInfo, subnet string, a *Assessment) error {
	if a.ASN == nil && e.cfg.ShadowUnresolvedASN {
		a.Score += weightUnresolvedASN
		a.Reasons = append(a.Reasons, "unresolved_asn")
	}

	if a.IPCountry != "" && a.PhoneCountry != "" && a.IPCountry != a.PhoneCountry {
		a.Score += weightGeoMismatch
		a.Reasons = append(a.Reasons, "geo_mismatch")
	}

	windowMs := e.cfg.BurstWindow.Milliseconds()
	subnetCount, err := e.requests.CountBySubnetSince(ctx, subnet, windowMs)
	if err != nil {
		return fmt.Errorf("counting subnet burst: %w", err)
	}
	if subnetCount >= e.cfg.SubnetBurstLimit {
		a.Score += weightSubnetBurst
		a.Reasons = append(a.Reasons, "subnet_burst")
	}

	phoneCount, err := e.requests.CountByPhoneSince(ctx, in.Phone, windowMs)
	if err != nil {
		return fmt.Errorf("counting phone burst: %w", err)
	}
	if phoneCount >= e.cfg.PhoneBurstLimit {
		a.Score += weightPhoneBurst
		a.Reasons = append(a.Reasons, "phone_burst")
	}

	total, verified, err := e.prefixRep.VerificationStats(ctx, phone.Prefix, e.cfg.PrefixRateWindow.Milliseconds())
	if err != nil {
		return fmt.Errorf("loading prefix verification stats: %w", err)
	}
	if total >= e.cfg.PrefixRateMinAttempts &&
		float64(verified)/float64(total) < e.cfg.PrefixRateThreshold {
		a.Score += weightLowPrefixRate
		a.Reasons = append(a.Reasons, "low_prefix_verification")
	}

	rep, err := e.ipRep.Get(ctx, subnet)
	if err != nil {
		return fmt.Errorf("loading subnet trust: %w", err)
	}
	if rep != nil && rep.Total >= lowTrustMinTotal && rep.TrustScore < lowTrustScore {
		a.Score += weightLowSubnetTrust
		a.Reasons = append(a.Reasons, "low_subnet_trust")
	}

	return nil
}

// NoteAuthResult feeds a verification outcome back into reputation and the
// per-channel breaker. Repeated failures from a low-trust subnet get it
// banned outright.
func (e *Engine) NoteAuthResult(ctx context.Context, req *models.OtpRequest, success bool) error {
	channelKey := ""
	if req.ChosenChannel != nil {
		channelKey = "channel:" + *req.ChosenChannel
	}

	if success {
		if err := e.ipRep.RecordVerified(ctx, req.IPSubnet); err != nil {
			return fmt.Errorf("recording subnet verification: %w", err)
		}
		if err := e.prefixRep.RecordVerified(ctx, req.PhonePrefix); err != nil {
			return fmt.Errorf("recording prefix verification: %w", err)
		}
		if channelKey != "" {
			if err := e.breaker.RecordSuccess(ctx, channelKey); err != nil {
				return err
			}
		}
		return nil
	}

	if err := e.ipRep.RecordFailed(ctx, req.IPSubnet); err != nil {
		return fmt.Errorf("recording subnet failure: %w", err)
	}
	if err := e.prefixRep.RecordFailed(ctx, req.PhonePrefix); err != nil {
		return fmt.Errorf("recording prefix failure: %w", err)
	}
	if channelKey != "" {
		if err := e.breaker.RecordFailure(ctx, channelKey); err != nil {
			return err
		}
	}

	rep, err := e.ipRep.Get(ctx, req.IPSubnet)
	if err != nil {
		return fmt.Errorf("loading subnet reputation: %w", err)
	}
	if rep != nil && rep.Failed >= banAfterFailedMin && rep.TrustScore < lowTrustScore {
		if err := e.ipRep.Ban(ctx, req.IPSubnet, "repeated failed verifications"); err != nil {
			return fmt.Errorf("banning subnet: %w", err)
		}
		e.logger.Warn("subnet banned", "subnet", req.IPSubnet, "failed", rep.Failed)
	}

	return nil
}
