package fraud

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.SubnetBurstLimit = 2
	cfg.PhoneBurstLimit = 2
	cfg.BurstWindow = time.Minute
	cfg.PrefixRateMinAttempts = 3
	return cfg
}

func testEngine(t *testing.T, cfg EngineConfig, resolver AsnResolver) (*Engine, *database.Repositories) {
	t.Helper()
	repos := testRepos(t)
	breaker := NewBreaker(repos.Breakers, DefaultBreakerConfig(), testLogger())
	return NewEngine(cfg, repos, breaker, resolver, testLogger()), repos
}

// seedRequest inserts a minimal admitted request so burst counters see it.
func seedRequest(t *testing.T, repos *database.Repositories, id, phone, subnet string) {
	t.Helper()
	now := database.NowMillis()
	err := repos.Requests.Create(context.Background(), &models.OtpRequest{
		ID:                id,
		Phone:             phone,
		PhonePrefix:       "1415",
		PhoneCountry:      "US",
		Status:            models.StatusPending,
		ChannelsRequested: `["sms"]`,
		FraudReasons:      "[]",
		ClientIP:          "203.0.113.7",
		IPSubnet:          subnet,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now + 300_000,
	})
	if err != nil {
		t.Fatalf("seeding request: %v", err)
	}
}

func TestEvaluateCleanRequest(t *testing.T) {
	resolver := NewStaticAsnResolver()
	resolver.Add("203.0.113.0/24", AsnInfo{ASN: 64500, Country: "US"})
	e, repos := testEngine(t, testEngineConfig(), resolver)

	a, err := e.Evaluate(context.Background(), Input{
		Phone:   "+14155550123",
		IP:      "203.0.113.7",
		Channel: "sms",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Shadow || a.Score != 0 {
		t.Errorf("clean request: shadow=%v score=%d reasons=%v", a.Shadow, a.Score, a.Reasons)
	}
	if a.IPSubnet != "203.0.113.0/24" {
		t.Errorf("IPSubnet = %q", a.IPSubnet)
	}
	if a.PhoneCountry != "US" || a.PhonePrefix != "1415" {
		t.Errorf("phone facts = %q/%q", a.PhoneCountry, a.PhonePrefix)
	}
	if a.ASN == nil || *a.ASN != 64500 || a.IPCountry != "US" {
		t.Errorf("asn facts = %v/%q", a.ASN, a.IPCountry)
	}

	// Every evaluation touches the subnet counter; admits touch the prefix.
	rep, err := repos.IpReputation.Get(context.Background(), "203.0.113.0/24")
	if err != nil || rep == nil || rep.Total != 1 {
		t.Errorf("subnet reputation after evaluate: %+v, %v", rep, err)
	}
	prep, err := repos.PrefixRep.Get(context.Background(), "1415")
	if err != nil || prep == nil || prep.Total != 1 {
		t.Errorf("prefix reputation after evaluate: %+v, %v", prep, err)
	}
}

func TestEvaluateWhitelistShortCircuit(t *testing.T) {
	e, repos := testEngine(t, testEngineConfig(), nil)
	ctx := context.Background()

	// Even a honeypotted subnet passes when the IP is whitelisted.
	if err := repos.Honeypot.Add(ctx, &models.HoneypotEntry{Subnet: "203.0.113.0/24", Reason: "test"}); err != nil {
		t.Fatal(err)
	}
	if err := repos.Whitelist.Add(ctx, &models.WhitelistEntry{Type: models.WhitelistIP, Value: "203.0.113.7"}); err != nil {
		t.Fatal(err)
	}

	a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Shadow || a.Score != 0 {
		t.Errorf("whitelisted request flagged: shadow=%v score=%d", a.Shadow, a.Score)
	}
	if !slices.Contains(a.Reasons, "whitelisted") {
		t.Errorf("reasons = %v, want whitelisted", a.Reasons)
	}
}

func TestEvaluateHardBlockers(t *testing.T) {
	ctx := context.Background()

	t.Run("honeypot", func(t *testing.T) {
		e, repos := testEngine(t, testEngineConfig(), nil)
		if err := repos.Honeypot.Add(ctx, &models.HoneypotEntry{Subnet: "203.0.113.0/24", Reason: "test"}); err != nil {
			t.Fatal(err)
		}
		a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
		if err != nil {
			t.Fatal(err)
		}
		if !a.Shadow || a.Score != 100 || !slices.Contains(a.Reasons, "honeypot_subnet") {
			t.Errorf("honeypot verdict: %+v", a)
		}
	})

	t.Run("banned subnet", func(t *testing.T) {
		e, repos := testEngine(t, testEngineConfig(), nil)
		if err := repos.IpReputation.Ban(ctx, "203.0.113.0/24", "test"); err != nil {
			t.Fatal(err)
		}
		a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
		if err != nil {
			t.Fatal(err)
		}
		if !a.Shadow || !slices.Contains(a.Reasons, "banned_subnet") {
			t.Errorf("banned subnet verdict: %+v", a)
		}
	})

	t.Run("asn blocklist", func(t *testing.T) {
		resolver := NewStaticAsnResolver()
		resolver.Add("203.0.113.0/24", AsnInfo{ASN: 64500, Country: "US"})
		e, repos := testEngine(t, testEngineConfig(), resolver)
		if err := repos.AsnBlocklist.Add(ctx, &models.AsnBlocklistEntry{ASN: 64500, Provider: "botnet-co", Category: "hosting"}); err != nil {
			t.Fatal(err)
		}
		a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
		if err != nil {
			t.Fatal(err)
		}
		if !a.Shadow || !slices.Contains(a.Reasons, "asn_blocklist") {
			t.Errorf("blocklisted asn verdict: %+v", a)
		}
	})

	t.Run("open channel breaker", func(t *testing.T) {
		e, _ := testEngine(t, testEngineConfig(), nil)
		for i := 0; i < int(DefaultBreakerConfig().FailureThreshold); i++ {
			if err := e.Breaker().RecordFailure(ctx, "channel:voice"); err != nil {
				t.Fatal(err)
			}
		}
		a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "voice"})
		if err != nil {
			t.Fatal(err)
		}
		if !a.Shadow || !slices.Contains(a.Reasons, "circuit_open:voice") {
			t.Errorf("open breaker verdict: %+v", a)
		}
	})
}

func TestEvaluateGeoMismatch(t *testing.T) {
	resolver := NewStaticAsnResolver()
	resolver.Add("203.0.113.0/24", AsnInfo{ASN: 64500, Country: "DE"})
	e, _ := testEngine(t, testEngineConfig(), resolver)

	a, err := e.Evaluate(context.Background(), Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Score != weightGeoMismatch || !slices.Contains(a.Reasons, "geo_mismatch") {
		t.Errorf("geo mismatch: score=%d reasons=%v", a.Score, a.Reasons)
	}
	if a.Shadow {
		t.Error("geo mismatch alone must not shadow-ban")
	}
}

func TestEvaluateBurstSignals(t *testing.T) {
	e, repos := testEngine(t, testEngineConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		seedRequest(t, repos, fmt.Sprintf("burst-%d", i), "+14155550123", "203.0.113.0/24")
	}

	a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(a.Reasons, "subnet_burst") || !slices.Contains(a.Reasons, "phone_burst") {
		t.Fatalf("reasons = %v, want both burst signals", a.Reasons)
	}
	if a.Score != weightSubnetBurst+weightPhoneBurst {
		t.Errorf("score = %d, want %d", a.Score, weightSubnetBurst+weightPhoneBurst)
	}
}

func TestEvaluateMidScoreHoneypotsSubnet(t *testing.T) {
	// geo mismatch (15) + subnet burst (25) + phone burst (20) = 60, which is
	// above the honeypot threshold but below the shadow threshold.
	resolver := NewStaticAsnResolver()
	resolver.Add("203.0.113.0/24", AsnInfo{ASN: 64500, Country: "DE"})
	e, repos := testEngine(t, testEngineConfig(), resolver)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		seedRequest(t, repos, fmt.Sprintf("mid-%d", i), "+14155550123", "203.0.113.0/24")
	}

	a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Shadow {
		t.Fatalf("score %d must not shadow-ban", a.Score)
	}
	if a.Score < honeypotThreshold || a.Score >= shadowBanThreshold {
		t.Fatalf("score = %d, want in [%d, %d)", a.Score, honeypotThreshold, shadowBanThreshold)
	}

	hit, err := repos.Honeypot.Contains(ctx, "203.0.113.0/24", database.NowMillis())
	if err != nil || !hit {
		t.Fatalf("subnet not honeypotted: %v, %v", hit, err)
	}

	// The next request from the same subnet hits the honeypot hard blocker.
	a2, err := e.Evaluate(ctx, Input{Phone: "+19175550199", IP: "203.0.113.200", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if !a2.Shadow || !slices.Contains(a2.Reasons, "honeypot_subnet") {
		t.Errorf("follow-up verdict: %+v", a2)
	}
}

func TestEvaluateUnresolvedAsnPolicy(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ShadowUnresolvedASN = true
	e, repos := testEngine(t, cfg, NewStaticAsnResolver())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		seedRequest(t, repos, fmt.Sprintf("anon-%d", i), "+14155550123", "203.0.113.0/24")
	}

	// unresolved asn (40) + subnet burst (25) + phone burst (20) = 85.
	a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "203.0.113.7", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Shadow {
		t.Fatalf("score %d (reasons %v) did not shadow-ban", a.Score, a.Reasons)
	}
	if !slices.Contains(a.Reasons, "unresolved_asn") {
		t.Errorf("reasons = %v, want unresolved_asn", a.Reasons)
	}

	// Shadow-banned requests must not inflate the prefix admit counter.
	prep, err := repos.PrefixRep.Get(ctx, "1415")
	if err != nil {
		t.Fatal(err)
	}
	if prep != nil && prep.Total != 0 {
		t.Errorf("prefix total = %d, want 0 for shadow-banned request", prep.Total)
	}
}

func TestNoteAuthResult(t *testing.T) {
	e, repos := testEngine(t, testEngineConfig(), nil)
	ctx := context.Background()

	channel := "sms"
	req := &models.OtpRequest{
		IPSubnet:      "203.0.113.0/24",
		PhonePrefix:   "1415",
		ChosenChannel: &channel,
	}

	if err := e.NoteAuthResult(ctx, req, true); err != nil {
		t.Fatalf("NoteAuthResult(success): %v", err)
	}
	rep, err := repos.IpReputation.Get(ctx, "203.0.113.0/24")
	if err != nil || rep == nil {
		t.Fatalf("loading reputation: %v", err)
	}
	if rep.Verified != 1 || rep.Banned {
		t.Errorf("after success: %+v", rep)
	}
	prep, _ := repos.PrefixRep.Get(ctx, "1415")
	if prep == nil || prep.Verified != 1 {
		t.Errorf("prefix after success: %+v", prep)
	}

	if err := e.NoteAuthResult(ctx, req, false); err != nil {
		t.Fatalf("NoteAuthResult(failure): %v", err)
	}
	rep, _ = repos.IpReputation.Get(ctx, "203.0.113.0/24")
	if rep.Failed != 1 {
		t.Errorf("failed = %d, want 1", rep.Failed)
	}
	if rep.Banned {
		t.Error("one failure banned the subnet")
	}
}

func TestNoteAuthResultBansAbusiveSubnet(t *testing.T) {
	e, repos := testEngine(t, testEngineConfig(), nil)
	ctx := context.Background()

	req := &models.OtpRequest{IPSubnet: "198.51.100.0/24", PhonePrefix: "1415"}
	for i := 0; i < banAfterFailedMin; i++ {
		if err := e.NoteAuthResult(ctx, req, false); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := repos.IpReputation.Get(ctx, "198.51.100.0/24")
	if err != nil || rep == nil {
		t.Fatalf("loading reputation: %v", err)
	}
	if !rep.Banned {
		t.Fatalf("subnet not banned after %d failed verifications: %+v", banAfterFailedMin, rep)
	}

	// Banned subnets are hard-blocked on the next admission attempt.
	a, err := e.Evaluate(ctx, Input{Phone: "+14155550123", IP: "198.51.100.9", Channel: "sms"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Shadow || !slices.Contains(a.Reasons, "banned_subnet") {
		t.Errorf("post-ban verdict: %+v", a)
	}
}
