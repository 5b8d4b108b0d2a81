package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the otpgate server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	APISecret     string // shared secret required on /send-otp
	JWTSecret     string // hex-encoded 32-byte secret for admin JWT signing
	AdminUser     string
	AdminPassword string

	// SMS carrier (JSON:API transport).
	SmsAPIURL      string
	SmsUsername    string
	SmsPassword    string
	SmsTemplate    string // message template, {code} substituted
	SmsCallbackURL string // public URL for carrier DLR callbacks

	// Voice gateway.
	AmiAddress string // host:port of the Asterisk manager interface
	AmiUser    string
	AmiSecret  string
	VoiceTrunk string // PJSIP endpoint name for outbound calls
	PAIHost    string // host part of the P-Asserted-Identity URI
	TrunkHost  string // carrier SIP host probed with OPTIONS
	TrunkPort  int

	Failover            bool   // try the next requested channel after a failure
	ShadowUnresolvedASN bool   // treat unresolvable ASNs as a strong fraud signal
	AsnTablePath        string // optional CSV of subnet,asn pairs

	RateLimitRPS   float64 // per-IP request rate on /send-otp
	RateLimitBurst int
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultSmsTemplate    = "Your verification code is {code}"
	defaultTrunkPort      = 5060
	defaultAdminUser      = "admin"
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
)

// envPrefix is the prefix for all otpgate environment variables.
const envPrefix = "OTPGATE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("otpgate", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "shared secret required on /send-otp")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.AdminUser, "admin-user", defaultAdminUser, "admin login username")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "admin login password (admin API disabled if empty)")
	fs.StringVar(&cfg.SmsAPIURL, "sms-api-url", "", "SMS carrier API base URL (SMS channel disabled if empty)")
	fs.StringVar(&cfg.SmsUsername, "sms-username", "", "SMS carrier API username")
	fs.StringVar(&cfg.SmsPassword, "sms-password", "", "SMS carrier API password")
	fs.StringVar(&cfg.SmsTemplate, "sms-template", defaultSmsTemplate, "SMS body template, {code} is substituted")
	fs.StringVar(&cfg.SmsCallbackURL, "sms-callback-url", "", "public URL for carrier delivery report callbacks")
	fs.StringVar(&cfg.AmiAddress, "ami-address", "", "host:port of the Asterisk manager interface (voice channel disabled if empty)")
	fs.StringVar(&cfg.AmiUser, "ami-user", "", "AMI username")
	fs.StringVar(&cfg.AmiSecret, "ami-secret", "", "AMI secret")
	fs.StringVar(&cfg.VoiceTrunk, "voice-trunk", "", "PJSIP endpoint name for outbound OTP calls")
	fs.StringVar(&cfg.PAIHost, "pai-host", "", "host part of the P-Asserted-Identity URI on outbound calls")
	fs.StringVar(&cfg.TrunkHost, "trunk-host", "", "carrier SIP host probed with OPTIONS for voice health")
	fs.IntVar(&cfg.TrunkPort, "trunk-port", defaultTrunkPort, "carrier SIP port")
	fs.BoolVar(&cfg.Failover, "failover", true, "try the next requested channel after a delivery failure")
	fs.BoolVar(&cfg.ShadowUnresolvedASN, "shadow-unresolved-asn", false, "score unresolvable ASNs as a strong fraud signal")
	fs.StringVar(&cfg.AsnTablePath, "asn-table", "", "path to a CSV of subnet,asn pairs for ASN resolution")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", defaultRateLimitRPS, "per-IP sustained request rate on /send-otp")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", defaultRateLimitBurst, "per-IP burst size on /send-otp")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
		"api-secret":            envPrefix + "API_SECRET",
		"jwt-secret":            envPrefix + "JWT_SECRET",
		"admin-user":            envPrefix + "ADMIN_USER",
		"admin-password":        envPrefix + "ADMIN_PASSWORD",
		"sms-api-url":           envPrefix + "SMS_API_URL",
		"sms-username":          envPrefix + "SMS_USERNAME",
		"sms-password":          envPrefix + "SMS_PASSWORD",
		"sms-template":          envPrefix + "SMS_TEMPLATE",
		"sms-callback-url":      envPrefix + "SMS_CALLBACK_URL",
		"ami-address":           envPrefix + "AMI_ADDRESS",
		"ami-user":              envPrefix + "AMI_USER",
		"ami-secret":            envPrefix + "AMI_SECRET",
		"voice-trunk":           envPrefix + "VOICE_TRUNK",
		"pai-host":              envPrefix + "PAI_HOST",
		"trunk-host":            envPrefix + "TRUNK_HOST",
		"trunk-port":            envPrefix + "TRUNK_PORT",
		"failover":              envPrefix + "FAILOVER",
		"shadow-unresolved-asn": envPrefix + "SHADOW_UNRESOLVED_ASN",
		"asn-table":             envPrefix + "ASN_TABLE",
		"rate-limit-rps":        envPrefix + "RATE_LIMIT_RPS",
		"rate-limit-burst":      envPrefix + "RATE_LIMIT_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-secret":
			cfg.APISecret = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "admin-user":
			cfg.AdminUser = val
		case "admin-password":
			cfg.AdminPassword = val
		case "sms-api-url":
			cfg.SmsAPIURL = val
		case "sms-username":
			cfg.SmsUsername = val
		case "sms-password":
			cfg.SmsPassword = val
		case "sms-template":
			cfg.SmsTemplate = val
		case "sms-callback-url":
			cfg.SmsCallbackURL = val
		case "ami-address":
			cfg.AmiAddress = val
		case "ami-user":
			cfg.AmiUser = val
		case "ami-secret":
			cfg.AmiSecret = val
		case "voice-trunk":
			cfg.VoiceTrunk = val
		case "pai-host":
			cfg.PAIHost = val
		case "trunk-host":
			cfg.TrunkHost = val
		case "trunk-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TrunkPort = v
			}
		case "failover":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Failover = v
			}
		case "shadow-unresolved-asn":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.ShadowUnresolvedASN = v
			}
		case "asn-table":
			cfg.AsnTablePath = val
		case "rate-limit-rps":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimitRPS = v
			}
		case "rate-limit-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.TrunkPort < 1 || c.TrunkPort > 65535 {
		return fmt.Errorf("trunk-port must be between 1 and 65535, got %d", c.TrunkPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.SmsAPIURL != "" && (c.SmsUsername == "" || c.SmsPassword == "") {
		return fmt.Errorf("sms-username and sms-password are required when sms-api-url is set")
	}
	if c.AmiAddress != "" {
		if c.AmiUser == "" || c.AmiSecret == "" {
			return fmt.Errorf("ami-user and ami-secret are required when ami-address is set")
		}
		if c.VoiceTrunk == "" {
			return fmt.Errorf("voice-trunk is required when ami-address is set")
		}
	}
	if !strings.Contains(c.SmsTemplate, "{code}") {
		return fmt.Errorf("sms-template must contain {code}")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate-limit-rps must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("rate-limit-burst must be at least 1, got %d", c.RateLimitBurst)
	}

	return nil
}

// SmsEnabled reports whether the SMS channel is configured.
func (c *Config) SmsEnabled() bool { return c.SmsAPIURL != "" }

// VoiceEnabled reports whether the voice channel is configured.
func (c *Config) VoiceEnabled() bool { return c.AmiAddress != "" }

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
