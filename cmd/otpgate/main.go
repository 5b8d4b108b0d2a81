package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otpgate/otpgate/internal/ami"
	"github.com/otpgate/otpgate/internal/api"
	"github.com/otpgate/otpgate/internal/bus"
	"github.com/otpgate/otpgate/internal/calltracker"
	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/dispatch"
	"github.com/otpgate/otpgate/internal/fraud"
	"github.com/otpgate/otpgate/internal/lifecycle"
	"github.com/otpgate/otpgate/internal/metrics"
	"github.com/otpgate/otpgate/internal/provider"
	"github.com/otpgate/otpgate/internal/rates"
	"github.com/otpgate/otpgate/internal/routing"
	"github.com/otpgate/otpgate/internal/sipprobe"
	"github.com/otpgate/otpgate/internal/webhook"
)

const (
	sweepInterval  = 30 * time.Second
	learnInterval  = time.Minute
	shadowBaseWait = 2 * time.Second
)

func main() {
	// .env is a development convenience; production uses real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting otpgate",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"sms", cfg.SmsEnabled(),
		"voice", cfg.VoiceEnabled(),
		"failover", cfg.Failover,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	repos := database.NewRepositories(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	eventBus := bus.New(logger)

	// Fraud engine and its optional ASN data source.
	var resolver fraud.AsnResolver
	if cfg.AsnTablePath != "" {
		table, err := fraud.LoadAsnTable(cfg.AsnTablePath)
		if err != nil {
			slog.Error("failed to load asn table", "path", cfg.AsnTablePath, "error", err)
			os.Exit(1)
		}
		resolver = table
	}
	engineCfg := fraud.DefaultEngineConfig()
	engineCfg.ShadowUnresolvedASN = cfg.ShadowUnresolvedASN
	breaker := fraud.NewBreaker(repos.Breakers, fraud.DefaultBreakerConfig(), logger)
	engine := fraud.NewEngine(engineCfg, repos, breaker, resolver, logger)

	// Caller-ID routing table, cached in memory.
	router := routing.NewRouter(repos.Routes, logger)
	if err := router.Reload(appCtx); err != nil {
		slog.Error("failed to load caller-id routes", "error", err)
		os.Exit(1)
	}

	// Channel providers.
	var providers []provider.Provider
	var voiceGateway api.ConnectionReporter
	var trunkHealth api.TrunkReporter
	var tracker *calltracker.Tracker

	if cfg.SmsEnabled() {
		sms := provider.NewSMS(provider.SMSConfig{
			APIURL:      cfg.SmsAPIURL,
			Username:    cfg.SmsUsername,
			Password:    cfg.SmsPassword,
			Template:    cfg.SmsTemplate,
			CallbackURL: cfg.SmsCallbackURL,
		}, router, eventBus, logger)
		providers = append(providers, sms)
	}

	if cfg.VoiceEnabled() {
		amiClient := ami.NewClient(ami.Config{
			Address:  cfg.AmiAddress,
			Username: cfg.AmiUser,
			Secret:   cfg.AmiSecret,
		}, logger)
		go amiClient.Run(appCtx)
		voiceGateway = amiClient

		var health provider.TrunkHealth
		if cfg.TrunkHost != "" {
			ua, err := sipgo.NewUA()
			if err != nil {
				slog.Error("failed to create sip user agent", "error", err)
				os.Exit(1)
			}
			probe, err := sipprobe.New(ua, sipprobe.Config{
				Host: cfg.TrunkHost,
				Port: cfg.TrunkPort,
			}, logger)
			if err != nil {
				slog.Error("failed to create trunk probe", "error", err)
				os.Exit(1)
			}
			go probe.Run(appCtx)
			health = probe
			trunkHealth = probe
		}

		tracker = calltracker.New()
		voice := provider.NewVoice(provider.VoiceConfig{
			Trunk:   cfg.VoiceTrunk,
			PAIHost: cfg.PAIHost,
		}, router, amiClient, health, tracker, eventBus, logger)
		go voice.RunEventLoop(appCtx, amiClient.Subscribe())
		providers = append(providers, voice)
	}

	if len(providers) == 0 {
		slog.Warn("no delivery channel configured, all sends will be rejected")
	}

	// Webhook delivery and the lifecycle state machine. The state machine is
	// the synchronous bus handler, so the event log and status projection stay
	// ordered per request.
	webhooks := webhook.New(repos.WebhookLogs, repos.Requests, logger)
	sm := lifecycle.New(repos, engine, webhooks, logger)
	eventBus.Handle(sm.HandleEvent)
	go sm.RunSweeper(appCtx, sweepInterval)

	// Rate learner doubles as the cost estimator for fraud savings.
	learner := rates.NewLearner(repos.Cdrs, repos.Rates, logger)
	go learner.Run(appCtx, learnInterval)

	dispatcher := dispatch.New(repos, engine, providers, eventBus,
		dispatch.NewSimulator(eventBus, shadowBaseWait), learner, cfg.Failover, logger)

	// Re-enqueue webhooks that never got through before the last shutdown.
	if err := webhooks.RecoverPending(appCtx); err != nil {
		slog.Error("failed to recover pending webhooks", "error", err)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}

	// Prometheus metrics over a dedicated registry.
	var activeCalls metrics.ActiveCallsProvider
	if tracker != nil {
		activeCalls = tracker
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		repos.Requests, repos.Breakers, repos.WebhookLogs,
		repos.Rates, repos.Savings, activeCalls, time.Now(),
	))

	handler := api.NewServer(api.Deps{
		Config:       cfg,
		Repos:        repos,
		Dispatcher:   dispatcher,
		Lifecycle:    sm,
		Routes:       router,
		Bus:          eventBus,
		JWTSecret:    jwtSecret,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		VoiceGateway: voiceGateway,
		TrunkHealth:  trunkHealth,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: stop intake, flush in-flight work, then close the
	// bus and webhook queues so nothing is lost mid-pipeline.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	handler.Close()
	dispatcher.Drain()
	eventBus.Close()
	if err := webhooks.Close(ctx); err != nil {
		slog.Error("webhook shutdown error", "error", err)
	}

	slog.Info("otpgate stopped")
}
