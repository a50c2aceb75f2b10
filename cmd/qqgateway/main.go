package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clawdbot/qqgateway/internal/config"
	"github.com/clawdbot/qqgateway/internal/dispatch"
	"github.com/clawdbot/qqgateway/internal/gateway"
	"github.com/clawdbot/qqgateway/internal/health"
	"github.com/clawdbot/qqgateway/internal/host"
	"github.com/clawdbot/qqgateway/internal/imageserver"
	"github.com/clawdbot/qqgateway/internal/metrics"
	"github.com/clawdbot/qqgateway/internal/qqapi"
	"github.com/clawdbot/qqgateway/internal/store"
	"github.com/clawdbot/qqgateway/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	accounts, err := cfg.LoadAccounts()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load accounts")
	}

	enabled := make([]config.Account, 0, len(accounts))
	for _, acct := range accounts {
		if !acct.Enabled {
			logger.Info().Str("account", acct.ID).Msg("account disabled — skipping")
			continue
		}
		if !acct.HasCredentials() {
			logger.Warn().Str("account", acct.ID).Msg("account has no usable credentials — skipping")
			continue
		}
		enabled = append(enabled, acct)
	}
	if len(enabled) == 0 {
		logger.Fatal().Msg("no enabled accounts; set QQBOT_ACCOUNTS_FILE or QQBOT_APP_ID/QQBOT_CLIENT_SECRET")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("accounts", len(enabled)).
		Str("pipeline_cmd", cfg.PipelineCommand).
		Msg("starting qq gateway")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Session state and the known-user roster share one database.
	db, err := store.New(filepath.Join(cfg.StateDir, "qqgateway.db"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state database")
	}

	sessions := gateway.NewSessionStore(db, logger)
	tokens := tokenstore.NewMemoryStore()
	m := metrics.New()

	// Daily retention sweep over sessions, the roster, and dead letters.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@daily", func() {
		if err := db.RunRetention(ctx); err != nil {
			logger.Warn().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}
	sweeper.Start()

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	// Health checker: database down blocks readiness, accounts mid-
	// reconnect only degrade it.
	checker := health.NewChecker(logger)
	checker.Register("db", health.PingCheck(func() error {
		_, err := db.DBSizeBytes()
		return err
	}))

	// Image server (optional): one instance serves embeds for every
	// account and carries the /metrics and /ready endpoints.
	var images *imageserver.Server
	needImages := cfg.ImageServerConfigured()
	for _, acct := range enabled {
		if acct.ImageBaseURL != "" {
			needImages = true
		}
	}
	if needImages {
		images, err = imageserver.New(imageserver.Config{
			Port: cfg.ImageServerPort,
			Dir:  cfg.ImageServerDir,
		}, m, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init image server")
		}
		images.MountHealth(checker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := images.Start(); err != nil {
				logger.Error().Err(err).Msg("image server error")
			}
		}()
	} else {
		logger.Info().Msg("image server not configured — skipping")
	}

	// One reply pipeline shared by every account.
	agentCLI := host.NewAgentCLI(host.AgentCLIConfig{
		Command:   cfg.PipelineCommand,
		Args:      cfg.PipelineArgs,
		Timeout:   cfg.PipelineTimeout,
		ConfigDir: cfg.ConfigDir,
	}, enabled, db, logger)

	gateways := make([]*gateway.Gateway, 0, len(enabled))
	for _, acct := range enabled {
		provider := qqapi.NewProvider(acct, tokens, logger)
		provider.SetMetrics(m)
		go provider.Run(ctx)

		client := qqapi.NewClient(acct, provider, logger)
		client.SetMetrics(m)

		dispatcher := dispatch.NewDispatcher(acct, client, logger)
		dispatcher.SetMetrics(m)
		dispatcher.SetDeadLetters(db)
		if images != nil && acct.ImageBaseURL != "" {
			dispatcher.SetImagePublisher(images)
		}

		runner := host.NewRunner(acct, agentCLI, dispatcher, logger)
		runner.SetMetrics(m)

		wg.Add(1)
		go func(r *host.Runner) {
			defer wg.Done()
			r.Activity().Run(ctx, 0)
		}(runner)

		gw := gateway.New(acct, client, sessions, runner.Handle, logger, gateway.WithMetrics(m))
		if err := gw.Start(ctx); err != nil {
			logger.Fatal().Err(err).Str("account", acct.ID).Msg("failed to start gateway")
		}
		checker.Register("gateway-"+acct.ID, health.ConnectionCheck(gw))
		gateways = append(gateways, gw)
		logger.Info().
			Str("account", acct.ID).
			Str("name", acct.Name).
			Bool("markdown", acct.MarkdownSupport).
			Msg("gateway started")
	}

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	// Stop flushes each account's session state.
	for _, gw := range gateways {
		gw.Stop()
	}

	<-sweeper.Stop().Done()

	if images != nil {
		if err := images.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("image server shutdown error")
		}
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("state database close error")
	}

	logger.Info().Msg("qq gateway stopped")
}
