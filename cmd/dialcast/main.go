package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialcast/dialcast/internal/api"
	"github.com/dialcast/dialcast/internal/cdn"
	"github.com/dialcast/dialcast/internal/compliance"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/dispatch"
	"github.com/dialcast/dialcast/internal/events"
	"github.com/dialcast/dialcast/internal/metrics"
	"github.com/dialcast/dialcast/internal/optout"
	"github.com/dialcast/dialcast/internal/provider"
	"github.com/dialcast/dialcast/internal/tts"
	"github.com/dialcast/dialcast/internal/twiml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialcast",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"poll_interval", cfg.PollInterval,
	)
	cfg.WarnOnUnreachableBaseURL(logger)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	broadcasts := database.NewBroadcastRepository(db)
	calls := database.NewCallRepository(db)
	assets := database.NewAudioAssetRepository(db)
	adminUsers := database.NewAdminUserRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Opt-out store. Connectivity is verified up front so a bad Redis
	// address fails at boot, not on the first opt-out check.
	optouts := optout.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	defer optouts.Close()
	if err := optouts.Ping(appCtx); err != nil {
		slog.Error("failed to connect opt-out store", "error", err)
		os.Exit(1)
	}

	// Compliance filter, with the DND registry when one is configured.
	var dnd compliance.DNDChecker = compliance.NoopDNDChecker{}
	if cfg.DNDRegistryURL != "" {
		dnd = compliance.NewHTTPDNDChecker(cfg.DNDRegistryURL, cfg.DNDAPIKey, logger)
	}
	filter := compliance.NewFilter(dnd, optouts, logger)

	// Object store for materialized audio.
	uploader, err := cdn.NewUploader(appCtx, cdn.Config{
		Endpoint:  cfg.CDNEndpoint,
		Region:    cfg.CDNRegion,
		Bucket:    cfg.CDNBucket,
		Folder:    cfg.CDNFolder,
		AccessKey: cfg.CDNAccessKey,
		SecretKey: cfg.CDNSecretKey,
		PublicURL: cfg.CDNPublicURL,
	}, logger)
	if err != nil {
		slog.Error("failed to configure audio storage", "error", err)
		os.Exit(1)
	}

	materializer := tts.NewMaterializer(cfg.TTSURL, uploader, assets, logger)

	adapter := provider.NewAdapter(provider.Config{
		APIBaseURL: cfg.ProviderAPIURL,
		AccountSID: cfg.ProviderAccountSID,
		AuthToken:  cfg.ProviderAuthToken,
		FromNumber: cfg.ProviderFromNumber,
	}, logger)

	hub := events.NewHub(logger)

	engine := dispatch.NewEngine(
		broadcasts, calls, assets, adapter, filter, uploader, hub,
		cfg.BaseURL, logger,
		dispatch.Options{PollInterval: cfg.PollInterval, RetryDelay: cfg.RetryDelay},
	)

	// Re-register campaigns that were mid-flight at the last shutdown.
	if err := engine.ResumeAll(appCtx); err != nil {
		slog.Error("failed to resume campaigns", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		metrics.NewCollector(engine, calls, hub, time.Now()),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Logger:     logger,
		Broadcasts: broadcasts,
		Calls:      calls,
		Assets:     assets,
		AdminUsers: adminUsers,
		Engine:     engine,
		TTS:        materializer,
		Filter:     filter,
		Generator:  twiml.NewGenerator(cfg.BaseURL+"/api/v1/broadcast/keypress", logger),
		Hub:        hub,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret:  jwtSecret,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	// Stop dispatch last so in-flight ticks finish persisting.
	engine.Shutdown()
	appCancel()

	slog.Info("dialcast stopped")
}
