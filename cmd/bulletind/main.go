package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/adapter/authrest"
	httpadapter "github.com/couchcryptid/storm-bulletins/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-bulletins/internal/adapter/kafka"
	"github.com/couchcryptid/storm-bulletins/internal/adapter/sqlite"
	"github.com/couchcryptid/storm-bulletins/internal/config"
	"github.com/couchcryptid/storm-bulletins/internal/connectivity"
	"github.com/couchcryptid/storm-bulletins/internal/identity"
	"github.com/couchcryptid/storm-bulletins/internal/ledger"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/preferences"
	"github.com/couchcryptid/storm-bulletins/internal/publish"
	"github.com/couchcryptid/storm-bulletins/internal/push"
	"github.com/couchcryptid/storm-bulletins/internal/reconciler"
	"github.com/couchcryptid/storm-bulletins/internal/store"
	"github.com/couchcryptid/storm-bulletins/internal/sweep"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Remote document store.
	backend, closeBackend, err := openBackend(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	bulletins := store.NewBulletinRepo(backend)
	events := store.NewEventRepo(backend)
	users := store.NewUserRepo(backend)
	cachedUsers := store.NewCachedUsers(users, cfg.UserCacheSize, metrics)

	// Device-local storage.
	kv, err := sqlite.Open(ctx, cfg.PrefsPath)
	if err != nil {
		logger.Error("failed to open device storage", "error", err, "path", cfg.PrefsPath)
		os.Exit(1)
	}
	seen := ledger.New(kv, logger, metrics)
	if err := seen.Initialize(ctx); err != nil {
		logger.Error("seen ledger loaded with errors", "error", err)
	}
	onboarding := preferences.NewOnboarding(kv, logger, metrics)
	theme := preferences.NewTheme(ctx, kv, cfg.DarkModeDefault, logger, metrics)

	// Notification transport.
	var (
		reader   *kafkaadapter.Reader
		writer   *kafkaadapter.Writer
		notifier publish.Notifier
	)
	if cfg.NotifyEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)
		notifier = writer
	} else {
		logger.Info("notification dispatch disabled")
	}
	var inboxReader push.BatchReader
	if reader != nil {
		inboxReader = reader
	}
	inbox := push.New(inboxReader, clock, logger, metrics, cfg.BatchSize)

	// Identity and the new-content view.
	authClient := authrest.NewClient(cfg.AuthBaseURL, cfg.AuthAPIKey, cfg.AuthTimeout, metrics, logger)
	ident := identity.New(authClient, users, inbox, identity.RoleCodes{
		Admin:       cfg.AdminCodeHash,
		Institution: cfg.InstitutionCodeHash,
	}, logger)

	rec := reconciler.New(reconciler.Inputs{
		Bulletins: bulletins.Live(),
		Events:    events.Live(),
		Seen:      seen.Source(),
		User:      ident.CurrentUser(),
	}, clock, logger, metrics)
	rec.Start()

	publisher := publish.New(bulletins, events, cachedUsers, notifier, cfg.NotifyTimeout, logger, metrics)

	if cfg.SweepOnStart {
		sweeper := sweep.New(bulletins, clock, logger, metrics)
		if _, err := sweeper.SweepExpired(ctx); err != nil {
			logger.Error("expired bulletin sweep failed", "error", err)
		}
	}

	monitor := connectivity.NewMonitor(clock, logger, metrics)

	checks := readiness{seen, rec, kvPinger{kv}}
	if reader != nil {
		checks = append(checks, inbox)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Ready:        checks,
		Posts:        rec,
		Seen:         seen,
		Bulletins:    bulletins,
		Events:       events,
		Publisher:    publisher,
		Identity:     ident,
		Onboarding:   onboarding,
		Theme:        theme,
		Connectivity: monitor,
		Push:         inbox,
		UserCache:    cachedUsers,
	}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start push inbox.
	if reader != nil {
		go func() {
			if err := inbox.Run(ctx); err != nil {
				logger.Error("push inbox error", "error", err)
			}
		}()
	}

	// Start connectivity prober.
	if cfg.ConnectivityProbeURL != "" {
		prober := connectivity.NewProber(cfg.ConnectivityProbeURL, cfg.ConnectivityInterval, clock, monitor, logger)
		go func() {
			if err := prober.Run(ctx); err != nil {
				logger.Error("connectivity prober error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := publisher.Wait(shutdownCtx); err != nil {
		logger.Error("notification dispatch drain error", "error", err)
	}
	rec.Stop()
	if err := seen.Close(shutdownCtx); err != nil {
		logger.Error("seen ledger close error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := kv.Close(); err != nil {
		logger.Error("device storage close error", "error", err)
	}
	if err := closeBackend(); err != nil {
		logger.Error("document store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
