// Command notikeeper starts the notification scheduling HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/blob"
	"github.com/and161185/notikeeper/internal/config"
	"github.com/and161185/notikeeper/internal/content"
	"github.com/and161185/notikeeper/internal/dispatcher"
	"github.com/and161185/notikeeper/internal/metrics"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
	"github.com/and161185/notikeeper/internal/repository/gormstore"
	"github.com/and161185/notikeeper/internal/repository/postgres"
	"github.com/and161185/notikeeper/internal/server/httpapi"
	"github.com/and161185/notikeeper/internal/service"
	"github.com/and161185/notikeeper/internal/tenant"
	"github.com/and161185/notikeeper/internal/token"
	"github.com/and161185/notikeeper/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// Tenant blob store
	var blobs repository.BlobStore
	if cfg.RedisURL == "" {
		logger.Warn("no redis url configured, tenant configs are kept in memory")
		blobs = blob.NewMemory()
	} else {
		rc, err := blob.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer func() { _ = rc.Close() }()
		blobs = blob.NewRedis(rc, "notikeeper:")
	}

	// Per-tenant storage handles
	handles := tenant.NewHandleCache(map[model.Driver]tenant.Opener{
		model.DriverPG: func(ctx context.Context, dsn string) (repository.TaskRepository, error) {
			return postgres.Open(ctx, dsn)
		},
		model.DriverNeon: func(ctx context.Context, dsn string) (repository.TaskRepository, error) {
			return gormstore.Open(ctx, dsn)
		},
	})
	defer func() {
		if err := handles.Close(); err != nil {
			logger.Warn("closing tenant stores", zap.Error(err))
		}
	}()

	tenants := tenant.NewManager(tenant.Options{
		Blobs:     blobs,
		Handles:   handles,
		Tokens:    token.NewIssuer(cfg.TokenSecret),
		KEK:       cfg.KEK,
		TokenTTL:  cfg.TokenTTL,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
	})

	// Delivery
	sender := transport.NewWebPush(transport.VAPID{
		PublicKey:  cfg.VAPIDPublic,
		PrivateKey: cfg.VAPIDPrivate,
		Subject:    cfg.VAPIDSubject,
	}, nil)
	if err := sender.Ready(); err != nil {
		logger.Warn("push transport disabled until VAPID keys are configured")
	}
	disp := dispatcher.New(dispatcher.Options{
		Resolver: content.NewResolver(content.NewHTTPCompleter(nil)),
		Sender:   sender,
		Logger:   logger,
	})

	// Services
	msgs, err := service.NewMessageService(service.Options{Dispatcher: disp, Sender: sender, Logger: logger})
	if err != nil {
		logger.Fatal("message service", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Tenants:       tenants,
			Messages:      msgs,
			Dispatcher:    disp,
			Logger:        logger,
			RateLimit:     cfg.RateLimit,
			OnboardSecret: cfg.OnboardSecret,
			CORSOrigins:   cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// a cron dispatch run may take up to dispatcher.RunTimeout
		WriteTimeout: dispatcher.RunTimeout + time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced shutdown", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
