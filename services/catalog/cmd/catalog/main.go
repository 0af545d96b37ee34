package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"pdfshelf/internal/ratelimit"
	"pdfshelf/internal/usertoken"
	"pdfshelf/internal/util"
	"pdfshelf/pkg/events"
	"pdfshelf/pkg/ingest"
	"pdfshelf/pkg/queue"
	"pdfshelf/pkg/storage"
	"pdfshelf/pkg/store"
	"pdfshelf/services/catalog/internal/app"
	"pdfshelf/services/catalog/internal/config"
	"pdfshelf/services/catalog/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var catalog store.Store
	if cfg.DatabaseURL != "" {
		catalog, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
	} else {
		logger.Warn("databaseURL not set, catalog is kept in memory")
		catalog = store.NewMemoryStore()
	}

	var objects storage.ObjectStore
	if cfg.UsesMinio() {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	} else {
		logger.Warn("minioEndpoint not set, objects are kept in memory")
		objects = storage.NewMemoryStore("books")
	}

	ingestor := ingest.New(ingest.Config{
		MaxBytes:     cfg.MaxUploadBytes,
		CoverScale:   cfg.CoverScale,
		CoverQuality: cfg.CoverQuality,
		Renderer:     ingest.NewPopplerRenderer(cfg.PDFRenderCommand, cfg.RenderTimeout.Std()),
		Logger:       logger,
	})

	var cleanup *queue.CleanupQueue
	if cfg.RedisAddr != "" {
		cleanup, err = queue.NewCleanupQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.CleanupStream,
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf("failed to init cleanup queue: %v", err)
		}
		defer cleanup.Close()
	}

	bus := events.NewBus(logger)
	appConfig := app.Config{
		Store:          catalog,
		Objects:        objects,
		Ingestor:       ingestor,
		Bus:            bus,
		MaxCatalogScan: cfg.MaxCatalogScan,
		TrendingTTL:    cfg.TrendingTTL.Std(),
		PresignExpiry:  cfg.PresignExpiry.Std(),
		Logger:         logger,
	}
	if cleanup != nil {
		appConfig.Cleanup = cleanup
	}
	appCore, err := app.New(appConfig)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if cleanup != nil {
		if err := cleanup.Start(ctx, 1, appCore.SweepObjects); err != nil {
			log.Fatalf("failed to start cleanup queue: %v", err)
		}
	}

	if cfg.RedisAddr != "" {
		stream, err := events.NewRedisStream(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
			Origin:   bus.Origin(),
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf("failed to init event stream: %v", err)
		}
		defer stream.Close()
		bus.Forward(stream)
		if err := stream.Start(ctx, bus.Deliver); err != nil {
			log.Fatalf("failed to start event stream: %v", err)
		}
	}

	var limiter server.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		fixed, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "pdfshelf:ratelimit:",
			Limit:    cfg.RateLimitPerMinute,
			Window:   time.Minute,
			FailOpen: true,
		})
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer fixed.Close()
		limiter = fixed
	}

	verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeeway.Std(),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		UploadTimeout:  cfg.UploadTimeout.Std(),
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Std(),
		ReadTimeout:       cfg.ReadTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
		IdleTimeout:       cfg.IdleTimeout.Std(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("catalog server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
