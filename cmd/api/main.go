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

	"docchat/internal/app"
	"docchat/internal/bootstrap"
	"docchat/internal/config"
	"docchat/internal/ingest"
	"docchat/internal/ratelimit"
	"docchat/internal/server"
	"docchat/internal/settings"
	"docchat/internal/usertoken"
	"docchat/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	completer, err := bootstrap.NewCompleter(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to init llm: %v", err)
	}
	embedder, err := bootstrap.NewEmbedder(cfg.Embedding, cfg.Search.EmbeddingDim)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}
	jobs, closeQueue, err := bootstrap.NewQueue(cfg)
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}
	defer closeQueue()

	runtimeSettings, err := settings.New(cfg.Settings)
	if err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.Config{
		Registry:         stores.Registry,
		Documents:        stores.Documents,
		Index:            stores.Search,
		Embedder:         embedder,
		Completer:        completer,
		ChunkSize:        cfg.Queue.ChunkSize,
		ChunkOverlap:     cfg.Queue.ChunkOverlap,
		EmbedBatchSize:   cfg.Embedding.BatchSize,
		EmbedConcurrency: cfg.Embedding.Concurrency,
		EmbeddingDim:     cfg.Search.EmbeddingDim,
	})
	if err != nil {
		log.Fatalf("failed to init ingest pipeline: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:             stores.Registry,
		Documents:         stores.Documents,
		Search:            stores.Search,
		Completer:         completer,
		Embedder:          embedder,
		Queue:             jobs,
		Settings:          runtimeSettings,
		MaxUploadBytes:    cfg.Upload.MaxUploadBytes,
		BlockedExtensions: cfg.Upload.BlockedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:   cfg.Auth.JWKSURL,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		Scope:     cfg.Auth.Scope,
		AdminRole: cfg.Auth.AdminRole,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid trusted proxies: %v", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		Verifier:       verifier,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		TrustedProxies: trusted,
	}
	if cfg.Redis.Addr != "" && cfg.Redis.MessagesPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis.Addr, cfg.Redis.Password,
			"docchat:ratelimit:messages", cfg.Redis.MessagesPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer limiter.Close()
		serverCfg.Limiter = limiter
	}
	if alerter := ratelimit.NewAuditAlerter(cfg.Redis.Addr, cfg.Redis.Password, "docchat:alerts"); alerter != nil {
		defer alerter.Close()
		serverCfg.Alerter = alerter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs.Start(ctx, cfg.Queue.Concurrency, pipeline.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 60 * time.Second,
		// Streamed chat turns may outlive a fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	jobs.Wait()
	logger.Info("server stopped")
}
