package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"docchat/internal/bootstrap"
	"docchat/internal/cleanup"
	"docchat/internal/config"
	"docchat/internal/util"
)

func main() {
	once := flag.Bool("once", false, "run a single cleanup pass and exit")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	cleaner, err := cleanup.New(cleanup.Config{
		Store:        stores.Registry,
		Documents:    stores.Documents,
		Search:       stores.Search,
		BatchSize:    cfg.Cleanup.BatchSize,
		ThreadMaxAge: cfg.Cleanup.ThreadMaxAge(),
	})
	if err != nil {
		log.Fatalf("failed to init cleanup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := cleaner.Run(runCtx); err != nil {
			logger.Error("cleanup pass failed", "err", err)
		}
	}

	if *once {
		run()
		return
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(cfg.Cleanup.Schedule, run); err != nil {
		log.Fatalf("invalid cleanup schedule %q: %v", cfg.Cleanup.Schedule, err)
	}
	scheduler.Start()
	logger.Info("cleanup scheduled", "schedule", cfg.Cleanup.Schedule)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info("cleanup stopped")
}
