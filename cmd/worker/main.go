package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"pagewise/internal/activities"
	"pagewise/internal/config"
	"pagewise/internal/logging"
	"pagewise/internal/storage"
	"pagewise/internal/workflows"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.PostgresURL == "" {
		log.Fatal("the backfill worker needs PAGEWISE_POSTGRES_URL")
	}

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		log.Fatal("dial temporal", zap.Error(err))
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer store.Close()

	a, err := activities.New(context.Background(), cfg, store, log.Named("activities"))
	if err != nil {
		log.Fatal("build activities", zap.Error(err))
	}

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	activities.Register(w, a)

	log.Info("pagewise worker listening",
		zap.String("temporal", cfg.TemporalAddress),
		zap.String("queue", cfg.TemporalTaskQueue),
		zap.String("backend", a.Backend()))
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}
