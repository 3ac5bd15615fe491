package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"pagewise/internal/api"
	"pagewise/internal/auth"
	"pagewise/internal/blob"
	"pagewise/internal/config"
	"pagewise/internal/embedding"
	"pagewise/internal/extract"
	"pagewise/internal/ingest"
	"pagewise/internal/insights"
	"pagewise/internal/intent"
	"pagewise/internal/logging"
	"pagewise/internal/notify"
	"pagewise/internal/providers"
	"pagewise/internal/ranking"
	"pagewise/internal/recommend"
	"pagewise/internal/storage"
	"pagewise/internal/storage/memory"
	"pagewise/internal/vector"
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

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := blob.NewLocal(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return err
	}

	pm, err := providers.NewManager(ctx, cfg)
	if err != nil {
		return err
	}
	primary, lexical := embedding.FromManager(pm)
	embed := embedding.NewService(primary, lexical, embedding.Options{
		Timeout:       cfg.EmbedTimeout(),
		Retries:       cfg.EmbedRetries,
		Backoff:       cfg.EmbedBackoff(),
		QueryDeadline: cfg.QueryDeadline(),
	}, log.Named("embedding"))

	catalog, err := intent.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	classifier, err := intent.NewClassifier(ctx, catalog, embed, log.Named("intent"))
	if err != nil {
		return err
	}

	llm, _ := pm.LLM()
	synth := insights.New(llm, insights.Options{
		Max:      cfg.InsightMax,
		MaxChars: cfg.InsightMaxChars,
		MinChars: cfg.InsightMinChars,
		Timeout:  cfg.LLMTimeout(),
	}, log.Named("insights"))
	ranker := ranking.New(ranking.Options{
		MaxBonus:     cfg.PersonaMaxBonus,
		K:            cfg.RecommendK,
		MinRelevance: cfg.MinRelevance,
	})

	resolver, err := auth.New(cfg.AuthMode, cfg.JWTSecret)
	if err != nil {
		return err
	}
	hub := notify.NewHub(resolver, allowOrigin(cfg.CORSOrigin), log.Named("notify"))
	defer hub.Close()

	index := vector.NewIndex()
	mgr := ingest.NewManager(store, blobs, extract.NewPDF(), embed, index, hub, ingest.Options{
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		BatchSize:      cfg.EmbedBatchSize,
		MaxConcurrency: cfg.IngestMaxConcurrency,
		MaxPerUser:     cfg.IngestMaxPerUser,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}, log.Named("ingest"))
	if _, err := mgr.ResumeInterrupted(ctx); err != nil {
		log.Warn("resume interrupted jobs", zap.Error(err))
	}

	rec := recommend.NewService(store, index, embed, classifier, ranker, synth,
		recommend.Options{K: cfg.RecommendK, BatchSize: cfg.EmbedBatchSize}, log.Named("recommend"))

	deps := api.Deps{
		Config:        cfg,
		Store:         store,
		Blobs:         blobs,
		Ingest:        mgr,
		Recommend:     rec,
		Classifier:    classifier,
		Embed:         embed,
		Index:         index,
		Auth:          resolver,
		Notifications: hub,
		Log:           log.Named("api"),
	}
	if cfg.BackfillEnabled {
		tc, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return fmt.Errorf("dial temporal: %w", err)
		}
		defer tc.Close()
		deps.Backfills = workflows.NewBackfills(tc, cfg.TemporalTaskQueue, cfg.BackfillMaxChildren)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(deps).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("pagewise api listening",
			zap.String("addr", cfg.APIAddr),
			zap.String("backend", embed.Active()),
			zap.String("embed_providers", cfg.EmbedProviders),
			zap.String("llm_providers", cfg.LLMProviders),
			zap.Bool("backfill", cfg.BackfillEnabled))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// in-flight jobs stay processing and resume on the next start
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Warn("ingest shutdown", zap.Error(err))
	}
	log.Info("pagewise api stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.PostgresURL == "" {
		log.Warn("PAGEWISE_POSTGRES_URL not set, using in-memory storage")
		return memory.New(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.OpenPostgres(connectCtx, cfg.PostgresURL)
}

func allowOrigin(origin string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if origin == "" || origin == "*" {
			return true
		}
		got := r.Header.Get("Origin")
		return got == "" || got == origin
	}
}
