// Package api is the HTTP surface: chi routing, identity, and the coded
// error envelope around the ingestion and recommendation services.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pagewise/internal/auth"
	"pagewise/internal/blob"
	"pagewise/internal/config"
	"pagewise/internal/embedding"
	"pagewise/internal/ingest"
	"pagewise/internal/intent"
	"pagewise/internal/logging"
	"pagewise/internal/recommend"
	"pagewise/internal/storage"
	"pagewise/internal/vector"
	"pagewise/internal/workflows"
)

// Backfiller starts and inspects re-embedding backfills.
type Backfiller interface {
	Start(ctx context.Context, backend string) (workflowID, runID string, err error)
	Progress(ctx context.Context, workflowID string) (workflows.BackfillProgress, error)
}

type Deps struct {
	Config     config.Config
	Store      storage.Store
	Blobs      blob.Store
	Ingest     *ingest.Manager
	Recommend  *recommend.Service
	Classifier *intent.Classifier
	Embed      *embedding.Service
	Index      *vector.Index
	Auth       auth.Resolver
	// Notifications serves the websocket endpoint.
	Notifications http.Handler
	// Backfills is nil when Temporal is not configured.
	Backfills Backfiller
	Log       *zap.Logger
}

type Server struct {
	Deps
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	return &Server{Deps: d, log: logging.OrNop(d.Log)}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	if s.Notifications != nil {
		r.Handle("/ws", s.Notifications)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.identity)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListDocuments)
			r.Get("/{documentID}", s.handleGetDocument)
			r.Delete("/{documentID}", s.handleDeleteDocument)
			r.Post("/{documentID}/open", s.handleOpenDocument)
			r.Get("/{documentID}/file", s.handleDocumentFile)
		})
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/recommendations/{documentID}", s.handleRecommendations)
		r.Get("/insights/{documentID}", s.handleInsights)
		r.Post("/classify-intent", s.handleClassifyIntent)
		r.Get("/intent/catalog", s.handleCatalog)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/reembed", s.handleStartBackfill)
			r.Get("/reembed/{workflowID}", s.handleBackfillProgress)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"ok": true}
	if s.Embed != nil {
		out["backend"] = s.Embed.Active()
		out["fallback_backend"] = s.Embed.FallbackBackend()
	}
	if s.Index != nil {
		out["index"] = s.Index.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
