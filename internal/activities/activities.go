// Package activities holds the Temporal activities behind re-embedding
// backfills. They work directly against the Store; the API process picks
// the new vectors up lazily from there.
package activities

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"pagewise/internal/config"
	"pagewise/internal/embedding"
	"pagewise/internal/logging"
	"pagewise/internal/models"
	"pagewise/internal/providers"
	"pagewise/internal/storage"
	"pagewise/internal/util"
)

const (
	ErrTypeWrongBackend = "WrongBackend"
	ErrTypeNoChunks     = "NoChunks"
)

type Activities struct {
	cfg   config.Config
	store storage.Store
	embed embedding.Embedder
	// resolve finds embedders for other configured backends.
	resolve func(backend string) (embedding.Embedder, bool)
	log     *zap.Logger
}

// New builds activities that embed with the configured primary backend.
func New(ctx context.Context, cfg config.Config, store storage.Store, log *zap.Logger) (*Activities, error) {
	pm, err := providers.NewManager(ctx, cfg)
	if err != nil {
		return nil, err
	}
	primary, _ := embedding.FromManager(pm)
	a := NewWithEmbedder(cfg, store, primary, log)
	a.resolve = func(backend string) (embedding.Embedder, bool) {
		return embedding.Resolve(pm, backend)
	}
	return a, nil
}

func NewWithEmbedder(cfg config.Config, store storage.Store, embed embedding.Embedder, log *zap.Logger) *Activities {
	return &Activities{cfg: cfg, store: store, embed: embed, log: logging.OrNop(log)}
}

// Backend is the space this worker embeds into by default.
func (a *Activities) Backend() string { return a.embed.Backend() }

func (a *Activities) embedderFor(backend string) (embedding.Embedder, bool) {
	if backend == a.embed.Backend() {
		return a.embed, true
	}
	if a.resolve == nil {
		return nil, false
	}
	return a.resolve(backend)
}

func (a *Activities) ListStaleDocumentsActivity(ctx context.Context, in ListStaleDocumentsInput) (ListStaleDocumentsOutput, error) {
	docs, err := a.store.ListStaleDocuments(ctx, in.Backend, in.Limit)
	if err != nil {
		return ListStaleDocumentsOutput{}, err
	}
	out := ListStaleDocumentsOutput{Documents: make([]StaleDocument, 0, len(docs))}
	for _, d := range docs {
		out.Documents = append(out.Documents, StaleDocument{
			DocumentID: d.DocumentID,
			UserID:     d.UserID,
			Name:       d.Name,
			Backend:    d.EmbeddingBackend,
		})
	}
	return out, nil
}

// ReembedDocumentActivity embeds every chunk of a document into in.Backend,
// stores the vectors and records the document's new backend. Embeddings
// already present for the backend are reused, so a retried attempt resumes.
func (a *Activities) ReembedDocumentActivity(ctx context.Context, in ReembedDocumentInput) (ReembedDocumentOutput, error) {
	emb, ok := a.embedderFor(in.Backend)
	if !ok {
		return ReembedDocumentOutput{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("worker has no embedder for %s", in.Backend), ErrTypeWrongBackend, nil)
	}
	chunks, err := a.store.ListChunks(ctx, in.DocumentID)
	if err != nil {
		return ReembedDocumentOutput{}, err
	}
	if len(chunks) == 0 {
		return ReembedDocumentOutput{}, temporal.NewNonRetryableApplicationError(
			"document has no chunks", ErrTypeNoChunks, nil)
	}
	have, err := a.store.ListEmbeddings(ctx, in.DocumentID, in.Backend)
	if err != nil {
		return ReembedDocumentOutput{}, err
	}
	done := make(map[string]struct{}, len(have))
	for _, e := range have {
		done[e.ChunkID] = struct{}{}
	}
	todo := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := done[c.ChunkID]; !ok {
			todo = append(todo, c)
		}
	}

	batch := in.BatchSize
	if batch <= 0 {
		batch = a.cfg.EmbedBatchSize
	}
	if batch <= 0 {
		batch = 32
	}
	for start := 0; start < len(todo); start += batch {
		end := min(start+batch, len(todo))
		texts := make([]string, 0, end-start)
		for _, c := range todo[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return ReembedDocumentOutput{}, fmt.Errorf("embed %s: %w", in.DocumentID, err)
		}
		embs := make([]models.Embedding, len(vecs))
		for i, v := range vecs {
			c := todo[start+i]
			embs[i] = models.Embedding{ChunkID: c.ChunkID, DocumentID: c.DocumentID, Backend: in.Backend, Vector: v}
		}
		if err := a.store.UpsertEmbeddings(ctx, embs); err != nil {
			return ReembedDocumentOutput{}, err
		}
		activity.RecordHeartbeat(ctx, end)
	}

	if err := a.store.SetDocumentBackend(ctx, in.DocumentID, in.Backend); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			// deleted while the backfill ran
			return ReembedDocumentOutput{Backend: in.Backend, Skipped: true}, nil
		}
		return ReembedDocumentOutput{}, err
	}
	a.log.Info("document re-embedded",
		zap.String("document_id", in.DocumentID),
		zap.String("backend", in.Backend),
		zap.Int("chunks", len(chunks)),
		zap.Int("embedded", len(todo)))
	return ReembedDocumentOutput{Chunks: len(todo), Backend: in.Backend}, nil
}

func (a *Activities) LogEmbedCallActivity(ctx context.Context, in LogEmbedCallInput) error {
	callID := strings.TrimSpace(in.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}
	name, _, _ := strings.Cut(in.Backend, "@")
	return a.store.InsertEmbedCall(ctx, storage.EmbedCallRecord{
		CallID:         callID,
		Operation:      in.Operation,
		DocumentID:     in.DocumentID,
		ProviderName:   name,
		BackendVersion: in.Backend,
		Status:         in.Status,
		ErrorType:      in.ErrorType,
		Inputs:         in.Inputs,
	})
}

func (a *Activities) WriteRunManifestActivity(ctx context.Context, in WriteRunManifestInput) (WriteRunManifestOutput, error) {
	_ = ctx
	path := filepath.Join(a.cfg.DataOutRoot, "runs", in.RunID, "manifest.json")
	if err := util.WriteJSONAtomic(path, in.Manifest); err != nil {
		return WriteRunManifestOutput{}, err
	}
	return WriteRunManifestOutput{Path: path}, nil
}
