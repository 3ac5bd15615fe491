// Package memory is an in-process Store. It backs single-node runs without
// Postgres and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pagewise/internal/models"
	"pagewise/internal/storage"
	"pagewise/internal/util"
)

type embKey struct {
	chunkID string
	backend string
}

type Store struct {
	mu         sync.RWMutex
	docs       map[string]models.Document
	chunks     map[string][]models.Chunk
	embeddings map[embKey]models.Embedding
	jobs       map[string]models.IngestionJob
	calls      []storage.EmbedCallRecord
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		docs:       make(map[string]models.Document),
		chunks:     make(map[string][]models.Chunk),
		embeddings: make(map[embKey]models.Embedding),
		jobs:       make(map[string]models.IngestionJob),
	}
}

func (s *Store) Close() {}

func (s *Store) CreateDocument(ctx context.Context, d models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.DocumentID]; ok {
		return fmt.Errorf("insert document %s: already exists", d.DocumentID)
	}
	for _, other := range s.docs {
		if other.DeletedAt == nil && other.UserID == d.UserID && other.ContentHash == d.ContentHash {
			return fmt.Errorf("insert document: duplicate content hash for user")
		}
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	s.docs[d.DocumentID] = d
	return nil
}

func (s *Store) live(documentID string) (models.Document, bool) {
	d, ok := s.docs[documentID]
	if !ok || d.DeletedAt != nil {
		return models.Document{}, false
	}
	return d, true
}

func (s *Store) GetDocument(ctx context.Context, userID, documentID string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.live(documentID)
	if !ok || d.UserID != userID {
		return models.Document{}, fmt.Errorf("get document: %w", util.ErrNotFound)
	}
	return d, nil
}

func (s *Store) FindDocumentByHash(ctx context.Context, userID, contentHash string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.DeletedAt == nil && d.UserID == userID && d.ContentHash == contentHash {
			return d, nil
		}
	}
	return models.Document{}, fmt.Errorf("find document by hash: %w", util.ErrNotFound)
}

func (s *Store) ListDocuments(ctx context.Context, userID string, opts storage.ListOptions) ([]models.Document, error) {
	opts, ok := opts.Normalize()
	if !ok {
		return nil, fmt.Errorf("sort by %q: %w", opts.SortBy, util.ErrValidation)
	}
	s.mu.RLock()
	out := make([]models.Document, 0)
	for _, d := range s.docs {
		if d.DeletedAt == nil && d.UserID == userID {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return documentLess(out[i], out[j], opts) })
	return out, nil
}

// documentLess mirrors the SQL ordering: NULL last-opened sorts last in
// both directions, document id breaks ties.
func documentLess(a, b models.Document, opts storage.ListOptions) bool {
	cmp := 0
	switch opts.SortBy {
	case storage.SortLastOpened:
		switch {
		case a.LastOpenedAt == nil && b.LastOpenedAt == nil:
		case a.LastOpenedAt == nil:
			return false
		case b.LastOpenedAt == nil:
			return true
		default:
			cmp = a.LastOpenedAt.Compare(*b.LastOpenedAt)
		}
	case storage.SortName:
		cmp = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	case storage.SortSize:
		cmp = compareInt64(a.SizeBytes, b.SizeBytes)
	default:
		cmp = a.CreatedAt.Compare(b.CreatedAt)
	}
	if cmp != 0 {
		if opts.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.DocumentID < b.DocumentID
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *Store) ListDocumentsByStatus(ctx context.Context, status models.DocumentStatus) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0)
	for _, d := range s.docs {
		if d.DeletedAt == nil && d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStaleDocuments(ctx context.Context, backend string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	ready, _ := s.ListDocumentsByStatus(ctx, models.StatusReady)
	out := make([]models.Document, 0)
	for _, d := range ready {
		if d.EmbeddingBackend != backend {
			out = append(out, d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) update(what, documentID string, fn func(d *models.Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(documentID)
	if !ok {
		return fmt.Errorf("%s: %w", what, util.ErrNotFound)
	}
	fn(&d)
	s.docs[documentID] = d
	return nil
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus, failReason string) error {
	return s.update("update document status", documentID, func(d *models.Document) {
		d.Status, d.FailReason, d.UpdatedAt = status, failReason, time.Now().UTC()
	})
}

func (s *Store) MarkDocumentReady(ctx context.Context, documentID string, pageCount int, backend string) error {
	return s.update("mark document ready", documentID, func(d *models.Document) {
		d.Status, d.FailReason, d.PageCount, d.EmbeddingBackend = models.StatusReady, "", pageCount, backend
		d.UpdatedAt = time.Now().UTC()
	})
}

func (s *Store) SetDocumentBackend(ctx context.Context, documentID, backend string) error {
	return s.update("set document backend", documentID, func(d *models.Document) {
		d.EmbeddingBackend, d.UpdatedAt = backend, time.Now().UTC()
	})
}

func (s *Store) TouchOpened(ctx context.Context, userID, documentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(documentID)
	if !ok || d.UserID != userID {
		return fmt.Errorf("touch document: %w", util.ErrNotFound)
	}
	d.LastOpenedAt = &at
	s.docs[documentID] = d
	return nil
}

func (s *Store) SoftDeleteDocument(ctx context.Context, userID, documentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(documentID)
	if !ok || d.UserID != userID {
		return fmt.Errorf("delete document: %w", util.ErrNotFound)
	}
	d.DeletedAt, d.UpdatedAt = &at, at
	s.docs[documentID] = d
	return nil
}

func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropEmbeddings(documentID)
	if len(chunks) == 0 {
		delete(s.chunks, documentID)
		return nil
	}
	cp := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		cp[i] = c
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].ChunkIndex < cp[j].ChunkIndex })
	s.chunks[documentID] = cp
	return nil
}

func (s *Store) dropEmbeddings(documentID string) {
	for k, e := range s.embeddings {
		if e.DocumentID == documentID {
			delete(s.embeddings, k)
		}
	}
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Chunk{}, s.chunks[documentID]...), nil
}

func (s *Store) DeleteChunks(ctx context.Context, documentID string) error {
	return s.ReplaceChunks(ctx, documentID, nil)
}

func (s *Store) UpsertEmbeddings(ctx context.Context, embs []models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range embs {
		e.Vector = append([]float32(nil), e.Vector...)
		s.embeddings[embKey{chunkID: e.ChunkID, backend: e.Backend}] = e
	}
	return nil
}

func (s *Store) ListEmbeddings(ctx context.Context, documentID, backend string) ([]models.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Embedding, 0)
	for _, c := range s.chunks[documentID] {
		if e, ok := s.embeddings[embKey{chunkID: c.ChunkID, backend: backend}]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateJob(ctx context.Context, j models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; ok {
		return fmt.Errorf("insert job %s: already exists", j.JobID)
	}
	s.jobs[j.JobID] = j
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.JobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", j.JobID, util.ErrNotFound)
	}
	if j.Percent < cur.Percent {
		j.Percent = cur.Percent
	}
	cur.Stage, cur.Percent, cur.Error, cur.Degraded, cur.UpdatedAt = j.Stage, j.Percent, j.Error, j.Degraded, j.UpdatedAt
	s.jobs[j.JobID] = cur
	return nil
}

func (s *Store) GetJob(ctx context.Context, userID, jobID string) (models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok || j.UserID != userID {
		return models.IngestionJob{}, fmt.Errorf("get job: %w", util.ErrNotFound)
	}
	return j, nil
}

func (s *Store) LatestJob(ctx context.Context, documentID string) (models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  models.IngestionJob
		found bool
	)
	for _, j := range s.jobs {
		if j.DocumentID != documentID {
			continue
		}
		if !found || j.CreatedAt.After(best.CreatedAt) || (j.CreatedAt.Equal(best.CreatedAt) && j.JobID > best.JobID) {
			best, found = j, true
		}
	}
	if !found {
		return models.IngestionJob{}, fmt.Errorf("latest job: %w", util.ErrNotFound)
	}
	return best, nil
}

func (s *Store) InsertEmbedCall(ctx context.Context, rec storage.EmbedCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec)
	return nil
}

// EmbedCalls returns the audit rows recorded so far.
func (s *Store) EmbedCalls() []storage.EmbedCallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.EmbedCallRecord{}, s.calls...)
}
