// Package ingest runs uploads through extraction, chunking, embedding and
// indexing, one goroutine per job, and rolls back on failure.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pagewise/internal/blob"
	"pagewise/internal/embedding"
	"pagewise/internal/extract"
	"pagewise/internal/logging"
	"pagewise/internal/models"
	"pagewise/internal/storage"
	"pagewise/internal/util"
	"pagewise/internal/vector"
)

// Stage percentages.
const (
	percentQueued     = 0
	percentExtracting = 5
	percentChunking   = 25
	percentEmbedStart = 30
	percentEmbedEnd   = 85
	percentIndexing   = 90
	percentReady      = 100
)

var pdfMagic = []byte("%PDF-")

var errClosed = errors.New("ingest manager closed")

type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	BatchSize      int
	MaxConcurrency int
	MaxPerUser     int
	MaxUploadBytes int64
}

type Upload struct {
	UserID  string
	Name    string
	Data    []byte
	Persona string
	Job     string
}

// Submission is the synchronous answer to an upload.
type Submission struct {
	Document  models.Document
	Job       models.IngestionJob
	Duplicate bool
}

type run struct {
	job    models.IngestionJob
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	store     storage.Store
	blobs     blob.Store
	extractor extract.Extractor
	embed     *embedding.Service
	index     *vector.Index
	notifier  Notifier
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	global *semaphore.Weighted

	mu        sync.Mutex
	userSems  map[string]*semaphore.Weighted
	userLocks map[string]*sync.Mutex
	active    map[string]*run
	closed    bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(store storage.Store, blobs blob.Store, extractor extract.Extractor, embed *embedding.Service, index *vector.Index, notifier Notifier, opts Options, log *zap.Logger) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = util.DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = util.DefaultChunkOverlap
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.MaxPerUser <= 0 || opts.MaxPerUser > opts.MaxConcurrency {
		opts.MaxPerUser = opts.MaxConcurrency
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		embed:     embed,
		index:     index,
		notifier:  notifier,
		opts:      opts,
		log:       logging.OrNop(log),
		now:       func() time.Time { return time.Now().UTC() },
		global:    semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		userSems:  make(map[string]*semaphore.Weighted),
		userLocks: make(map[string]*sync.Mutex),
		active:    make(map[string]*run),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// ChunkID is stable for a given document, position and text.
func ChunkID(documentID string, page, index int, text string) string {
	return util.SHA256Hex([]byte(fmt.Sprintf("%s|%d|%d|%s", documentID, page, index, util.SHA256Hex([]byte(text)))))[:32]
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.userLocks[userID]
	if l == nil {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	return l
}

func (m *Manager) userSem(userID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.userSems[userID]
	if s == nil {
		s = semaphore.NewWeighted(int64(m.opts.MaxPerUser))
		m.userSems[userID] = s
	}
	return s
}

func (m *Manager) validate(up Upload) error {
	if strings.TrimSpace(up.UserID) == "" {
		return fmt.Errorf("missing user: %w", util.ErrUnauthorized)
	}
	if len(up.Data) == 0 {
		return fmt.Errorf("empty upload: %w", util.ErrValidation)
	}
	if m.opts.MaxUploadBytes > 0 && int64(len(up.Data)) > m.opts.MaxUploadBytes {
		return fmt.Errorf("upload is %d bytes, limit %d: %w", len(up.Data), m.opts.MaxUploadBytes, util.ErrValidation)
	}
	if !bytes.HasPrefix(up.Data, pdfMagic) {
		return fmt.Errorf("upload is not a PDF: %w", util.ErrValidation)
	}
	return nil
}

func documentName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}

// Submit validates an upload and either starts a job or returns the
// existing document for identical content.
func (m *Manager) Submit(ctx context.Context, up Upload) (Submission, error) {
	if err := m.validate(up); err != nil {
		return Submission{}, err
	}
	lock := m.userLock(up.UserID)
	lock.Lock()
	defer lock.Unlock()

	hash := util.SHA256Hex(up.Data)
	existing, err := m.store.FindDocumentByHash(ctx, up.UserID, hash)
	switch {
	case err == nil:
		return m.resubmit(ctx, existing, up.Data)
	case !errors.Is(err, util.ErrNotFound):
		return Submission{}, err
	}

	now := m.now()
	doc := models.Document{
		DocumentID:  uuid.NewString(),
		UserID:      up.UserID,
		Name:        documentName(up.Name),
		ContentHash: hash,
		SizeBytes:   int64(len(up.Data)),
		Status:      models.StatusUploading,
		Persona:     strings.TrimSpace(up.Persona),
		Job:         strings.TrimSpace(up.Job),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	doc.BlobKey = blob.Key(doc.UserID, doc.DocumentID)
	if err := m.store.CreateDocument(ctx, doc); err != nil {
		return Submission{}, err
	}
	if err := m.blobs.Put(ctx, doc.BlobKey, up.Data); err != nil {
		_ = m.store.UpdateDocumentStatus(context.WithoutCancel(ctx), doc.DocumentID, models.StatusFailed, "upload could not be stored")
		return Submission{}, err
	}
	job, err := m.start(ctx, doc)
	if err != nil {
		return Submission{}, err
	}
	doc.Status = models.StatusProcessing
	return Submission{Document: doc, Job: job}, nil
}

func (m *Manager) resubmit(ctx context.Context, doc models.Document, data []byte) (Submission, error) {
	switch doc.Status {
	case models.StatusReady:
		job, err := m.store.LatestJob(ctx, doc.DocumentID)
		if err != nil && !errors.Is(err, util.ErrNotFound) {
			return Submission{}, err
		}
		return Submission{Document: doc, Job: job, Duplicate: true}, nil
	case models.StatusFailed:
		if err := m.blobs.Put(ctx, doc.BlobKey, data); err != nil {
			return Submission{}, err
		}
		m.log.Info("re-ingesting failed document", zap.String("document_id", doc.DocumentID))
		job, err := m.start(ctx, doc)
		if err != nil {
			return Submission{}, err
		}
		doc.Status, doc.FailReason = models.StatusProcessing, ""
		return Submission{Document: doc, Job: job}, nil
	default:
		if job, ok := m.ActiveJob(doc.DocumentID); ok {
			return Submission{Document: doc, Job: job, Duplicate: true}, nil
		}
		// processing with no live run: the previous process died mid-job
		job, err := m.start(ctx, doc)
		if err != nil {
			return Submission{}, err
		}
		return Submission{Document: doc, Job: job, Duplicate: true}, nil
	}
}

// start records a queued job and launches its goroutine. The caller holds
// the user's lock.
func (m *Manager) start(ctx context.Context, doc models.Document) (models.IngestionJob, error) {
	m.mu.Lock()
	closed := m.closed
	_, busy := m.active[doc.DocumentID]
	m.mu.Unlock()
	if closed {
		return models.IngestionJob{}, errClosed
	}
	if busy {
		return models.IngestionJob{}, fmt.Errorf("document %s already has an active job", doc.DocumentID)
	}

	now := m.now()
	job := models.IngestionJob{
		JobID:      uuid.NewString(),
		UserID:     doc.UserID,
		DocumentID: doc.DocumentID,
		Stage:      models.StageQueued,
		Percent:    percentQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.UpdateDocumentStatus(ctx, doc.DocumentID, models.StatusProcessing, ""); err != nil {
		return models.IngestionJob{}, err
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return models.IngestionJob{}, err
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	r := &run{job: job, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return models.IngestionJob{}, errClosed
	}
	m.active[doc.DocumentID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.notifier.Notify(doc.UserID, Progress{Job: job})
	go m.execute(runCtx, r, doc)
	return job, nil
}

// ActiveJob returns the in-flight job for a document.
func (m *Manager) ActiveJob(documentID string) (models.IngestionJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[documentID]
	if !ok {
		return models.IngestionJob{}, false
	}
	return r.job, true
}

// Job returns a job owned by userID.
func (m *Manager) Job(ctx context.Context, userID, jobID string) (models.IngestionJob, error) {
	return m.store.GetJob(ctx, userID, jobID)
}

func (m *Manager) execute(ctx context.Context, r *run, doc models.Document) {
	defer func() {
		r.cancel()
		m.mu.Lock()
		delete(m.active, doc.DocumentID)
		m.mu.Unlock()
		close(r.done)
		m.wg.Done()
	}()

	log := m.log.With(zap.String("document_id", doc.DocumentID), zap.String("job_id", r.job.JobID))
	err := m.acquireAndProcess(ctx, r, doc, log)
	if err == nil {
		return
	}
	if m.isClosed() && ctx.Err() != nil {
		// left in processing so ResumeInterrupted picks it up next start
		m.index.Remove(doc.UserID, doc.DocumentID)
		log.Info("ingestion interrupted by shutdown")
		return
	}
	m.rollback(r, doc, err, log)
}

func (m *Manager) acquireAndProcess(ctx context.Context, r *run, doc models.Document, log *zap.Logger) error {
	if err := m.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.global.Release(1)
	us := m.userSem(doc.UserID)
	if err := us.Acquire(ctx, 1); err != nil {
		return err
	}
	defer us.Release(1)
	return m.process(ctx, r, doc, log)
}

func (m *Manager) process(ctx context.Context, r *run, doc models.Document, log *zap.Logger) error {
	m.advance(ctx, r, models.StageExtracting, percentExtracting)
	data, err := m.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	pages, pageCount, err := m.extractor.Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if !extract.HasText(pages) {
		return util.ErrNoExtractableText
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.advance(ctx, r, models.StageChunking, percentChunking)
	passages := util.ChunkPages(pages, m.opts.ChunkSize, m.opts.ChunkOverlap)
	if len(passages) == 0 {
		return util.ErrNoExtractableText
	}
	now := m.now()
	chunks := make([]models.Chunk, len(passages))
	for i, p := range passages {
		if p.Page > pageCount {
			return fmt.Errorf("chunk on page %d of %d: %w", p.Page, pageCount, util.ErrFatalIngestion)
		}
		chunks[i] = models.Chunk{
			ChunkID:    ChunkID(doc.DocumentID, p.Page, p.ChunkIndex, p.Text),
			DocumentID: doc.DocumentID,
			Page:       p.Page,
			ChunkIndex: p.ChunkIndex,
			Text:       p.Text,
			CharCount:  len([]rune(p.Text)),
			CreatedAt:  now,
		}
	}
	if err := m.store.ReplaceChunks(ctx, doc.DocumentID, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.advance(ctx, r, models.StageEmbedding, percentEmbedStart)
	backend, vectors, err := m.embedChunks(ctx, r, chunks, log)
	if err != nil {
		return err
	}

	m.advance(ctx, r, models.StageIndexing, percentIndexing)
	entries := make([]vector.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{ChunkID: c.ChunkID, DocumentID: doc.DocumentID, Page: c.Page, ChunkIndex: c.ChunkIndex, Vector: vectors[i]}
	}
	if err := m.index.ReplaceDocument(doc.UserID, backend, doc.DocumentID, entries); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.MarkDocumentReady(ctx, doc.DocumentID, pageCount, backend); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	doc.Status, doc.FailReason, doc.PageCount, doc.EmbeddingBackend = models.StatusReady, "", pageCount, backend
	r.job.Stage, r.job.Percent, r.job.UpdatedAt = models.StageReady, percentReady, m.now()
	m.saveJob(ctx, r.job)
	log.Info("document ready",
		zap.Int("pages", pageCount),
		zap.Int("chunks", len(chunks)),
		zap.String("backend", backend),
		zap.Bool("degraded", r.job.Degraded))
	m.notifier.Notify(doc.UserID, Complete{Job: r.job, Document: doc})
	return nil
}

// embedChunks embeds in batches with the active backend. If that backend
// gives up, the whole document is redone lexically and the job is marked
// degraded, so one document never mixes spaces.
func (m *Manager) embedChunks(ctx context.Context, r *run, chunks []models.Chunk, log *zap.Logger) (string, [][]float32, error) {
	backend := m.embed.Active()
	for {
		vectors, err := m.embedAll(ctx, r, backend, chunks)
		if err == nil {
			return backend, vectors, nil
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		fallback := m.embed.FallbackBackend()
		if !errors.Is(err, util.ErrTransientBackend) || backend == fallback {
			return "", nil, err
		}
		log.Warn("embedding backend exhausted, re-embedding lexically", zap.String("backend", backend), zap.Error(err))
		backend = fallback
		r.job.Degraded = true
	}
}

func (m *Manager) embedAll(ctx context.Context, r *run, backend string, chunks []models.Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += m.opts.BatchSize {
		end := min(start+m.opts.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := m.embed.Embed(ctx, backend, texts)
		if err != nil {
			return nil, err
		}
		embs := make([]models.Embedding, len(vecs))
		for i, v := range vecs {
			c := chunks[start+i]
			embs[i] = models.Embedding{ChunkID: c.ChunkID, DocumentID: c.DocumentID, Backend: backend, Vector: v}
		}
		if err := m.store.UpsertEmbeddings(ctx, embs); err != nil {
			return nil, fmt.Errorf("store embeddings: %w", err)
		}
		out = append(out, vecs...)
		pct := percentEmbedStart + (percentEmbedEnd-percentEmbedStart)*end/len(chunks)
		m.advance(ctx, r, models.StageEmbedding, pct)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// advance moves the job forward. Percent never decreases.
func (m *Manager) advance(ctx context.Context, r *run, stage models.JobStage, percent int) {
	if percent < r.job.Percent {
		percent = r.job.Percent
	}
	if stage == r.job.Stage && percent == r.job.Percent {
		return
	}
	r.job.Stage, r.job.Percent, r.job.UpdatedAt = stage, percent, m.now()
	m.mu.Lock()
	if cur, ok := m.active[r.job.DocumentID]; ok && cur == r {
		cur.job = r.job
	}
	m.mu.Unlock()
	m.saveJob(ctx, r.job)
	m.notifier.Notify(r.job.UserID, Progress{Job: r.job})
}

func (m *Manager) saveJob(ctx context.Context, job models.IngestionJob) {
	if err := m.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		m.log.Warn("persist job state", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (m *Manager) rollback(r *run, doc models.Document, cause error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reason := failReason(cause)
	m.index.Remove(doc.UserID, doc.DocumentID)
	if err := m.store.DeleteChunks(ctx, doc.DocumentID); err != nil {
		log.Warn("rollback chunks", zap.Error(err))
	}
	if err := m.store.UpdateDocumentStatus(ctx, doc.DocumentID, models.StatusFailed, reason); err != nil && !errors.Is(err, util.ErrNotFound) {
		log.Warn("rollback document status", zap.Error(err))
	}
	r.job.Stage, r.job.Error, r.job.UpdatedAt = models.StageFailed, reason, m.now()
	m.saveJob(ctx, r.job)
	if errors.Is(cause, context.Canceled) {
		log.Info("ingestion cancelled")
	} else {
		log.Warn("ingestion failed", zap.Error(cause))
	}
	m.notifier.Notify(doc.UserID, Failed{Job: r.job, Reason: reason})
}

func failReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, util.ErrNoExtractableText):
		return "no extractable text (scanned documents are not supported)"
	case errors.Is(err, util.ErrTransientBackend):
		return "embedding backend unavailable"
	case errors.Is(err, util.ErrFatalIngestion):
		return "document could not be parsed"
	default:
		return err.Error()
	}
}

// Delete cancels any running job, waits for its rollback, then soft-deletes
// the document and evicts it from the index.
func (m *Manager) Delete(ctx context.Context, userID, documentID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := m.store.GetDocument(ctx, userID, documentID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	r := m.active[documentID]
	m.mu.Unlock()
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := m.store.SoftDeleteDocument(ctx, userID, documentID, m.now()); err != nil {
		return err
	}
	m.index.Remove(userID, documentID)
	if err := m.blobs.Delete(ctx, doc.BlobKey); err != nil {
		m.log.Warn("delete upload blob", zap.String("document_id", documentID), zap.Error(err))
	}
	m.log.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// ResumeInterrupted re-queues documents a previous process left in
// processing. It returns how many were restarted.
func (m *Manager) ResumeInterrupted(ctx context.Context) (int, error) {
	docs, err := m.store.ListDocumentsByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return 0, err
	}
	uploading, err := m.store.ListDocumentsByStatus(ctx, models.StatusUploading)
	if err != nil {
		return 0, err
	}
	for _, d := range uploading {
		if err := m.store.UpdateDocumentStatus(ctx, d.DocumentID, models.StatusFailed, "upload interrupted"); err != nil {
			m.log.Warn("fail interrupted upload", zap.String("document_id", d.DocumentID), zap.Error(err))
		}
	}

	n := 0
	for _, d := range docs {
		if _, ok := m.ActiveJob(d.DocumentID); ok {
			continue
		}
		if prev, err := m.store.LatestJob(ctx, d.DocumentID); err == nil && !prev.Stage.Terminal() {
			prev.Stage, prev.Error, prev.UpdatedAt = models.StageFailed, "interrupted by restart", m.now()
			m.saveJob(ctx, prev)
		}
		lock := m.userLock(d.UserID)
		lock.Lock()
		_, err := m.start(ctx, d)
		lock.Unlock()
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.log.Info("resumed interrupted ingestion", zap.Int("jobs", n))
	}
	return n, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops accepting work, cancels running jobs and waits for them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
