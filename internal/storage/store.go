package storage

import (
	"context"
	"time"

	"pagewise/internal/models"
)

// Sort keys accepted by ListDocuments.
const (
	SortUploadDate = "upload_date"
	SortLastOpened = "last_opened"
	SortName       = "name"
	SortSize       = "size"
)

type ListOptions struct {
	SortBy string
	Desc   bool
}

// Normalize fills defaults and reports whether SortBy is known.
func (o ListOptions) Normalize() (ListOptions, bool) {
	switch o.SortBy {
	case "":
		return ListOptions{SortBy: SortUploadDate, Desc: true}, true
	case SortUploadDate, SortLastOpened, SortName, SortSize:
		return o, true
	default:
		return o, false
	}
}

// Soft-deleted documents are invisible to every read. Lookups that miss
// return an error wrapping util.ErrNotFound.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d models.Document) error
	GetDocument(ctx context.Context, userID, documentID string) (models.Document, error)
	FindDocumentByHash(ctx context.Context, userID, contentHash string) (models.Document, error)
	ListDocuments(ctx context.Context, userID string, opts ListOptions) ([]models.Document, error)
	// ListDocumentsByStatus spans all users.
	ListDocumentsByStatus(ctx context.Context, status models.DocumentStatus) ([]models.Document, error)
	// ListStaleDocuments returns ready documents not embedded with backend.
	ListStaleDocuments(ctx context.Context, backend string, limit int) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus, failReason string) error
	MarkDocumentReady(ctx context.Context, documentID string, pageCount int, backend string) error
	SetDocumentBackend(ctx context.Context, documentID, backend string) error
	TouchOpened(ctx context.Context, userID, documentID string, at time.Time) error
	SoftDeleteDocument(ctx context.Context, userID, documentID string, at time.Time) error
}

type ChunkStore interface {
	// ReplaceChunks drops the document's chunks and embeddings, then writes chunks.
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	// DeleteChunks also removes every embedding of the document.
	DeleteChunks(ctx context.Context, documentID string) error
}

type EmbeddingStore interface {
	UpsertEmbeddings(ctx context.Context, embs []models.Embedding) error
	ListEmbeddings(ctx context.Context, documentID, backend string) ([]models.Embedding, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, j models.IngestionJob) error
	UpdateJob(ctx context.Context, j models.IngestionJob) error
	GetJob(ctx context.Context, userID, jobID string) (models.IngestionJob, error)
	LatestJob(ctx context.Context, documentID string) (models.IngestionJob, error)
}

type EmbedCallRecord struct {
	CallID         string
	Operation      string
	DocumentID     string
	ProviderName   string
	Model          string
	BackendVersion string
	Status         string
	ErrorType      string
	Inputs         int
}

type AuditStore interface {
	InsertEmbedCall(ctx context.Context, rec EmbedCallRecord) error
}

// Store is everything the services persist.
type Store interface {
	DocumentStore
	ChunkStore
	EmbeddingStore
	JobStore
	AuditStore
	Close()
}
