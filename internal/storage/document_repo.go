package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pagewise/internal/models"
	"pagewise/internal/util"
)

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `document_id, user_id, name, content_hash, size_bytes, page_count, status,
       COALESCE(fail_reason,''), COALESCE(embedding_backend,''), COALESCE(persona,''), COALESCE(job,''),
       blob_key, created_at, updated_at, last_opened_at, deleted_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var d models.Document
	err := row.Scan(&d.DocumentID, &d.UserID, &d.Name, &d.ContentHash, &d.SizeBytes, &d.PageCount, &d.Status,
		&d.FailReason, &d.EmbeddingBackend, &d.Persona, &d.Job,
		&d.BlobKey, &d.CreatedAt, &d.UpdatedAt, &d.LastOpenedAt, &d.DeletedAt)
	return d, err
}

func collectDocuments(rows pgx.Rows, what string) ([]models.Document, error) {
	defer rows.Close()
	out := make([]models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func (r *DocumentRepo) CreateDocument(ctx context.Context, d models.Document) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO documents (document_id, user_id, name, content_hash, size_bytes, page_count, status,
                       fail_reason, embedding_backend, persona, job, blob_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), NULLIF($11,''), $12, $13, $13)`,
		d.DocumentID, d.UserID, d.Name, d.ContentHash, d.SizeBytes, d.PageCount, d.Status,
		d.FailReason, d.EmbeddingBackend, d.Persona, d.Job, d.BlobKey, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepo) GetDocument(ctx context.Context, userID, documentID string) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE user_id=$1 AND document_id=$2 AND deleted_at IS NULL`, userID, documentID))
	if err != nil {
		return models.Document{}, notFound(err, "get document")
	}
	return d, nil
}

func (r *DocumentRepo) FindDocumentByHash(ctx context.Context, userID, contentHash string) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE user_id=$1 AND content_hash=$2 AND deleted_at IS NULL`, userID, contentHash))
	if err != nil {
		return models.Document{}, notFound(err, "find document by hash")
	}
	return d, nil
}

var sortColumns = map[string]string{
	SortUploadDate: "created_at",
	SortLastOpened: "last_opened_at",
	SortName:       "lower(name)",
	SortSize:       "size_bytes",
}

func (r *DocumentRepo) ListDocuments(ctx context.Context, userID string, opts ListOptions) ([]models.Document, error) {
	opts, ok := opts.Normalize()
	if !ok {
		return nil, fmt.Errorf("sort by %q: %w", opts.SortBy, util.ErrValidation)
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	// never-opened documents go last either way
	order := fmt.Sprintf("%s %s NULLS LAST, document_id ASC", sortColumns[opts.SortBy], dir)
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE user_id=$1 AND deleted_at IS NULL
ORDER BY `+order, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows, "documents")
}

func (r *DocumentRepo) ListDocumentsByStatus(ctx context.Context, status models.DocumentStatus) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE status=$1 AND deleted_at IS NULL
ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list documents by status: %w", err)
	}
	return collectDocuments(rows, "documents by status")
}

func (r *DocumentRepo) ListStaleDocuments(ctx context.Context, backend string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE status='ready' AND deleted_at IS NULL AND COALESCE(embedding_backend,'') <> $1
ORDER BY created_at ASC
LIMIT $2`, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	return collectDocuments(rows, "stale documents")
}

func (r *DocumentRepo) exec(ctx context.Context, what, sql string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, util.ErrNotFound)
	}
	return nil
}

func (r *DocumentRepo) UpdateDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus, failReason string) error {
	return r.exec(ctx, "update document status",
		`UPDATE documents SET status=$2, fail_reason=NULLIF($3,''), updated_at=NOW() WHERE document_id=$1 AND deleted_at IS NULL`,
		documentID, status, failReason)
}

func (r *DocumentRepo) MarkDocumentReady(ctx context.Context, documentID string, pageCount int, backend string) error {
	return r.exec(ctx, "mark document ready",
		`UPDATE documents SET status='ready', fail_reason=NULL, page_count=$2, embedding_backend=$3, updated_at=NOW()
WHERE document_id=$1 AND deleted_at IS NULL`,
		documentID, pageCount, backend)
}

func (r *DocumentRepo) SetDocumentBackend(ctx context.Context, documentID, backend string) error {
	return r.exec(ctx, "set document backend",
		`UPDATE documents SET embedding_backend=$2, updated_at=NOW() WHERE document_id=$1 AND deleted_at IS NULL`,
		documentID, backend)
}

func (r *DocumentRepo) TouchOpened(ctx context.Context, userID, documentID string, at time.Time) error {
	return r.exec(ctx, "touch document",
		`UPDATE documents SET last_opened_at=$3 WHERE user_id=$1 AND document_id=$2 AND deleted_at IS NULL`,
		userID, documentID, at)
}

func (r *DocumentRepo) SoftDeleteDocument(ctx context.Context, userID, documentID string, at time.Time) error {
	return r.exec(ctx, "delete document",
		`UPDATE documents SET deleted_at=$3, updated_at=$3 WHERE user_id=$1 AND document_id=$2 AND deleted_at IS NULL`,
		userID, documentID, at)
}
