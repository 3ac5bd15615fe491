package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"pagewise/internal/models"
)

type EmbeddingRepo struct {
	db *DB
}

func NewEmbeddingRepo(db *DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

func (r *EmbeddingRepo) UpsertEmbeddings(ctx context.Context, embs []models.Embedding) error {
	if len(embs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range embs {
		batch.Queue(`
INSERT INTO embeddings (chunk_id, document_id, backend_version, vector)
VALUES ($1, $2, $3, $4)
ON CONFLICT (chunk_id, backend_version)
DO UPDATE SET vector = EXCLUDED.vector, created_at = NOW()`,
			e.ChunkID, e.DocumentID, e.Backend, pgvector.NewVector(e.Vector))
	}
	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert embeddings: %w", err)
	}
	return nil
}

func (r *EmbeddingRepo) ListEmbeddings(ctx context.Context, documentID, backend string) ([]models.Embedding, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT e.chunk_id, e.document_id, e.backend_version, e.vector
FROM embeddings e
JOIN chunks c ON c.chunk_id = e.chunk_id
WHERE e.document_id=$1 AND e.backend_version=$2
ORDER BY c.chunk_index ASC`, documentID, backend)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	out := make([]models.Embedding, 0, 64)
	for rows.Next() {
		var (
			e   models.Embedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.Backend, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}
