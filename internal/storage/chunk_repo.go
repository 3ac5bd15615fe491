package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pagewise/internal/models"
)

type ChunkRepo struct {
	db *DB
}

func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

func (r *ChunkRepo) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx replace chunks: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM embeddings WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
INSERT INTO chunks (chunk_id, document_id, page, chunk_index, text, char_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ChunkID, documentID, c.Page, c.ChunkIndex, c.Text, c.CharCount, c.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

func (r *ChunkRepo) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT chunk_id, document_id, page, chunk_index, text, char_count, created_at
FROM chunks
WHERE document_id=$1
ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	out := make([]models.Chunk, 0, 64)
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Page, &c.ChunkIndex, &c.Text, &c.CharCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepo) DeleteChunks(ctx context.Context, documentID string) error {
	return r.ReplaceChunks(ctx, documentID, nil)
}
