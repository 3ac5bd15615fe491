package storage

import (
	"context"
	"fmt"
)

// EmbedCallRepo audits provider calls made by backfill runs.
type EmbedCallRepo struct {
	db *DB
}

func NewEmbedCallRepo(db *DB) *EmbedCallRepo {
	return &EmbedCallRepo{db: db}
}

func (r *EmbedCallRepo) InsertEmbedCall(ctx context.Context, rec EmbedCallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO embed_calls(call_id, operation, document_id, provider_name, model, backend_version, status, error_type, inputs)
VALUES (COALESCE(NULLIF($1,'')::uuid, gen_random_uuid()), $2, NULLIF($3,''), $4, NULLIF($5,''), NULLIF($6,''), $7, NULLIF($8,''), $9)`,
		rec.CallID, rec.Operation, rec.DocumentID, rec.ProviderName, rec.Model, rec.BackendVersion, rec.Status, rec.ErrorType, rec.Inputs)
	if err != nil {
		return fmt.Errorf("insert embed call: %w", err)
	}
	return nil
}
