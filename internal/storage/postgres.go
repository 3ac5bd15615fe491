package storage

import "context"

// Postgres is the Store backed by pgx and pgvector.
type Postgres struct {
	*DocumentRepo
	*ChunkRepo
	*EmbeddingRepo
	*JobRepo
	*EmbedCallRepo
	db *DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := NewDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *DB) *Postgres {
	return &Postgres{
		DocumentRepo:  NewDocumentRepo(db),
		ChunkRepo:     NewChunkRepo(db),
		EmbeddingRepo: NewEmbeddingRepo(db),
		JobRepo:       NewJobRepo(db),
		EmbedCallRepo: NewEmbedCallRepo(db),
		db:            db,
	}
}

func (p *Postgres) Close() { p.db.Close() }
