// Package storagetest holds the behaviour every storage.Store must show.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pagewise/internal/models"
	"pagewise/internal/storage"
	"pagewise/internal/util"
)

// Run exercises s. Each subtest uses fresh ids so a shared database works.
func Run(t *testing.T, s storage.Store) {
	t.Run("documents", func(t *testing.T) { documents(t, s) })
	t.Run("listing", func(t *testing.T) { listing(t, s) })
	t.Run("chunks and embeddings", func(t *testing.T) { chunks(t, s) })
	t.Run("jobs", func(t *testing.T) { jobs(t, s) })
	t.Run("stale documents", func(t *testing.T) { stale(t, s) })
}

func newDoc(user, name string, size int64, at time.Time) models.Document {
	id := uuid.NewString()
	return models.Document{
		DocumentID:  id,
		UserID:      user,
		Name:        name,
		ContentHash: util.SHA256Hex([]byte(id)),
		SizeBytes:   size,
		Status:      models.StatusProcessing,
		BlobKey:     "users/x/" + id + ".pdf",
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func documents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	d := newDoc(user, "Biology.pdf", 10, time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, s.CreateDocument(ctx, d))

	got, err := s.GetDocument(ctx, user, d.DocumentID)
	require.NoError(t, err)
	require.Equal(t, d.Name, got.Name)
	require.Equal(t, models.StatusProcessing, got.Status)

	_, err = s.GetDocument(ctx, "someone-else", d.DocumentID)
	require.ErrorIs(t, err, util.ErrNotFound)

	byHash, err := s.FindDocumentByHash(ctx, user, d.ContentHash)
	require.NoError(t, err)
	require.Equal(t, d.DocumentID, byHash.DocumentID)

	require.NoError(t, s.UpdateDocumentStatus(ctx, d.DocumentID, models.StatusFailed, "boom"))
	got, _ = s.GetDocument(ctx, user, d.DocumentID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "boom", got.FailReason)

	require.NoError(t, s.MarkDocumentReady(ctx, d.DocumentID, 3, "lexical@8"))
	got, _ = s.GetDocument(ctx, user, d.DocumentID)
	require.Equal(t, models.StatusReady, got.Status)
	require.Empty(t, got.FailReason)
	require.Equal(t, 3, got.PageCount)
	require.Equal(t, "lexical@8", got.EmbeddingBackend)

	opened := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TouchOpened(ctx, user, d.DocumentID, opened))
	got, _ = s.GetDocument(ctx, user, d.DocumentID)
	require.NotNil(t, got.LastOpenedAt)
	require.True(t, opened.Equal(*got.LastOpenedAt))

	require.ErrorIs(t, s.SoftDeleteDocument(ctx, "someone-else", d.DocumentID, opened), util.ErrNotFound)
	require.NoError(t, s.SoftDeleteDocument(ctx, user, d.DocumentID, opened))
	_, err = s.GetDocument(ctx, user, d.DocumentID)
	require.ErrorIs(t, err, util.ErrNotFound)
	_, err = s.FindDocumentByHash(ctx, user, d.ContentHash)
	require.ErrorIs(t, err, util.ErrNotFound)

	// the same content may be uploaded again after a delete
	again := d
	again.DocumentID = uuid.NewString()
	require.NoError(t, s.CreateDocument(ctx, again))
}

func listing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)
	a := newDoc(user, "alpha.pdf", 300, base)
	b := newDoc(user, "Beta.pdf", 100, base.Add(time.Minute))
	c := newDoc(user, "gamma.pdf", 200, base.Add(2*time.Minute))
	for _, d := range []models.Document{a, b, c} {
		require.NoError(t, s.CreateDocument(ctx, d))
	}
	require.NoError(t, s.TouchOpened(ctx, user, a.DocumentID, base.Add(time.Hour)))
	require.NoError(t, s.TouchOpened(ctx, user, c.DocumentID, base.Add(2*time.Hour)))

	names := func(opts storage.ListOptions) []string {
		docs, err := s.ListDocuments(ctx, user, opts)
		require.NoError(t, err)
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.Name
		}
		return out
	}
	require.Equal(t, []string{"gamma.pdf", "Beta.pdf", "alpha.pdf"}, names(storage.ListOptions{}))
	require.Equal(t, []string{"alpha.pdf", "Beta.pdf", "gamma.pdf"}, names(storage.ListOptions{SortBy: storage.SortName}))
	require.Equal(t, []string{"alpha.pdf", "gamma.pdf", "Beta.pdf"}, names(storage.ListOptions{SortBy: storage.SortSize, Desc: true}))
	require.Equal(t, []string{"gamma.pdf", "alpha.pdf", "Beta.pdf"}, names(storage.ListOptions{SortBy: storage.SortLastOpened, Desc: true}))
	require.Equal(t, []string{"alpha.pdf", "gamma.pdf", "Beta.pdf"}, names(storage.ListOptions{SortBy: storage.SortLastOpened}))

	_, err := s.ListDocuments(ctx, user, storage.ListOptions{SortBy: "color"})
	require.ErrorIs(t, err, util.ErrValidation)

	other, err := s.ListDocuments(ctx, "user-"+uuid.NewString(), storage.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, other)
}

func chunks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	d := newDoc(user, "Chem.pdf", 1, time.Now().UTC())
	require.NoError(t, s.CreateDocument(ctx, d))

	mk := func(idx, page int, text string) models.Chunk {
		return models.Chunk{ChunkID: d.DocumentID + "-" + text, DocumentID: d.DocumentID, Page: page, ChunkIndex: idx, Text: text, CharCount: len(text), CreatedAt: time.Now().UTC()}
	}
	cs := []models.Chunk{mk(1, 1, "second"), mk(0, 1, "first"), mk(2, 2, "third")}
	require.NoError(t, s.ReplaceChunks(ctx, d.DocumentID, cs))

	listed, err := s.ListChunks(ctx, d.DocumentID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.Equal(t, "first", listed[0].Text)
	require.Equal(t, 2, listed[2].Page)

	embs := make([]models.Embedding, 0, len(listed))
	for i, c := range listed {
		embs = append(embs, models.Embedding{ChunkID: c.ChunkID, DocumentID: d.DocumentID, Backend: "lexical@3", Vector: []float32{float32(i), 0.5, -1}})
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, embs))
	require.NoError(t, s.UpsertEmbeddings(ctx, embs[:1]))

	got, err := s.ListEmbeddings(ctx, d.DocumentID, "lexical@3")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, listed[0].ChunkID, got[0].ChunkID)
	require.Equal(t, []float32{2, 0.5, -1}, got[2].Vector)

	none, err := s.ListEmbeddings(ctx, d.DocumentID, "other@3")
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, s.DeleteChunks(ctx, d.DocumentID))
	listed, err = s.ListChunks(ctx, d.DocumentID)
	require.NoError(t, err)
	require.Empty(t, listed)
	got, err = s.ListEmbeddings(ctx, d.DocumentID, "lexical@3")
	require.NoError(t, err)
	require.Empty(t, got)
}

func jobs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	doc := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	first := models.IngestionJob{JobID: uuid.NewString(), UserID: user, DocumentID: doc, Stage: models.StageQueued, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateJob(ctx, first))

	first.Stage, first.Percent = models.StageEmbedding, 50
	require.NoError(t, s.UpdateJob(ctx, first))
	first.Stage, first.Percent = models.StageFailed, 10
	first.Error = "cancelled"
	require.NoError(t, s.UpdateJob(ctx, first))

	got, err := s.GetJob(ctx, user, first.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StageFailed, got.Stage)
	require.Equal(t, 50, got.Percent, "percent never goes down")
	require.Equal(t, "cancelled", got.Error)

	_, err = s.GetJob(ctx, "intruder", first.JobID)
	require.ErrorIs(t, err, util.ErrNotFound)

	second := models.IngestionJob{JobID: uuid.NewString(), UserID: user, DocumentID: doc, Stage: models.StageQueued, CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second)}
	require.NoError(t, s.CreateJob(ctx, second))
	latest, err := s.LatestJob(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, second.JobID, latest.JobID)

	_, err = s.LatestJob(ctx, uuid.NewString())
	require.ErrorIs(t, err, util.ErrNotFound)
	require.ErrorIs(t, s.UpdateJob(ctx, models.IngestionJob{JobID: uuid.NewString()}), util.ErrNotFound)
}

func stale(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	backend := "fresh-" + uuid.NewString() + "@4"
	cur := newDoc(user, "current.pdf", 1, time.Now().UTC())
	old := newDoc(user, "old.pdf", 1, time.Now().UTC())
	pending := newDoc(user, "pending.pdf", 1, time.Now().UTC())
	for _, d := range []models.Document{cur, old, pending} {
		require.NoError(t, s.CreateDocument(ctx, d))
	}
	require.NoError(t, s.MarkDocumentReady(ctx, cur.DocumentID, 1, backend))
	require.NoError(t, s.MarkDocumentReady(ctx, old.DocumentID, 1, "lexical@4"))

	docs, err := s.ListStaleDocuments(ctx, backend, 1000)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, d := range docs {
		ids[d.DocumentID] = true
	}
	require.True(t, ids[old.DocumentID])
	require.False(t, ids[cur.DocumentID])
	require.False(t, ids[pending.DocumentID])

	require.NoError(t, s.SetDocumentBackend(ctx, old.DocumentID, backend))
	docs, err = s.ListStaleDocuments(ctx, backend, 1000)
	require.NoError(t, err)
	for _, d := range docs {
		require.NotEqual(t, old.DocumentID, d.DocumentID)
	}

	require.NoError(t, s.InsertEmbedCall(ctx, storage.EmbedCallRecord{Operation: "reembed", DocumentID: old.DocumentID, ProviderName: "lexical", Status: "ok", Inputs: 3}))
}
