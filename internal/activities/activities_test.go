package activities

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"pagewise/internal/config"
	"pagewise/internal/embedding"
	"pagewise/internal/models"
	"pagewise/internal/providers"
	"pagewise/internal/storage/memory"
)

func seed(t *testing.T, s *memory.Store, backend string) models.Document {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	doc := models.Document{DocumentID: "d1", UserID: "u1", Name: "a.pdf", ContentHash: "h1", Status: models.StatusProcessing, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateDocument(ctx, doc))
	chunks := []models.Chunk{
		{ChunkID: "c1", DocumentID: "d1", Page: 1, ChunkIndex: 0, Text: "cells divide by mitosis"},
		{ChunkID: "c2", DocumentID: "d1", Page: 1, ChunkIndex: 1, Text: "meiosis makes gametes"},
		{ChunkID: "c3", DocumentID: "d1", Page: 2, ChunkIndex: 2, Text: "dna replicates first"},
	}
	require.NoError(t, s.ReplaceChunks(ctx, "d1", chunks))
	require.NoError(t, s.MarkDocumentReady(ctx, "d1", 2, backend))
	doc.EmbeddingBackend = backend
	return doc
}

func newActivities(t *testing.T, s *memory.Store) *Activities {
	emb := embedding.FromProvider(providers.NewLexicalProvider(8), "alt", 8)
	cfg := config.Config{DataOutRoot: t.TempDir(), EmbedBatchSize: 2}
	return NewWithEmbedder(cfg, s, emb, zaptest.NewLogger(t))
}

func TestListStaleDocuments(t *testing.T) {
	s := memory.New()
	seed(t, s, "lexical@8")
	a := newActivities(t, s)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	Register(env, a)
	val, err := env.ExecuteActivity(a.ListStaleDocumentsActivity, ListStaleDocumentsInput{Backend: a.Backend(), Limit: 10})
	require.NoError(t, err)
	var out ListStaleDocumentsOutput
	require.NoError(t, val.Get(&out))
	require.Len(t, out.Documents, 1)
	require.Equal(t, "lexical@8", out.Documents[0].Backend)
}

func TestReembedDocumentMovesBackend(t *testing.T) {
	s := memory.New()
	seed(t, s, "lexical@8")
	a := newActivities(t, s)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	Register(env, a)
	val, err := env.ExecuteActivity(a.ReembedDocumentActivity, ReembedDocumentInput{DocumentID: "d1", Backend: "alt@8"})
	require.NoError(t, err)
	var out ReembedDocumentOutput
	require.NoError(t, val.Get(&out))
	require.Equal(t, 3, out.Chunks)

	embs, err := s.ListEmbeddings(context.Background(), "d1", "alt@8")
	require.NoError(t, err)
	require.Len(t, embs, 3)
	doc, err := s.GetDocument(context.Background(), "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, "alt@8", doc.EmbeddingBackend)

	// a second run has nothing left to embed
	val, err = env.ExecuteActivity(a.ReembedDocumentActivity, ReembedDocumentInput{DocumentID: "d1", Backend: "alt@8"})
	require.NoError(t, err)
	require.NoError(t, val.Get(&out))
	require.Zero(t, out.Chunks)
}

func TestReembedRejectsOtherBackend(t *testing.T) {
	s := memory.New()
	seed(t, s, "lexical@8")
	a := newActivities(t, s)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	Register(env, a)
	_, err := env.ExecuteActivity(a.ReembedDocumentActivity, ReembedDocumentInput{DocumentID: "d1", Backend: "ollama@768"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "worker has no embedder for ollama@768")
}

func TestReembedResolvesConfiguredBackend(t *testing.T) {
	s := memory.New()
	seed(t, s, "alt@8")
	cfg := config.Config{DataOutRoot: t.TempDir(), EmbedDim: 8, EmbedProviders: "ollama:nomic|lexical"}
	a, err := New(context.Background(), cfg, s, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, "ollama:nomic@8", a.Backend())

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	Register(env, a)
	val, err := env.ExecuteActivity(a.ReembedDocumentActivity, ReembedDocumentInput{DocumentID: "d1", Backend: "lexical@8"})
	require.NoError(t, err)
	var out ReembedDocumentOutput
	require.NoError(t, val.Get(&out))
	require.Equal(t, 3, out.Chunks)

	doc, err := s.GetDocument(context.Background(), "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, "lexical@8", doc.EmbeddingBackend)
}

func TestLogEmbedCallAndManifest(t *testing.T) {
	s := memory.New()
	a := newActivities(t, s)

	require.NoError(t, a.LogEmbedCallActivity(context.Background(), LogEmbedCallInput{Operation: "reembed", DocumentID: "d1", Backend: "alt@8", Status: "ok", Inputs: 3}))
	calls := s.EmbedCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "alt", calls[0].ProviderName)
	require.NotEmpty(t, calls[0].CallID)

	out, err := a.WriteRunManifestActivity(context.Background(), WriteRunManifestInput{RunID: "r1", Manifest: map[string]any{"done": 1}})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(a.cfg.DataOutRoot, "runs", "r1", "manifest.json"), out.Path)
	require.FileExists(t, out.Path)
}
