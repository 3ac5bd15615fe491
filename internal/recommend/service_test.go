package recommend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pagewise/internal/blob"
	"pagewise/internal/embedding"
	"pagewise/internal/ingest"
	"pagewise/internal/ingest/ingesttest"
	"pagewise/internal/insights"
	"pagewise/internal/intent"
	"pagewise/internal/models"
	"pagewise/internal/providers"
	"pagewise/internal/ranking"
	"pagewise/internal/recommend"
	"pagewise/internal/storage/memory"
	"pagewise/internal/util"
	"pagewise/internal/vector"
)

const dim = 256

var (
	biology = []string{
		"Photosynthesis converts light energy into chemical energy. Chlorophyll in the chloroplast absorbs red and blue light and drives the light reactions.",
		"The Calvin cycle fixes carbon dioxide into sugar using ATP and NADPH from the light reactions inside the chloroplast stroma.",
		"Cellular respiration releases the energy stored in glucose. Mitochondria produce ATP through oxidative phosphorylation.",
	}
	botany = []string{
		"Leaves are adapted for photosynthesis: chlorophyll in chloroplasts captures light energy, and stomata admit carbon dioxide.",
		"Roots anchor the plant and absorb water and minerals from the soil through root hairs.",
	}
	finance = []string{
		"Quarterly revenue grew while operating costs fell, improving the margin reported to investors.",
	}
)

type downProvider struct{}

func (downProvider) Embed(context.Context, providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	return nil, providers.ProviderInfo{}, errors.New("503 service unavailable")
}

type stubLLM struct{ reply string }

func (s stubLLM) Generate(context.Context, providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	return providers.GenerateResponse{Text: s.reply}, providers.ProviderInfo{Name: "stub"}, nil
}

type env struct {
	t       *testing.T
	store   *memory.Store
	index   *vector.Index
	embed   *embedding.Service
	ingest  *ingest.Manager
	rec     *ingesttest.Recorder
	service *recommend.Service
}

// newEnv wires the engine around an in-memory store. primary nil means the
// lexical backend is the only one.
func newEnv(t *testing.T, store *memory.Store, primary providers.EmbeddingProvider, name string, llm providers.LLMProvider) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	lexical := embedding.FromProvider(providers.NewLexicalProvider(dim), providers.LexicalName, dim)
	active := lexical
	if primary != nil {
		active = embedding.FromProvider(primary, name, dim)
	}
	svc := embedding.NewService(active, lexical, embedding.Options{Retries: 0, Backoff: time.Millisecond, QueryDeadline: time.Second}, log)

	cat, err := intent.LoadCatalog("")
	require.NoError(t, err)
	classifier, err := intent.NewClassifier(context.Background(), cat, svc, log)
	require.NoError(t, err)

	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	e := &env{t: t, store: store, index: vector.NewIndex(), embed: svc, rec: &ingesttest.Recorder{}}
	e.ingest = ingest.NewManager(store, blobs, &ingesttest.FakeExtractor{}, svc, e.index, e.rec, ingest.Options{ChunkSize: 400, ChunkOverlap: 40}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.ingest.Close(ctx))
	})
	e.service = recommend.NewService(store, e.index, svc, classifier,
		ranking.New(ranking.Options{MaxBonus: ranking.DefaultMaxBonus, MinRelevance: 0.01}),
		insights.New(llm, insights.Options{MinChars: 10}, log),
		recommend.Options{}, log)
	return e
}

func (e *env) upload(user, name string, pages ...string) models.Document {
	e.t.Helper()
	sub, err := e.ingest.Submit(context.Background(), ingest.Upload{UserID: user, Name: name, Data: ingesttest.PDFBytes(pages...)})
	require.NoError(e.t, err)
	ev := e.rec.WaitFor(e.t, 5*time.Second, ingesttest.Terminal(sub.Job.JobID))
	done, ok := ev.(ingest.Complete)
	require.True(e.t, ok, "ingestion ended with %T", ev)
	return done.Document
}

func TestUploadThenQueryWithNoOtherDocuments(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc := e.upload("u1", "doc1.pdf", biology...)
	require.Equal(t, 3, doc.PageCount)

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	require.NotNil(t, res.CrossDocumentSections)
	require.Empty(t, res.CrossDocumentSections)
	require.False(t, res.Degraded)
	require.Equal(t, e.embed.Active(), res.Backend)
	for _, sec := range res.Recommendations {
		require.Equal(t, doc.DocumentID, sec.DocumentID)
		require.NotEqual(t, 1, sec.Page)
		require.False(t, sec.CrossDocument)
	}
}

func TestCrossDocumentMatches(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc1 := e.upload("u1", "doc1.pdf", biology...)
	doc2 := e.upload("u1", "doc2.pdf", botany...)

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.CrossDocumentSections)
	found := false
	for _, sec := range res.CrossDocumentSections {
		require.True(t, sec.CrossDocument)
		if sec.DocumentID == doc2.DocumentID {
			found = true
			require.Equal(t, "doc2.pdf", sec.DocumentName)
		}
	}
	require.True(t, found)

	merged := false
	for _, sec := range res.Recommendations {
		merged = merged || sec.DocumentID == doc2.DocumentID
	}
	require.True(t, merged, "recommendations should draw on other documents when asked")
}

func TestRecommendationsStayInDocumentWithoutCross(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc1 := e.upload("u1", "doc1.pdf", biology...)
	e.upload("u1", "doc2.pdf", botany...)

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1})
	require.NoError(t, err)
	require.Empty(t, res.CrossDocumentSections)
	require.NotEmpty(t, res.Recommendations)
	for _, sec := range res.Recommendations {
		require.Equal(t, doc1.DocumentID, sec.DocumentID)
		require.False(t, sec.CrossDocument)
		require.NotEqual(t, 1, sec.Page)
	}
}

func TestRecommendationsAreDeterministic(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc1 := e.upload("u1", "doc1.pdf", biology...)
	e.upload("u1", "doc2.pdf", botany...)

	q := recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1, IncludeCross: true, Persona: "biology student", Job: "prepare for an exam"}
	first, err := e.service.Recommend(context.Background(), q)
	require.NoError(t, err)
	second, err := e.service.Recommend(context.Background(), q)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("results differ (-first +second):\n%s", diff)
	}
}

func TestIsolationBetweenUsers(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	secret := e.upload("u1", "secret.pdf", biology...)
	mine := e.upload("u2", "mine.pdf", botany...)

	_, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u2", DocumentID: secret.DocumentID, Page: 1})
	require.ErrorIs(t, err, util.ErrNotFound)

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u2", DocumentID: mine.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	for _, sec := range append(res.Recommendations, res.CrossDocumentSections...) {
		require.Equal(t, mine.DocumentID, sec.DocumentID)
	}
}

func TestQueryValidation(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc := e.upload("u1", "doc1.pdf", biology...)

	_, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc.DocumentID, Page: 4})
	require.ErrorIs(t, err, util.ErrValidation)
	_, err = e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc.DocumentID, Page: 0})
	require.ErrorIs(t, err, util.ErrValidation)

	require.NoError(t, e.store.UpdateDocumentStatus(context.Background(), doc.DocumentID, models.StatusProcessing, ""))
	_, err = e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc.DocumentID, Page: 1})
	require.ErrorIs(t, err, util.ErrNotReady)
}

func TestDegradedEmbeddingStillServes(t *testing.T) {
	e := newEnv(t, memory.New(), downProvider{}, "remote", nil)
	sub, err := e.ingest.Submit(context.Background(), ingest.Upload{UserID: "u1", Name: "doc1.pdf", Data: ingesttest.PDFBytes(biology...)})
	require.NoError(t, err)
	ev := e.rec.WaitFor(t, 5*time.Second, ingesttest.Terminal(sub.Job.JobID))
	done, ok := ev.(ingest.Complete)
	require.True(t, ok, "got %T", ev)
	require.True(t, done.Job.Degraded)
	require.Equal(t, e.embed.FallbackBackend(), done.Document.EmbeddingBackend)

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: sub.Document.DocumentID, Page: 1})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, e.embed.FallbackBackend(), res.Backend)
	require.NotEmpty(t, res.Recommendations)
}

func TestRebuildFromStorageAfterRestart(t *testing.T) {
	store := memory.New()
	first := newEnv(t, store, nil, "", nil)
	doc1 := first.upload("u1", "doc1.pdf", biology...)
	first.upload("u1", "doc2.pdf", botany...)

	// a fresh process starts with an empty index
	second := newEnv(t, store, nil, "", nil)
	res, err := second.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	require.Empty(t, res.ReembeddedDocuments)
	require.NotEmpty(t, res.CrossDocumentSections)
	require.Positive(t, second.index.Count("u1", second.embed.Active()))
}

func TestBackendSwitchReembedsLazily(t *testing.T) {
	store := memory.New()
	first := newEnv(t, store, nil, "", nil)
	doc1 := first.upload("u1", "doc1.pdf", biology...)
	doc2 := first.upload("u1", "doc2.pdf", botany...)

	second := newEnv(t, store, providers.NewLexicalProvider(dim), "alt", nil)
	res, err := second.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	require.Equal(t, "alt@256", res.Backend)
	require.False(t, res.Degraded)
	require.ElementsMatch(t, []string{doc1.DocumentID, doc2.DocumentID}, res.ReembeddedDocuments)

	got, err := store.GetDocument(context.Background(), "u1", doc1.DocumentID)
	require.NoError(t, err)
	require.Equal(t, "alt@256", got.EmbeddingBackend)
	embs, err := store.ListEmbeddings(context.Background(), doc1.DocumentID, "alt@256")
	require.NoError(t, err)
	require.NotEmpty(t, embs)

	again, err := second.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1, IncludeCross: true})
	require.NoError(t, err)
	require.Empty(t, again.ReembeddedDocuments)
}

func TestPersonaProfileFromUpload(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	sub, err := e.ingest.Submit(context.Background(), ingest.Upload{
		UserID: "u1", Name: "doc1.pdf", Data: ingesttest.PDFBytes(biology...),
		Persona: "student", Job: "exam preparation",
	})
	require.NoError(t, err)
	e.rec.WaitFor(t, 5*time.Second, ingesttest.Terminal(sub.Job.JobID))

	res, err := e.service.Recommend(context.Background(), recommend.Query{UserID: "u1", DocumentID: sub.Document.DocumentID, Page: 1})
	require.NoError(t, err)
	require.True(t, res.Profile.Biased())
	require.True(t, res.IntelligenceEnabled)
	for _, sec := range res.Recommendations {
		require.NotNil(t, sec.EnhancedRelevance)
		require.GreaterOrEqual(t, *sec.EnhancedRelevance, sec.Relevance)
	}
}

func TestInsightsFallBackToTemplates(t *testing.T) {
	e := newEnv(t, memory.New(), nil, "", nil)
	doc1 := e.upload("u1", "doc1.pdf", biology...)
	e.upload("u1", "doc2.pdf", botany...)
	e.upload("u1", "doc3.pdf", finance...)

	res, err := e.service.Insights(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Insights)
	require.False(t, res.Generated)
	for _, ins := range res.Insights {
		require.False(t, ins.Generated)
		require.NotEmpty(t, ins.Title)
		require.Len(t, ins.SourceChunkIDs, 1)
	}
}

func TestInsightsUseGenerator(t *testing.T) {
	llm := stubLLM{reply: `{"title": "Light drives sugar", "content": "Chlorophyll captures the light that the Calvin cycle later turns into sugar."}`}
	e := newEnv(t, memory.New(), nil, "", llm)
	doc1 := e.upload("u1", "doc1.pdf", biology...)
	e.upload("u1", "doc2.pdf", botany...)

	res, err := e.service.Insights(context.Background(), recommend.Query{UserID: "u1", DocumentID: doc1.DocumentID, Page: 1})
	require.NoError(t, err)
	require.True(t, res.Generated)
	require.Equal(t, "Light drives sugar", res.Insights[0].Title)
}
