package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pagewise/internal/embedding"
	"pagewise/internal/models"
	"pagewise/internal/providers"
	"pagewise/internal/util"
)

func lexicalService(dim int) *embedding.Service {
	lex := embedding.FromProvider(providers.NewLexicalProvider(dim), providers.LexicalName, dim)
	return embedding.NewService(lex, lex, embedding.Options{}, nil)
}

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	c, err := NewClassifier(context.Background(), cat, lexicalService(256), zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestDefaultCatalog(t *testing.T) {
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	require.Len(t, cat.Personas, 15)
	require.Len(t, cat.Jobs, 15)
	require.Equal(t, "General Reader", cat.DefaultPersona)
	require.Equal(t, "General understanding and learning", cat.DefaultJob)
}

func TestParseCatalogRejectsUnknownDefault(t *testing.T) {
	_, err := ParseCatalog([]byte(`
default_persona: Nobody
default_job: Read
personas: [{name: Somebody}]
jobs: [{name: Read}]
`))
	require.ErrorIs(t, err, util.ErrValidation)
}

func TestClassifyEmptyInputReturnsDefault(t *testing.T) {
	c := newClassifier(t)
	p, err := c.Classify(context.Background(), "  ", "")
	require.NoError(t, err)
	require.Equal(t, "General Reader", p.Persona)
	require.Equal(t, "General understanding and learning", p.Job)
	require.Zero(t, p.PersonaConfidence)
	require.Zero(t, p.JobConfidence)
	require.False(t, p.Biased())
}

func TestClassifyPicksMatchingLabels(t *testing.T) {
	c := newClassifier(t)
	p, err := c.Classify(context.Background(), "undergraduate chemistry student", "exam preparation study concepts")
	require.NoError(t, err)
	require.Equal(t, "Undergraduate Chemistry Student", p.Persona)
	require.Equal(t, "Identify key concepts and mechanisms for exam preparation", p.Job)
	require.Greater(t, p.PersonaConfidence, 0.0)
	require.LessOrEqual(t, p.PersonaConfidence, 1.0)
	require.Len(t, p.PersonaAlternatives, 3)
	require.Len(t, p.JobAlternatives, 3)
	require.Contains(t, p.Rationale, "chemistry")
	require.Equal(t, "lexical@256", p.Backend)
	for _, alt := range p.PersonaAlternatives {
		require.LessOrEqual(t, alt.Confidence, p.PersonaConfidence)
	}
}

func TestClassifyTextUsesOneSentenceForBothAxes(t *testing.T) {
	c := newClassifier(t)
	p, err := c.ClassifyText(context.Background(), "travel planner building a trip itinerary on a budget")
	require.NoError(t, err)
	require.Equal(t, "Travel Planner", p.Persona)
	require.Equal(t, "Plan trip itineraries and budget allocation", p.Job)
}

func TestClassifyFillsMissingSide(t *testing.T) {
	c := newClassifier(t)
	a, err := c.Classify(context.Background(), "", "review contract terms legal obligations")
	require.NoError(t, err)
	b, err := c.ClassifyText(context.Background(), "review contract terms legal obligations")
	require.NoError(t, err)
	require.Equal(t, b, a)
}

func TestAffinity(t *testing.T) {
	c := newClassifier(t)
	p := models.IntentProfile{Persona: "Travel Planner", Job: "Plan trip itineraries and budget allocation", PersonaConfidence: 1, JobConfidence: 1}
	aff := c.Affinity("lexical@256", p)
	require.NotNil(t, aff)

	vecs, err := lexicalService(256).Embed(context.Background(), "lexical@256", []string{
		"trip itinerary destination hotel flight budget",
		"enzyme catalysis reaction kinetics",
	})
	require.NoError(t, err)
	ap1, aj1, ok := aff(vecs[0])
	require.True(t, ok)
	ap2, aj2, _ := aff(vecs[1])
	require.Greater(t, ap1, ap2)
	require.Greater(t, aj1, aj2)
	require.GreaterOrEqual(t, ap2, 0.0)

	_, _, ok = aff([]float32{1, 2})
	require.False(t, ok)

	require.Nil(t, c.Affinity("other@256", p))
	require.Nil(t, c.Affinity("lexical@256", models.IntentProfile{Persona: "Astronaut", Job: p.Job}))
}

type brokenProvider struct{}

func (brokenProvider) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	return nil, providers.ProviderInfo{}, errors.New("bad request")
}

func TestClassifierSurvivesBrokenPrimary(t *testing.T) {
	lex := embedding.FromProvider(providers.NewLexicalProvider(64), providers.LexicalName, 64)
	primary := embedding.FromProvider(brokenProvider{}, "remote", 64)
	svc := embedding.NewService(primary, lex, embedding.Options{}, nil)
	cat, err := LoadCatalog("")
	require.NoError(t, err)

	c, err := NewClassifier(context.Background(), cat, svc, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Nil(t, c.Affinity("remote@64", models.IntentProfile{Persona: cat.DefaultPersona, Job: cat.DefaultJob}))

	p, err := c.ClassifyText(context.Background(), "financial analyst studying market trends")
	require.NoError(t, err)
	require.Equal(t, "lexical@64", p.Backend)
	require.Equal(t, "Financial Analyst", p.Persona)
}
