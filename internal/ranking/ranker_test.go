package ranking

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"pagewise/internal/models"
)

var travel = models.IntentProfile{Persona: "Travel Planner", PersonaConfidence: 0.8, Job: "Plan trip itineraries and budget allocation", JobConfidence: 0.6}

func cand(id string, page, idx int, sim float64, vec ...float32) Candidate {
	return Candidate{ChunkID: id, DocumentID: "doc", DocumentName: "Guide.pdf", Page: page, ChunkIndex: idx, Text: "Passage " + id + ". More text.", Similarity: sim, Vector: vec}
}

func sectionIDs(secs []models.RelatedSection) []string {
	out := make([]string, len(secs))
	for i, s := range secs {
		out[i] = s.ChunkID
	}
	return out
}

// firstAxis treats vec[0] as alignment with both labels.
func firstAxis(vec []float32) (float64, float64, bool) {
	return float64(vec[0]), float64(vec[0]), true
}

func TestRankWithoutProfileIsRawOrder(t *testing.T) {
	r := New(Options{MaxBonus: 0.3, K: 10})
	got := r.Rank([]Candidate{
		cand("c", 3, 4, 0.5, 0),
		cand("a", 1, 0, 0.9, 0),
		cand("b", 2, 1, 0.5, 0),
		cand("d", 2, 0, 0.5, 0),
	}, models.IntentProfile{}, firstAxis, 0)

	if diff := cmp.Diff([]string{"a", "d", "b", "c"}, sectionIDs(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	require.Nil(t, got[0].EnhancedRelevance)
	require.Equal(t, "Similar passage on page 1 of Guide.pdf", got[0].Rationale)
}

func TestRankIsDeterministic(t *testing.T) {
	r := New(Options{MaxBonus: 0.3})
	cands := make([]Candidate, 0, 20)
	for i := 0; i < 20; i++ {
		cands = append(cands, cand(fmt.Sprintf("c%02d", i), i%3+1, i, 0.5+float64(i%4)*0.1, float32(i%5)/5))
	}
	a := r.Rank(cands, travel, firstAxis, 8)
	rev := make([]Candidate, len(cands))
	for i := range cands {
		rev[len(cands)-1-i] = cands[i]
	}
	b := r.Rank(rev, travel, firstAxis, 8)
	require.Equal(t, a, b)
}

func TestPersonaBonusLiftsAlignedCandidate(t *testing.T) {
	r := New(Options{MaxBonus: 0.3, K: 5})
	cands := []Candidate{
		cand("plain", 1, 0, 0.60, 0),
		cand("aligned", 2, 1, 0.55, 1),
	}
	got := r.Rank(cands, travel, firstAxis, 0)
	require.Equal(t, []string{"aligned", "plain"}, sectionIDs(got))
	require.Contains(t, got[0].Rationale, "Higher relevance due to persona alignment")
	require.NotNil(t, got[0].EnhancedRelevance)
	require.InDelta(t, 0.55*(1+0.3*(0.8+0.6)/2), *got[0].EnhancedRelevance, 1e-4)
	require.InDelta(t, 0.55, got[0].Relevance, 1e-9)
	require.Contains(t, got[1].Rationale, "Similar passage")
}

func TestPersonaBonusIsMonotonic(t *testing.T) {
	r := New(Options{MaxBonus: 0.3})
	cands := []Candidate{cand("x", 1, 0, 0.5, 0.9), cand("y", 1, 1, 0.5, 0.2)}
	weak := travel
	weak.PersonaConfidence, weak.JobConfidence = 0.1, 0.1

	lo := r.Rank(cands, weak, firstAxis, 0)
	hi := r.Rank(cands, travel, firstAxis, 0)
	require.Equal(t, "x", hi[0].ChunkID)
	require.GreaterOrEqual(t, *hi[0].EnhancedRelevance, *lo[0].EnhancedRelevance)
	require.LessOrEqual(t, *hi[0].EnhancedRelevance, 0.5*(1+0.3)+1e-9)
}

func TestFailingAffinityFallsBackToRaw(t *testing.T) {
	r := New(Options{MaxBonus: 0.3})
	broken := func([]float32) (float64, float64, bool) { return 0, 0, false }
	got := r.Rank([]Candidate{cand("a", 1, 0, 0.4, 1), cand("b", 1, 1, 0.7, 0)}, travel, broken, 0)
	require.Equal(t, []string{"b", "a"}, sectionIDs(got))
	require.Nil(t, got[0].EnhancedRelevance)
}

func TestMinRelevanceAndTruncation(t *testing.T) {
	r := New(Options{K: 2, MinRelevance: 0.05})
	got := r.Rank([]Candidate{
		cand("a", 1, 0, 0.9), cand("b", 1, 1, 0.8), cand("c", 1, 2, 0.7), cand("low", 1, 3, 0.05), cand("neg", 1, 4, -0.2),
	}, models.IntentProfile{}, nil, 0)
	require.Equal(t, []string{"a", "b"}, sectionIDs(got))

	all := r.Rank([]Candidate{cand("low", 1, 3, 0.05), cand("neg", 1, 4, -0.2)}, models.IntentProfile{}, nil, 0)
	require.Empty(t, all)
}

func TestSectionFields(t *testing.T) {
	r := New(Options{})
	c := cand("a", 4, 7, 1.2)
	c.CrossDocument = true
	got := r.Rank([]Candidate{c}, models.IntentProfile{}, nil, 1)
	require.Len(t, got, 1)
	require.Equal(t, 1.0, got[0].Relevance)
	require.True(t, got[0].CrossDocument)
	require.Equal(t, 4, got[0].Page)
	require.Equal(t, 7, got[0].ChunkIndex)
	require.NotEmpty(t, got[0].Title)
	require.NotEmpty(t, got[0].Snippet)
}
