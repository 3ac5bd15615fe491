// Package ranking orders candidate passages by similarity with an optional,
// bounded bonus for alignment with the reader's persona and job.
package ranking

import (
	"fmt"
	"sort"

	"pagewise/internal/models"
	"pagewise/internal/util"
)

const (
	DefaultMaxBonus     = 0.3
	DefaultK            = 5
	DefaultMinRelevance = 0.05

	titleRunes   = 90
	snippetRunes = 320
)

// Affinity scores a candidate vector against the chosen persona and job
// labels. ok=false means no bonus can be computed for this request.
type Affinity func(vec []float32) (persona, job float64, ok bool)

type Candidate struct {
	ChunkID       string
	DocumentID    string
	DocumentName  string
	Page          int
	ChunkIndex    int
	Text          string
	Vector        []float32
	Similarity    float64
	CrossDocument bool
}

type Options struct {
	MaxBonus     float64
	K            int
	MinRelevance float64
}

type Ranker struct {
	opts Options
}

func New(opts Options) *Ranker {
	if opts.MaxBonus < 0 {
		opts.MaxBonus = 0
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	return &Ranker{opts: opts}
}

type scored struct {
	Candidate
	weight  float64
	final   float64
	rawRank int
}

// Rank filters, scores and truncates candidates. k <= 0 uses the configured
// default. The result is fully determined by its inputs.
func (r *Ranker) Rank(cands []Candidate, profile models.IntentProfile, aff Affinity, k int) []models.RelatedSection {
	if k <= 0 {
		k = r.opts.K
	}
	pool := make([]scored, 0, len(cands))
	for _, c := range cands {
		if c.Similarity <= r.opts.MinRelevance {
			continue
		}
		pool = append(pool, scored{Candidate: c, final: c.Similarity})
	}
	sort.Slice(pool, func(i, j int) bool { return rawLess(pool[i].Candidate, pool[j].Candidate) })
	for i := range pool {
		pool[i].rawRank = i
	}

	biased := profile.Biased() && aff != nil && r.opts.MaxBonus > 0
	if biased {
		weights := make([]float64, len(pool))
		for i := range pool {
			ap, aj, ok := aff(pool[i].Vector)
			if !ok {
				biased = false
				break
			}
			weights[i] = r.opts.MaxBonus * (clamp01(profile.PersonaConfidence)*ap + clamp01(profile.JobConfidence)*aj) / 2
		}
		if biased {
			for i := range pool {
				pool[i].weight = weights[i]
				pool[i].final = pool[i].Similarity * (1 + weights[i])
			}
		}
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.final != b.final {
			return a.final > b.final
		}
		return rawLess(a.Candidate, b.Candidate)
	})
	if len(pool) > k {
		pool = pool[:k]
	}

	out := make([]models.RelatedSection, 0, len(pool))
	for rank, s := range pool {
		sec := models.RelatedSection{
			ChunkID:       s.ChunkID,
			DocumentID:    s.DocumentID,
			DocumentName:  s.DocumentName,
			Page:          s.Page,
			ChunkIndex:    s.ChunkIndex,
			Title:         util.DisplayTitle(s.Text, titleRunes),
			Snippet:       util.DisplaySnippet(s.Text, snippetRunes),
			Relevance:     round4(clamp01(s.Similarity)),
			CrossDocument: s.CrossDocument,
		}
		if biased {
			enhanced := round4(clamp01(s.final))
			sec.EnhancedRelevance = &enhanced
		}
		if biased && s.weight > 0 && rank < s.rawRank {
			sec.Rationale = fmt.Sprintf("Higher relevance due to persona alignment (%s; %s)", profile.Persona, profile.Job)
		} else {
			sec.Rationale = fmt.Sprintf("Similar passage on page %d of %s", s.Page, s.DocumentName)
		}
		out = append(out, sec)
	}
	return out
}

func rawLess(a, b Candidate) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Page != b.Page {
		return a.Page < b.Page
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	return a.ChunkID < b.ChunkID
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func round4(x float64) float64 {
	return float64(int64(x*10000+0.5)) / 10000
}
