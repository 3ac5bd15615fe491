// Package intent maps free-text reader descriptions onto the persona and job
// catalog.
package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pagewise/internal/embedding"
	"pagewise/internal/logging"
	"pagewise/internal/models"
	"pagewise/internal/util"
	"pagewise/internal/vector"
)

const maxAlternatives = 3

// Axis weights: semantic share and keyword share.
const (
	personaCosWeight = 0.6
	personaKWWeight  = 0.4
	jobCosWeight     = 0.7
	jobKWWeight      = 0.3
)

type labelVectors struct {
	personas [][]float32
	jobs     [][]float32
}

// Classifier is read-only after NewClassifier returns.
type Classifier struct {
	catalog *Catalog
	svc     *embedding.Service
	spaces  map[string]labelVectors
	log     *zap.Logger
}

// NewClassifier embeds every label in the active and lexical spaces. A failed
// active space is logged and skipped; queries then classify lexically.
func NewClassifier(ctx context.Context, cat *Catalog, svc *embedding.Service, log *zap.Logger) (*Classifier, error) {
	log = logging.OrNop(log)
	backends := []string{svc.FallbackBackend()}
	if svc.Degradable() {
		backends = append(backends, svc.Active())
	}
	results := make([]labelVectors, len(backends))
	errs := make([]error, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, backend := range backends {
		g.Go(func() error {
			lv, err := embedLabels(gctx, svc, backend, cat)
			if err != nil && i == 0 {
				return err
			}
			results[i], errs[i] = lv, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embed catalog labels: %w", err)
	}

	c := &Classifier{catalog: cat, svc: svc, spaces: make(map[string]labelVectors, len(backends)), log: log}
	for i, backend := range backends {
		if errs[i] != nil {
			log.Warn("catalog labels unavailable in backend", zap.String("backend", backend), zap.Error(errs[i]))
			continue
		}
		c.spaces[backend] = results[i]
	}
	return c, nil
}

func embedLabels(ctx context.Context, svc *embedding.Service, backend string, cat *Catalog) (labelVectors, error) {
	texts := make([]string, 0, len(cat.Personas)+len(cat.Jobs))
	for _, l := range cat.Personas {
		texts = append(texts, l.Text())
	}
	for _, l := range cat.Jobs {
		texts = append(texts, l.Text())
	}
	vecs, err := svc.Embed(ctx, backend, texts)
	if err != nil {
		return labelVectors{}, err
	}
	return labelVectors{personas: vecs[:len(cat.Personas)], jobs: vecs[len(cat.Personas):]}, nil
}

func (c *Classifier) Catalog() *Catalog { return c.catalog }

// Default is the profile used when there is nothing to classify.
func (c *Classifier) Default() models.IntentProfile {
	return models.IntentProfile{
		Persona:             c.catalog.DefaultPersona,
		Job:                 c.catalog.DefaultJob,
		Rationale:           "No reader description given; using the general profile.",
		PersonaAlternatives: []models.LabelScore{},
		JobAlternatives:     []models.LabelScore{},
	}
}

// ClassifyText classifies one sentence on both axes.
func (c *Classifier) ClassifyText(ctx context.Context, text string) (models.IntentProfile, error) {
	return c.Classify(ctx, text, text)
}

// Classify scores persona and job text against the catalog. When one side is
// empty the other side's text stands in for it.
func (c *Classifier) Classify(ctx context.Context, persona, job string) (models.IntentProfile, error) {
	persona, job = strings.TrimSpace(persona), strings.TrimSpace(job)
	if persona == "" && job == "" {
		return c.Default(), nil
	}
	if persona == "" {
		persona = job
	}
	if job == "" {
		job = persona
	}

	res, err := c.svc.EmbedQuery(ctx, []string{persona, job})
	if err != nil {
		return models.IntentProfile{}, fmt.Errorf("embed reader description: %w", err)
	}
	space, ok := c.spaces[res.Backend]
	if !ok {
		lex := c.svc.FallbackBackend()
		vecs, err := c.svc.Embed(ctx, lex, []string{persona, job})
		if err != nil {
			return models.IntentProfile{}, fmt.Errorf("embed reader description: %w", err)
		}
		res = embedding.Result{Vectors: vecs, Backend: lex, Degraded: true}
		space = c.spaces[lex]
	}

	pScores, pMatched := score(c.catalog.Personas, space.personas, res.Vectors[0], keywordTokens(persona), personaCosWeight, personaKWWeight)
	jScores, _ := score(c.catalog.Jobs, space.jobs, res.Vectors[1], keywordTokens(job), jobCosWeight, jobKWWeight)

	return models.IntentProfile{
		Persona:             pScores[0].Label,
		PersonaConfidence:   pScores[0].Confidence,
		Job:                 jScores[0].Label,
		JobConfidence:       jScores[0].Confidence,
		Rationale:           rationale(pScores[0], pMatched[pScores[0].Label]),
		PersonaAlternatives: alternatives(pScores),
		JobAlternatives:     alternatives(jScores),
		Backend:             res.Backend,
	}, nil
}

// Affinity returns a scorer of how close a vector in backend is to the
// profile's persona and job labels, each clamped to [0,1]. It returns nil
// when backend has no label vectors or the labels are unknown.
func (c *Classifier) Affinity(backend string, p models.IntentProfile) func(vec []float32) (float64, float64, bool) {
	space, ok := c.spaces[backend]
	if !ok {
		return nil
	}
	pi := labelIndex(c.catalog.Personas, p.Persona)
	ji := labelIndex(c.catalog.Jobs, p.Job)
	if pi < 0 || ji < 0 {
		return nil
	}
	pv, jv := space.personas[pi], space.jobs[ji]
	return func(vec []float32) (float64, float64, bool) {
		if len(vec) != len(pv) {
			return 0, 0, false
		}
		return clamp01(vector.Cosine(vec, pv)), clamp01(vector.Cosine(vec, jv)), true
	}
}

func score(labels []Label, vecs [][]float32, q []float32, tokens []string, cosW, kwW float64) ([]models.LabelScore, map[string][]string) {
	out := make([]models.LabelScore, len(labels))
	matched := make(map[string][]string, len(labels))
	for i, l := range labels {
		hits := keywordHits(tokens, l.Keywords)
		ratio := 0.0
		if len(tokens) > 0 {
			ratio = float64(len(hits)) / float64(len(tokens))
		}
		cos := clamp01(vector.Cosine(q, vecs[i]))
		out[i] = models.LabelScore{Label: l.Name, Confidence: round3(clamp01(cosW*cos + kwW*ratio))}
		matched[l.Name] = hits
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Label < out[j].Label
	})
	return out, matched
}

// keywordTokens drops tokens too short to match keywords meaningfully.
func keywordTokens(text string) []string {
	var out []string
	for _, t := range util.Tokens(text) {
		if len(t) >= 3 {
			out = append(out, t)
		}
	}
	return out
}

// keywordHits returns the reader tokens found inside any label keyword.
func keywordHits(tokens, keywords []string) []string {
	var hits []string
	for _, t := range tokens {
		for _, k := range keywords {
			if strings.Contains(strings.ToLower(k), t) {
				hits = append(hits, t)
				break
			}
		}
	}
	return hits
}

func alternatives(scores []models.LabelScore) []models.LabelScore {
	rest := scores[1:]
	if len(rest) > maxAlternatives {
		rest = rest[:maxAlternatives]
	}
	return append([]models.LabelScore{}, rest...)
}

func rationale(top models.LabelScore, hits []string) string {
	if len(hits) > 0 {
		if len(hits) > 3 {
			hits = hits[:3]
		}
		return fmt.Sprintf("Matched keywords: %s. Confidence %.2f for %s.", strings.Join(hits, ", "), top.Confidence, top.Label)
	}
	return fmt.Sprintf("Closest in meaning to %s (confidence %.2f).", top.Label, top.Confidence)
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

func round3(x float64) float64 {
	return float64(int64(x*1000+0.5)) / 1000
}
