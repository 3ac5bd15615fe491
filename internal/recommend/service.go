// Package recommend answers "what else should I read" for a page: it makes
// sure the caller's documents are indexed in a comparable space, ranks
// related passages and optionally turns the best of them into insights.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pagewise/internal/embedding"
	"pagewise/internal/insights"
	"pagewise/internal/intent"
	"pagewise/internal/logging"
	"pagewise/internal/models"
	"pagewise/internal/ranking"
	"pagewise/internal/storage"
	"pagewise/internal/util"
	"pagewise/internal/vector"
)

// candidatePool is how many nearest entries per pool reach the ranker, as a
// multiple of k, so the persona bonus has room to reorder.
const candidatePool = 4

type Options struct {
	K         int
	BatchSize int
}

type Query struct {
	UserID       string
	DocumentID   string
	Page         int
	Persona      string
	Job          string
	IncludeCross bool
	K            int
}

type Response struct {
	Recommendations       []models.RelatedSection `json:"recommendations"`
	CrossDocumentSections []models.RelatedSection `json:"cross_document_sections"`
	IntelligenceEnabled   bool                    `json:"intelligence_enabled"`
	Profile               models.IntentProfile    `json:"profile"`
	Backend               string                  `json:"backend"`
	Degraded              bool                    `json:"degraded"`
	ReembeddedDocuments   []string                `json:"reembedded_documents"`
	Notice                string                  `json:"notice,omitempty"`
}

type InsightsResponse struct {
	Insights  []models.Insight `json:"insights"`
	Generated bool             `json:"generated"`
	Backend   string           `json:"backend"`
	Degraded  bool             `json:"degraded"`
}

type Service struct {
	store      storage.Store
	index      *vector.Index
	embed      *embedding.Service
	classifier *intent.Classifier
	ranker     *ranking.Ranker
	synth      *insights.Synthesizer
	opts       Options
	log        *zap.Logger

	loads singleflight.Group
}

func NewService(store storage.Store, index *vector.Index, embed *embedding.Service, classifier *intent.Classifier, ranker *ranking.Ranker, synth *insights.Synthesizer, opts Options, log *zap.Logger) *Service {
	if opts.K <= 0 {
		opts.K = ranking.DefaultK
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Service{
		store:      store,
		index:      index,
		embed:      embed,
		classifier: classifier,
		ranker:     ranker,
		synth:      synth,
		opts:       opts,
		log:        logging.OrNop(log),
	}
}

// result carries the ranked response plus the passage text behind every
// returned chunk, which insights need.
type result struct {
	Response
	texts map[string]string
}

// Recommend returns related sections for one page of a ready document the
// caller owns.
func (s *Service) Recommend(ctx context.Context, q Query) (Response, error) {
	res, err := s.run(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return res.Response, nil
}

// Insights turns the top related sections, same- and cross-document, into
// insight cards. Generation failures fall back to templates.
func (s *Service) Insights(ctx context.Context, q Query) (InsightsResponse, error) {
	q.IncludeCross = true
	res, err := s.run(ctx, q)
	if err != nil {
		return InsightsResponse{}, err
	}
	seen := make(map[string]struct{})
	var sources []insights.Source
	for _, group := range [][]models.RelatedSection{res.Recommendations, res.CrossDocumentSections} {
		for _, sec := range group {
			if _, ok := seen[sec.ChunkID]; ok {
				continue
			}
			seen[sec.ChunkID] = struct{}{}
			sources = append(sources, insights.Source{Section: sec, Text: res.texts[sec.ChunkID]})
		}
	}
	out := InsightsResponse{Insights: []models.Insight{}, Backend: res.Backend, Degraded: res.Degraded}
	if len(sources) == 0 {
		return out, nil
	}
	out.Insights = s.synth.Synthesize(ctx, sources, res.Profile)
	for _, ins := range out.Insights {
		if ins.Generated {
			out.Generated = true
			break
		}
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, q Query) (result, error) {
	doc, err := s.store.GetDocument(ctx, q.UserID, q.DocumentID)
	if err != nil {
		return result{}, err
	}
	if doc.Status != models.StatusReady {
		return result{}, fmt.Errorf("document %s is %s: %w", doc.DocumentID, doc.Status, util.ErrNotReady)
	}
	if q.Page < 1 || q.Page > doc.PageCount {
		return result{}, fmt.Errorf("page %d outside 1..%d: %w", q.Page, doc.PageCount, util.ErrValidation)
	}
	k := q.K
	if k <= 0 {
		k = s.opts.K
	}

	res := result{
		Response: Response{
			Recommendations:       []models.RelatedSection{},
			CrossDocumentSections: []models.RelatedSection{},
			ReembeddedDocuments:   []string{},
		},
		texts: make(map[string]string),
	}
	res.Profile = s.profile(ctx, q, doc)

	library, err := s.readyDocuments(ctx, q.UserID)
	if err != nil {
		return result{}, err
	}

	backend, allowed, reembedded, err := s.prepare(ctx, q.UserID, doc, library)
	if err != nil {
		if ctx.Err() != nil {
			return result{}, ctx.Err()
		}
		s.log.Warn("index rebuild failed", zap.String("document_id", doc.DocumentID), zap.Error(err))
		res.Backend, res.Degraded = s.embed.Active(), true
		res.Notice = "The related-passage index could not be rebuilt; try again shortly."
		return res, nil
	}
	res.Backend = backend
	res.Degraded = backend != s.embed.Active() || len(allowed) < len(library)
	res.ReembeddedDocuments = reembedded

	page := s.index.PageEntries(q.UserID, backend, doc.DocumentID, q.Page)
	if len(page) == 0 {
		res.Notice = "This page has no extractable text."
		return res, nil
	}
	vecs := make([][]float32, len(page))
	for i, e := range page {
		vecs[i] = e.Vector
	}
	qvec := vector.Mean(vecs)

	same, cross, err := s.search(q.UserID, backend, qvec, doc, q.Page, allowed, k*candidatePool)
	if err != nil {
		s.log.Error("index query failed", zap.String("backend", backend), zap.Error(err))
		res.Degraded = true
		res.Notice = "Ranking is temporarily unavailable."
		return res, nil
	}
	if !q.IncludeCross {
		cross = nil
	}

	names := make(map[string]string, len(library))
	for _, d := range library {
		names[d.DocumentID] = d.Name
	}
	texts, err := s.chunkTexts(ctx, append(same, cross...))
	if err != nil {
		return result{}, err
	}
	res.texts = texts

	var aff ranking.Affinity
	if fn := s.classifier.Affinity(backend, res.Profile); fn != nil {
		aff = fn
	}
	res.IntelligenceEnabled = aff != nil && res.Profile.Biased()

	sameCands := candidates(same, names, texts, false)
	crossCands := candidates(cross, names, texts, true)
	// recommendations mixes both pools only when the caller asked for other
	// documents; otherwise it stays within the open document.
	res.Recommendations = s.ranker.Rank(append(sameCands, crossCands...), res.Profile, aff, k)
	if q.IncludeCross {
		res.CrossDocumentSections = s.ranker.Rank(crossCands, res.Profile, aff, k)
	}
	switch {
	case len(res.Recommendations) == 0:
		res.Notice = "No closely related passages were found."
	case q.IncludeCross && len(library) == 1:
		res.Notice = "Upload more documents to see cross-document connections."
	}
	return res, nil
}

// profile classifies the query's persona and job, falling back to the ones
// captured at upload time. Classification errors fall back to the general
// profile so ranking still runs.
func (s *Service) profile(ctx context.Context, q Query, doc models.Document) models.IntentProfile {
	persona, job := strings.TrimSpace(q.Persona), strings.TrimSpace(q.Job)
	if persona == "" && job == "" {
		persona, job = doc.Persona, doc.Job
	}
	p, err := s.classifier.Classify(ctx, persona, job)
	if err != nil {
		s.log.Warn("intent classification failed", zap.Error(err))
		return s.classifier.Default()
	}
	return p
}

func (s *Service) readyDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	docs, err := s.store.ListDocuments(ctx, userID, storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if d.Status == models.StatusReady {
			out = append(out, d)
		}
	}
	return out, nil
}

// prepare picks the query space and makes sure the library is loaded in it.
// The current document must be available in the space; other documents that
// cannot be are left out of the allow-list.
func (s *Service) prepare(ctx context.Context, userID string, doc models.Document, library []models.Document) (string, map[string]struct{}, []string, error) {
	backend := s.embed.Active()
	reembedded, err := s.EnsureSpace(ctx, userID, backend, doc)
	if err != nil && s.embed.Degradable() && ctx.Err() == nil {
		s.log.Warn("query space unavailable, using lexical",
			zap.String("backend", backend),
			zap.String("document_id", doc.DocumentID),
			zap.Error(err))
		backend = s.embed.FallbackBackend()
		reembedded, err = s.EnsureSpace(ctx, userID, backend, doc)
	}
	if err != nil {
		return "", nil, nil, err
	}

	var changed []string
	if reembedded {
		changed = append(changed, doc.DocumentID)
	}
	allowed := map[string]struct{}{doc.DocumentID: {}}
	for _, d := range library {
		if d.DocumentID == doc.DocumentID {
			continue
		}
		re, err := s.EnsureSpace(ctx, userID, backend, d)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, nil, ctx.Err()
			}
			s.log.Warn("document left out of query space",
				zap.String("backend", backend),
				zap.String("document_id", d.DocumentID),
				zap.Error(err))
			continue
		}
		if re {
			changed = append(changed, d.DocumentID)
		}
		allowed[d.DocumentID] = struct{}{}
	}
	if changed == nil {
		changed = []string{}
	}
	return backend, allowed, changed, nil
}

// EnsureSpace loads doc into backend's index space. Persisted embeddings are
// used when complete; otherwise the chunks are embedded again and stored. It
// reports whether embedding work was done. Concurrent calls for the same
// document share one load.
func (s *Service) EnsureSpace(ctx context.Context, userID, backend string, doc models.Document) (bool, error) {
	if s.index.Has(userID, backend, doc.DocumentID) {
		return false, nil
	}
	key := userID + "|" + backend + "|" + doc.DocumentID
	v, err, _ := s.loads.Do(key, func() (any, error) {
		if s.index.Has(userID, backend, doc.DocumentID) {
			return false, nil
		}
		return s.load(ctx, userID, backend, doc)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Service) load(ctx context.Context, userID, backend string, doc models.Document) (bool, error) {
	chunks, err := s.store.ListChunks(ctx, doc.DocumentID)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, fmt.Errorf("document %s has no chunks: %w", doc.DocumentID, util.ErrNotReady)
	}
	embs, err := s.store.ListEmbeddings(ctx, doc.DocumentID, backend)
	if err != nil {
		return false, err
	}

	byChunk := make(map[string][]float32, len(embs))
	for _, e := range embs {
		byChunk[e.ChunkID] = e.Vector
	}
	vectors := make([][]float32, len(chunks))
	complete := true
	for i, c := range chunks {
		v, ok := byChunk[c.ChunkID]
		if !ok {
			complete = false
			break
		}
		vectors[i] = v
	}

	reembedded := false
	if !complete {
		vectors, err = s.reembed(ctx, backend, chunks)
		if err != nil {
			return false, err
		}
		reembedded = true
	}

	entries := make([]vector.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{ChunkID: c.ChunkID, DocumentID: doc.DocumentID, Page: c.Page, ChunkIndex: c.ChunkIndex, Vector: vectors[i]}
	}
	if err := s.index.ReplaceDocument(userID, backend, doc.DocumentID, entries); err != nil {
		return false, err
	}
	// a delete may have raced the load
	if _, err := s.store.GetDocument(ctx, userID, doc.DocumentID); errors.Is(err, util.ErrNotFound) {
		s.index.Remove(userID, doc.DocumentID)
		return false, err
	}
	if reembedded && backend == s.embed.Active() && doc.EmbeddingBackend != backend {
		if err := s.store.SetDocumentBackend(ctx, doc.DocumentID, backend); err != nil {
			s.log.Warn("record document backend", zap.String("document_id", doc.DocumentID), zap.Error(err))
		}
	}
	s.log.Info("document loaded into index",
		zap.String("document_id", doc.DocumentID),
		zap.String("backend", backend),
		zap.Int("chunks", len(chunks)),
		zap.Bool("reembedded", reembedded))
	return reembedded, nil
}

func (s *Service) reembed(ctx context.Context, backend string, chunks []models.Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := s.embed.Embed(ctx, backend, texts)
		if err != nil {
			return nil, err
		}
		embs := make([]models.Embedding, len(vecs))
		for i, v := range vecs {
			c := chunks[start+i]
			embs[i] = models.Embedding{ChunkID: c.ChunkID, DocumentID: c.DocumentID, Backend: backend, Vector: v}
		}
		if err := s.store.UpsertEmbeddings(ctx, embs); err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// search runs both candidate pools. A panic inside the index is turned into
// an error so one bad space cannot take the request down.
func (s *Service) search(userID, backend string, qvec []float32, doc models.Document, page int, allowed map[string]struct{}, n int) (same, cross []vector.Hit, err error) {
	defer func() {
		if r := recover(); r != nil {
			same, cross = nil, nil
			err = fmt.Errorf("query %s: %v", backend, r)
		}
	}()
	same = s.index.Query(userID, backend, qvec, n, vector.Filter{
		OnlyDocument: doc.DocumentID,
		ExcludePage:  vector.PageRef{DocumentID: doc.DocumentID, Page: page},
	})
	cross = s.index.Query(userID, backend, qvec, n, vector.Filter{
		ExcludeDocument: doc.DocumentID,
		Documents:       allowed,
	})
	return same, cross, nil
}

func (s *Service) chunkTexts(ctx context.Context, hits []vector.Hit) (map[string]string, error) {
	want := make(map[string]map[string]struct{})
	for _, h := range hits {
		if want[h.DocumentID] == nil {
			want[h.DocumentID] = make(map[string]struct{})
		}
		want[h.DocumentID][h.ChunkID] = struct{}{}
	}
	out := make(map[string]string)
	for docID, ids := range want {
		chunks, err := s.store.ListChunks(ctx, docID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if _, ok := ids[c.ChunkID]; ok {
				out[c.ChunkID] = c.Text
			}
		}
	}
	return out, nil
}

func candidates(hits []vector.Hit, names, texts map[string]string, cross bool) []ranking.Candidate {
	out := make([]ranking.Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, ranking.Candidate{
			ChunkID:       h.ChunkID,
			DocumentID:    h.DocumentID,
			DocumentName:  names[h.DocumentID],
			Page:          h.Page,
			ChunkIndex:    h.ChunkIndex,
			Text:          texts[h.ChunkID],
			Vector:        h.Vector,
			Similarity:    h.Similarity,
			CrossDocument: cross,
		})
	}
	return out
}
