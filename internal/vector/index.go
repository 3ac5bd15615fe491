// Package vector holds the in-memory similarity index. Entries are sharded
// per user and partitioned by embedding backend, so vectors from different
// spaces are never compared.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

type Entry struct {
	ChunkID    string
	DocumentID string
	Page       int
	ChunkIndex int
	Vector     []float32
}

type Hit struct {
	Entry
	Similarity float64
}

// PageRef names one page of one document.
type PageRef struct {
	DocumentID string
	Page       int
}

// Filter narrows a query. Zero fields do not filter.
type Filter struct {
	OnlyDocument    string
	ExcludeDocument string
	ExcludePage     PageRef
	// Documents, when non-nil, is an allow-list.
	Documents map[string]struct{}
}

func (f Filter) keep(e *entry) bool {
	if f.OnlyDocument != "" && e.DocumentID != f.OnlyDocument {
		return false
	}
	if f.ExcludeDocument != "" && e.DocumentID == f.ExcludeDocument {
		return false
	}
	if f.ExcludePage.DocumentID != "" && e.DocumentID == f.ExcludePage.DocumentID && e.Page == f.ExcludePage.Page {
		return false
	}
	if f.Documents != nil {
		if _, ok := f.Documents[e.DocumentID]; !ok {
			return false
		}
	}
	return true
}

type entry struct {
	Entry
	norm float64
}

type space struct {
	dim     int
	entries map[string]*entry
	byDoc   map[string]map[string]struct{}
}

type shard struct {
	mu     sync.RWMutex
	spaces map[string]*space
}

// Index is safe for concurrent use. The top-level lock guards only the shard
// map; reads and writes for a user take that user's shard lock.
type Index struct {
	mu     sync.RWMutex
	shards map[string]*shard
}

func NewIndex() *Index {
	return &Index{shards: make(map[string]*shard)}
}

type Stats struct {
	Users   int `json:"users"`
	Spaces  int `json:"spaces"`
	Entries int `json:"entries"`
}

func (ix *Index) shard(user string, create bool) *shard {
	ix.mu.RLock()
	sh := ix.shards[user]
	ix.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sh = ix.shards[user]; sh == nil {
		sh = &shard{spaces: make(map[string]*space)}
		ix.shards[user] = sh
	}
	return sh
}

func (sh *shard) space(backend string) *space {
	sp := sh.spaces[backend]
	if sp == nil {
		sp = &space{entries: make(map[string]*entry), byDoc: make(map[string]map[string]struct{})}
		sh.spaces[backend] = sp
	}
	return sp
}

func (sp *space) checkDim(entries []Entry) error {
	dim := sp.dim
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dim {
			return fmt.Errorf("chunk %s has %d dims, space has %d: %w", e.ChunkID, len(e.Vector), dim, ErrDimensionMismatch)
		}
	}
	return nil
}

func (sp *space) put(e Entry) {
	if sp.dim == 0 {
		sp.dim = len(e.Vector)
	}
	if old, ok := sp.entries[e.ChunkID]; ok && old.DocumentID != e.DocumentID {
		sp.dropChunk(old)
	}
	v := append([]float32(nil), e.Vector...)
	e.Vector = v
	sp.entries[e.ChunkID] = &entry{Entry: e, norm: norm(v)}
	ids := sp.byDoc[e.DocumentID]
	if ids == nil {
		ids = make(map[string]struct{})
		sp.byDoc[e.DocumentID] = ids
	}
	ids[e.ChunkID] = struct{}{}
}

func (sp *space) dropChunk(e *entry) {
	delete(sp.entries, e.ChunkID)
	if ids := sp.byDoc[e.DocumentID]; ids != nil {
		delete(ids, e.ChunkID)
		if len(ids) == 0 {
			delete(sp.byDoc, e.DocumentID)
		}
	}
}

func (sp *space) dropDocument(doc string) {
	for id := range sp.byDoc[doc] {
		delete(sp.entries, id)
	}
	delete(sp.byDoc, doc)
	if len(sp.entries) == 0 {
		sp.dim = 0
	}
}

// Insert adds or overwrites entries by chunk id. Nothing is written when any
// entry has the wrong dimension.
func (ix *Index) Insert(user, backend string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	sh := ix.shard(user, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sp := sh.space(backend)
	if err := sp.checkDim(entries); err != nil {
		return err
	}
	for _, e := range entries {
		sp.put(e)
	}
	return nil
}

// ReplaceDocument swaps all of doc's entries in backend for entries in one
// step, so readers see either the old set or the new one.
func (ix *Index) ReplaceDocument(user, backend, doc string, entries []Entry) error {
	sh := ix.shard(user, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sp := sh.space(backend)
	probe := *sp
	if len(sp.byDoc[doc]) == len(sp.entries) {
		probe.dim = 0
	}
	if err := probe.checkDim(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.DocumentID != doc {
			return fmt.Errorf("entry %s belongs to %s, not %s", e.ChunkID, e.DocumentID, doc)
		}
	}
	sp.dropDocument(doc)
	for _, e := range entries {
		sp.put(e)
	}
	return nil
}

// Remove evicts doc from every space of user.
func (ix *Index) Remove(user, doc string) {
	sh := ix.shard(user, false)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for name, sp := range sh.spaces {
		sp.dropDocument(doc)
		if len(sp.entries) == 0 {
			delete(sh.spaces, name)
		}
	}
}

// Query returns the k nearest entries by cosine similarity. k <= 0 returns
// every match. A vector of the wrong dimension is a programming error and
// panics.
func (ix *Index) Query(user, backend string, vec []float32, k int, f Filter) []Hit {
	sh := ix.shard(user, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sp := sh.spaces[backend]
	if sp == nil || len(sp.entries) == 0 {
		return nil
	}
	if len(vec) != sp.dim {
		panic(fmt.Sprintf("vector: query has %d dims, space %s has %d", len(vec), backend, sp.dim))
	}
	qn := norm(vec)
	hits := make([]Hit, 0, len(sp.entries))
	for _, e := range sp.entries {
		if !f.keep(e) {
			continue
		}
		hits = append(hits, Hit{Entry: e.Entry, Similarity: cosine(vec, qn, e.Vector, e.norm)})
	}
	sort.Slice(hits, func(i, j int) bool { return hitLess(hits[i], hits[j]) })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func hitLess(a, b Hit) bool {
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

// Has reports whether doc has any entries in backend.
func (ix *Index) Has(user, backend, doc string) bool {
	sh := ix.shard(user, false)
	if sh == nil {
		return false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sp := sh.spaces[backend]
	return sp != nil && len(sp.byDoc[doc]) > 0
}

// PageEntries returns doc's entries on page ordered by chunk index.
func (ix *Index) PageEntries(user, backend, doc string, page int) []Entry {
	sh := ix.shard(user, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sp := sh.spaces[backend]
	if sp == nil {
		return nil
	}
	var out []Entry
	for id := range sp.byDoc[doc] {
		e := sp.entries[id]
		if e.Page == page {
			out = append(out, e.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// Count is the number of entries user has in backend.
func (ix *Index) Count(user, backend string) int {
	sh := ix.shard(user, false)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sp := sh.spaces[backend]; sp != nil {
		return len(sp.entries)
	}
	return 0
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	shards := make([]*shard, 0, len(ix.shards))
	for _, sh := range ix.shards {
		shards = append(shards, sh)
	}
	ix.mu.RUnlock()

	st := Stats{}
	for _, sh := range shards {
		sh.mu.RLock()
		if len(sh.spaces) > 0 {
			st.Users++
		}
		st.Spaces += len(sh.spaces)
		for _, sp := range sh.spaces {
			st.Entries += len(sp.entries)
		}
		sh.mu.RUnlock()
	}
	return st
}

// Mean averages vectors component-wise. It returns nil for no input.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range out {
			out[i] += v[i]
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

// Cosine is the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	return cosine(a, norm(a), b, norm(b))
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
