// Package embedding turns text into vectors and keeps every vector tagged with
// the backend space it came from.
package embedding

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pagewise/internal/providers"
)

// Embedder is the capability every backend exposes. Backend returns the
// version string vectors are stored and compared under, e.g. "lexical@384".
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Backend() string
}

// BackendVersion is the space name for a provider at a dimension.
func BackendVersion(name string, dim int) string {
	return fmt.Sprintf("%s@%d", strings.ToLower(strings.TrimSpace(name)), dim)
}

type providerEmbedder struct {
	p       providers.EmbeddingProvider
	backend string
	dim     int
}

// FromProvider adapts an EmbeddingProvider to the Embedder capability.
func FromProvider(p providers.EmbeddingProvider, name string, dim int) Embedder {
	return &providerEmbedder{p: p, backend: BackendVersion(name, dim), dim: dim}
}

// FromManager returns the preferred embedder and the lexical fallback. They
// are the same embedder when nothing but lexical is configured.
func FromManager(m *providers.Manager) (primary, lexical Embedder) {
	lex := m.LexicalEmbed()
	lexical = FromProvider(lex.Provider, lex.Ref.Raw, m.Dimension())
	first := m.PrimaryEmbed()
	if strings.EqualFold(first.Ref.Name, providers.LexicalName) {
		return lexical, lexical
	}
	return FromProvider(first.Provider, first.Ref.Raw, m.Dimension()), lexical
}

// Resolve finds the configured provider behind a backend version such as
// "ollama@768". The dimension must match the manager's.
func Resolve(m *providers.Manager, backend string) (Embedder, bool) {
	name, dim, ok := strings.Cut(backend, "@")
	if !ok || dim != strconv.Itoa(m.Dimension()) {
		return nil, false
	}
	named, ok := m.FindEmbedProvider(name)
	if !ok {
		return nil, false
	}
	return FromProvider(named.Provider, named.Ref.Raw, m.Dimension()), true
}

func (e *providerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *providerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, _, err := e.p.Embed(ctx, providers.EmbedRequest{Operation: "embed", Inputs: texts, Dimension: e.dim})
	if err != nil {
		return nil, err
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("%s returned %d vectors for %d inputs", e.backend, len(out), len(texts))
	}
	for i := range out {
		if len(out[i]) != e.dim {
			return nil, fmt.Errorf("%s returned dimension %d, want %d", e.backend, len(out[i]), e.dim)
		}
	}
	return out, nil
}

func (e *providerEmbedder) Dimension() int  { return e.dim }
func (e *providerEmbedder) Backend() string { return e.backend }
