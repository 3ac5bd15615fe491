package providers

import (
	"context"
	"fmt"
	"strings"

	"pagewise/internal/config"
)

type NamedLLMProvider struct {
	Ref      ProviderRef
	Provider LLMProvider
}

type NamedEmbedProvider struct {
	Ref      ProviderRef
	Provider EmbeddingProvider
}

// Manager holds the configured providers in preference order. The lexical
// embedder is always present and always last.
type Manager struct {
	llmProviders   []NamedLLMProvider
	embedProviders []NamedEmbedProvider
	dim            int
}

func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	m := &Manager{dim: cfg.EmbedDim}
	for _, ref := range ParseProviderList(cfg.LLMProviders) {
		p, err := buildProvider(ctx, ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		llm, ok := p.(LLMProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support llm", ref.Raw)
		}
		m.llmProviders = append(m.llmProviders, NamedLLMProvider{Ref: ref, Provider: NewRateLimited(llm, cfg.LLMRPS)})
	}
	for _, ref := range ParseProviderList(cfg.EmbedProviders) {
		if strings.EqualFold(ref.Name, LexicalName) {
			continue
		}
		p, err := buildProvider(ctx, ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		embed, ok := p.(EmbeddingProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support embeddings", ref.Raw)
		}
		m.embedProviders = append(m.embedProviders, NamedEmbedProvider{Ref: ref, Provider: embed})
	}
	m.embedProviders = append(m.embedProviders, NamedEmbedProvider{
		Ref:      ProviderRef{Raw: LexicalName, Name: LexicalName},
		Provider: NewLexicalProvider(cfg.EmbedDim),
	})
	return m, nil
}

// PrimaryEmbed is the preferred embedder. It is the lexical one when nothing
// else is configured.
func (m *Manager) PrimaryEmbed() NamedEmbedProvider {
	return m.embedProviders[0]
}

// LexicalEmbed is the always-available fallback.
func (m *Manager) LexicalEmbed() NamedEmbedProvider {
	return m.embedProviders[len(m.embedProviders)-1]
}

// LLM returns the first configured text generator, if any.
func (m *Manager) LLM() (LLMProvider, bool) {
	if len(m.llmProviders) == 0 {
		return nil, false
	}
	return m.llmProviders[0].Provider, true
}

func (m *Manager) Dimension() int {
	return m.dim
}

func (m *Manager) EmbedCount() int {
	return len(m.embedProviders)
}

// FindEmbedProvider matches raw against "name", "name:alias" or the raw entry.
func (m *Manager) FindEmbedProvider(raw string) (NamedEmbedProvider, bool) {
	target := strings.ToLower(strings.TrimSpace(raw))
	if target == "" {
		return NamedEmbedProvider{}, false
	}
	for i := range m.embedProviders {
		ref := m.embedProviders[i].Ref
		candidates := []string{
			strings.ToLower(strings.TrimSpace(ref.Raw)),
			strings.ToLower(strings.TrimSpace(ref.Name)),
		}
		if ref.KeyAlias != "" {
			candidates = append(candidates, strings.ToLower(ref.Name+":"+ref.KeyAlias))
		}
		for _, c := range candidates {
			if c == target {
				return m.embedProviders[i], true
			}
		}
	}
	return NamedEmbedProvider{}, false
}

func buildProvider(ctx context.Context, ref ProviderRef, dim int) (any, error) {
	switch strings.ToLower(ref.Name) {
	case LexicalName:
		return NewLexicalProvider(dim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias), nil
	case "ollama":
		return NewOllamaEmbeddingProvider(ref.KeyAlias), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias), nil
	case "genai", "gemini":
		return NewGenAIProvider(ctx, ref.KeyAlias)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", ref.Name)
	}
}
