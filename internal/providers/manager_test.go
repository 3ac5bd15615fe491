package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pagewise/internal/config"
)

func TestManagerDefaultsToLexical(t *testing.T) {
	m, err := NewManager(context.Background(), config.Config{EmbedDim: 32})
	require.NoError(t, err)
	require.Equal(t, LexicalName, m.PrimaryEmbed().Ref.Name)
	require.Equal(t, LexicalName, m.LexicalEmbed().Ref.Name)
	require.Equal(t, 1, m.EmbedCount())
	_, ok := m.LLM()
	require.False(t, ok)
}

func TestManagerKeepsLexicalLast(t *testing.T) {
	m, err := NewManager(context.Background(), config.Config{EmbedDim: 32, EmbedProviders: "lexical|ollama:nomic", LLMProviders: "groq", LLMRPS: 2})
	require.NoError(t, err)
	require.Equal(t, 2, m.EmbedCount())
	require.Equal(t, "ollama", m.PrimaryEmbed().Ref.Name)
	require.Equal(t, LexicalName, m.LexicalEmbed().Ref.Name)

	named, ok := m.FindEmbedProvider("ollama:nomic")
	require.True(t, ok)
	require.Equal(t, "nomic", named.Ref.KeyAlias)

	llm, ok := m.LLM()
	require.True(t, ok)
	require.IsType(t, &RateLimited{}, llm)
}

func TestManagerSkipsRateLimitWhenUnset(t *testing.T) {
	m, err := NewManager(context.Background(), config.Config{EmbedDim: 32, LLMProviders: "groq"})
	require.NoError(t, err)
	llm, ok := m.LLM()
	require.True(t, ok)
	require.IsType(t, &GroqProvider{}, llm)
}

func TestManagerRejectsUnknownProvider(t *testing.T) {
	_, err := NewManager(context.Background(), config.Config{EmbedProviders: "nope"})
	require.Error(t, err)
}

func TestManagerRejectsLLMWithoutGenerate(t *testing.T) {
	_, err := NewManager(context.Background(), config.Config{LLMProviders: "ollama"})
	require.Error(t, err)
}
