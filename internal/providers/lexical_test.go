package providers

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestLexicalEmbedDeterministicAndNormalized(t *testing.T) {
	p := NewLexicalProvider(64)
	req := EmbedRequest{Inputs: []string{"enzyme kinetics and catalysis", "enzyme kinetics and catalysis"}}
	out, info, err := p.Embed(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, LexicalName, info.Name)
	require.Len(t, out, 2)
	require.Equal(t, out[0], out[1])
	require.Len(t, out[0], 64)

	var norm float64
	for _, x := range out[0] {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, norm, 1e-5)
}

func TestLexicalEmbedSimilarTextScoresHigher(t *testing.T) {
	p := NewLexicalProvider(256)
	out, _, err := p.Embed(context.Background(), EmbedRequest{Inputs: []string{
		"photosynthesis converts light energy in chloroplasts",
		"chloroplasts capture light energy during photosynthesis",
		"quarterly revenue guidance for retail investors",
	}})
	require.NoError(t, err)
	require.Greater(t, cosine(out[0], out[1]), cosine(out[0], out[2]))
}

func TestLexicalEmbedEmptyTextIsZeroVector(t *testing.T) {
	out, _, err := NewLexicalProvider(16).Embed(context.Background(), EmbedRequest{Inputs: []string{"  "}})
	require.NoError(t, err)
	for _, x := range out[0] {
		require.Zero(t, x)
	}
}

func TestLexicalEmbedHonorsRequestDimension(t *testing.T) {
	out, _, err := NewLexicalProvider(16).Embed(context.Background(), EmbedRequest{Inputs: []string{"hello world"}, Dimension: 32})
	require.NoError(t, err)
	require.Len(t, out[0], 32)
}

func TestLexicalEmbedStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewLexicalProvider(16).Embed(ctx, EmbedRequest{Inputs: []string{"hello"}})
	require.ErrorIs(t, err, context.Canceled)
}
