package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingLLM struct{ calls int }

func (c *countingLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	c.calls++
	return GenerateResponse{Text: "ok"}, ProviderInfo{Name: "count"}, nil
}

func TestNewRateLimitedDisabled(t *testing.T) {
	inner := &countingLLM{}
	require.Same(t, LLMProvider(inner), NewRateLimited(inner, 0))
}

func TestRateLimitedStopsOnCancelledContext(t *testing.T) {
	inner := &countingLLM{}
	rl := NewRateLimited(inner, 0.001)
	_, _, err := rl.Generate(context.Background(), GenerateRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = rl.Generate(ctx, GenerateRequest{})
	require.Error(t, err)
	require.Equal(t, 1, inner.calls)
}
