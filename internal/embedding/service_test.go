package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pagewise/internal/config"
	"pagewise/internal/providers"
	"pagewise/internal/util"
)

type flakyProvider struct {
	calls   atomic.Int32
	failFor int32
	err     error
	block   bool
}

func (f *flakyProvider) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, providers.ProviderInfo{}, ctx.Err()
	}
	if n <= f.failFor {
		return nil, providers.ProviderInfo{}, f.err
	}
	out := make([][]float32, len(req.Inputs))
	for i := range out {
		out[i] = make([]float32, req.Dimension)
		out[i][0] = 1
	}
	return out, providers.ProviderInfo{Name: "flaky"}, nil
}

func newTestService(t *testing.T, p providers.EmbeddingProvider, opts Options) *Service {
	t.Helper()
	primary := FromProvider(p, "flaky", 8)
	lexical := FromProvider(providers.NewLexicalProvider(8), providers.LexicalName, 8)
	return NewService(primary, lexical, opts, zaptest.NewLogger(t))
}

func TestBackendVersion(t *testing.T) {
	require.Equal(t, "ollama:nomic@768", BackendVersion(" Ollama:nomic ", 768))
}

func TestResolveFindsConfiguredBackends(t *testing.T) {
	m, err := providers.NewManager(context.Background(), config.Config{EmbedDim: 8, EmbedProviders: "ollama:nomic"})
	require.NoError(t, err)

	emb, ok := Resolve(m, "ollama:nomic@8")
	require.True(t, ok)
	require.Equal(t, "ollama:nomic@8", emb.Backend())

	emb, ok = Resolve(m, "lexical@8")
	require.True(t, ok)
	require.Equal(t, "lexical@8", emb.Backend())

	_, ok = Resolve(m, "ollama:nomic@768")
	require.False(t, ok)
	_, ok = Resolve(m, "openai@8")
	require.False(t, ok)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	p := &flakyProvider{failFor: 2, err: errors.New("503 service unavailable")}
	s := newTestService(t, p, Options{Retries: 2, Backoff: time.Millisecond})

	out, err := s.Embed(context.Background(), s.Active(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.EqualValues(t, 3, p.calls.Load())
}

func TestEmbedExhaustionWrapsTransientBackend(t *testing.T) {
	p := &flakyProvider{failFor: 100, err: errors.New("timeout talking to upstream")}
	s := newTestService(t, p, Options{Retries: 1, Backoff: time.Millisecond})

	_, err := s.Embed(context.Background(), s.Active(), []string{"a"})
	require.ErrorIs(t, err, util.ErrTransientBackend)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestEmbedDoesNotRetryQuota(t *testing.T) {
	p := &flakyProvider{failFor: 100, err: errors.New("insufficient_quota")}
	s := newTestService(t, p, Options{Retries: 3, Backoff: time.Millisecond})

	_, err := s.Embed(context.Background(), s.Active(), []string{"a"})
	require.ErrorIs(t, err, util.ErrTransientBackend)
	require.EqualValues(t, 1, p.calls.Load())
}

func TestEmbedAttemptTimeoutIsRetried(t *testing.T) {
	p := &flakyProvider{block: true}
	s := newTestService(t, p, Options{Retries: 1, Timeout: 5 * time.Millisecond, Backoff: time.Millisecond})

	_, err := s.Embed(context.Background(), s.Active(), []string{"a"})
	require.ErrorIs(t, err, util.ErrTransientBackend)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestEmbedUnknownBackend(t *testing.T) {
	s := newTestService(t, &flakyProvider{}, Options{})
	_, err := s.Embed(context.Background(), "nope@8", []string{"a"})
	require.ErrorIs(t, err, util.ErrValidation)
}

func TestEmbedQueryFallsBackToLexical(t *testing.T) {
	p := &flakyProvider{block: true}
	s := newTestService(t, p, Options{QueryDeadline: 5 * time.Millisecond})

	res, err := s.EmbedQuery(context.Background(), []string{"enzyme kinetics"})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, s.FallbackBackend(), res.Backend)
	require.Len(t, res.Vectors, 1)
	require.EqualValues(t, 1, p.calls.Load())
}

func TestEmbedQueryUsesPrimaryWhenHealthy(t *testing.T) {
	s := newTestService(t, &flakyProvider{}, Options{QueryDeadline: time.Second})
	res, err := s.EmbedQuery(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Equal(t, "flaky@8", res.Backend)
}

func TestLexicalOnlyServiceNeverDegrades(t *testing.T) {
	m, err := providers.NewManager(context.Background(), testConfig())
	require.NoError(t, err)
	primary, lexical := FromManager(m)
	s := NewService(primary, lexical, Options{}, nil)
	require.False(t, s.Degradable())
	require.Equal(t, "lexical@16", s.Active())

	res, err := s.EmbedQuery(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.False(t, res.Degraded)
}

func TestEmbedderRejectsWrongDimension(t *testing.T) {
	bad := FromProvider(shortProvider{}, "short", 8)
	_, err := bad.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
}

type shortProvider struct{}

func (shortProvider) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	return [][]float32{{1, 2}}, providers.ProviderInfo{}, nil
}
