package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pagewise/internal/logging"
	"pagewise/internal/providers"
	"pagewise/internal/util"
)

type Options struct {
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	QueryDeadline time.Duration
}

// Result is a batch of vectors plus the space they belong to.
type Result struct {
	Vectors  [][]float32
	Backend  string
	Degraded bool
}

// Service wraps the primary and lexical embedders with timeouts, retries and
// query-time fallback.
type Service struct {
	primary Embedder
	lexical Embedder
	opts    Options
	log     *zap.Logger
}

func NewService(primary, lexical Embedder, opts Options, log *zap.Logger) *Service {
	if primary == nil {
		primary = lexical
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Service{primary: primary, lexical: lexical, opts: opts, log: logging.OrNop(log)}
}

// Active is the backend new documents are embedded with.
func (s *Service) Active() string { return s.primary.Backend() }

func (s *Service) FallbackBackend() string { return s.lexical.Backend() }

// Dimension is shared by both spaces.
func (s *Service) Dimension() int { return s.primary.Dimension() }

// Degradable reports whether a distinct fallback exists.
func (s *Service) Degradable() bool { return s.primary.Backend() != s.lexical.Backend() }

// Embedder looks up the embedder for a backend version.
func (s *Service) Embedder(backend string) (Embedder, bool) {
	switch backend {
	case s.primary.Backend():
		return s.primary, true
	case s.lexical.Backend():
		return s.lexical, true
	}
	return nil, false
}

// Embed embeds texts strictly in backend's space. Each attempt runs under
// the configured timeout. Quota and context-length failures are not retried.
// Exhaustion wraps util.ErrTransientBackend.
func (s *Service) Embed(ctx context.Context, backend string, texts []string) ([][]float32, error) {
	emb, ok := s.Embedder(backend)
	if !ok {
		return nil, fmt.Errorf("unknown embedding backend %q: %w", backend, util.ErrValidation)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.opts.Backoff<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		out, err := s.attempt(ctx, emb, texts, s.opts.Timeout)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		kind := providers.ClassifyError(err)
		s.log.Warn("embed attempt failed",
			zap.String("backend", backend),
			zap.Int("attempt", attempt+1),
			zap.String("error_type", string(kind)),
			zap.Error(err))
		if !errors.Is(err, context.DeadlineExceeded) && (kind == providers.ErrorQuota || kind == providers.ErrorContext) {
			break
		}
	}
	return nil, fmt.Errorf("embed with %s: %w: %v", backend, util.ErrTransientBackend, lastErr)
}

// EmbedQuery makes a single attempt on the primary within the query deadline
// and falls back to the lexical space when it fails.
func (s *Service) EmbedQuery(ctx context.Context, texts []string) (Result, error) {
	if s.Degradable() {
		out, err := s.attempt(ctx, s.primary, texts, s.opts.QueryDeadline)
		if err == nil {
			return Result{Vectors: out, Backend: s.primary.Backend()}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.log.Warn("query embedding degraded to lexical", zap.String("backend", s.primary.Backend()), zap.Error(err))
		out, err = s.lexical.EmbedBatch(ctx, texts)
		if err != nil {
			return Result{}, fmt.Errorf("lexical query embedding: %w", err)
		}
		return Result{Vectors: out, Backend: s.lexical.Backend(), Degraded: true}, nil
	}
	out, err := s.lexical.EmbedBatch(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("lexical query embedding: %w", err)
	}
	return Result{Vectors: out, Backend: s.lexical.Backend()}, nil
}

func (s *Service) attempt(ctx context.Context, emb Embedder, texts []string, timeout time.Duration) ([][]float32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := emb.EmbedBatch(ctx, texts)
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
