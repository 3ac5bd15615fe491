package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to a text generator.
type RateLimited struct {
	next    LLMProvider
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with a burst of one second's
// worth. A non-positive rps disables limiting.
func NewRateLimited(next LLMProvider, rps float64) LLMProvider {
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return GenerateResponse{}, ProviderInfo{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Generate(ctx, req)
}
