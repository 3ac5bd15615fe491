package providers

import (
	"errors"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"insufficient_quota":            ErrorQuota,
		"429 rate":                      ErrorRate,
		"rate limit exceeded":           ErrorRate,
		"rate_limit_error":              ErrorRate,
		"Too Many Requests":             ErrorRate,
		"failed to generate embedding":  ErrorPermanent,
		"separate request was rejected": ErrorPermanent,
		"context too long":              ErrorContext,
		"timeout":                       ErrorTransient,
		"model temporarily unavailable": ErrorTransient,
		"bad request":                   ErrorPermanent,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Fatalf("classify %q: got %s want %s", msg, got, want)
		}
	}
}
