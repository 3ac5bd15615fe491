package providers

import (
	"math"
	"testing"
)

func TestResolveOllamaEmbedModel_Default(t *testing.T) {
	t.Setenv("PAGEWISE_OLLAMA_EMBED_MODEL", "")
	got := resolveOllamaEmbedModel("")
	if got != "nomic-embed-text" {
		t.Fatalf("expected default nomic-embed-text, got %q", got)
	}
}

func TestMatchDimension(t *testing.T) {
	src := []float32{1, 2, 3}
	a := matchDimension(src, 2)
	if len(a) != 2 || math.Abs(float64(a[0])-0.4472136) > 1e-6 || math.Abs(float64(a[1])-0.8944272) > 1e-6 {
		t.Fatalf("truncate failed: %#v", a)
	}
	if n := math.Hypot(float64(a[0]), float64(a[1])); math.Abs(n-1) > 1e-6 {
		t.Fatalf("truncated vector not unit length: %v", n)
	}
	if src[0] != 1 {
		t.Fatalf("truncate modified its input: %#v", src)
	}
	b := matchDimension(src, 5)
	if len(b) != 5 || b[0] != 1 || b[2] != 3 || b[3] != 0 || b[4] != 0 {
		t.Fatalf("pad failed: %#v", b)
	}
}
