package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"pagewise/internal/util"
)

const LexicalName = "lexical"

// LexicalProvider projects hashed unigrams and bigrams into a fixed number of
// signed buckets. It needs no network or model and is fully deterministic.
type LexicalProvider struct {
	dim int
}

func NewLexicalProvider(dim int) *LexicalProvider {
	if dim <= 0 {
		dim = 384
	}
	return &LexicalProvider{dim: dim}
}

func (l *LexicalProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: LexicalName, Model: fmt.Sprintf("hashed-bow-v1-%d", l.dim), Key: LexicalName}
	dim := req.Dimension
	if dim <= 0 {
		dim = l.dim
	}
	vectors := make([][]float32, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, info, err
		}
		vectors = append(vectors, lexicalVector(input, dim))
	}
	return vectors, info, nil
}

func lexicalVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	tokens := util.Tokens(input)
	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i > 0 {
			addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return normalize(vec)
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
