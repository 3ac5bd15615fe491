package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// GenAIProvider talks to the Gemini API for both embeddings and generation.
type GenAIProvider struct {
	alias      string
	client     *genai.Client
	embedModel string
	chatModel  string
}

func NewGenAIProvider(ctx context.Context, alias string) (*GenAIProvider, error) {
	key := resolveGenAIKey(alias)
	if key == "" {
		return nil, fmt.Errorf("genai key missing for alias %q", alias)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIProvider{
		alias:      alias,
		client:     client,
		embedModel: envOr("PAGEWISE_GENAI_EMBED_MODEL", "gemini-embedding-001"),
		chatModel:  envOr("PAGEWISE_GENAI_MODEL", "gemini-2.0-flash"),
	}, nil
}

func (g *GenAIProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "genai", Model: g.embedModel, Key: g.alias}
	if len(req.Inputs) == 0 {
		return nil, info, fmt.Errorf("no embedding inputs")
	}
	contents := make([]*genai.Content, len(req.Inputs))
	for i, text := range req.Inputs {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if req.Dimension > 0 {
		dim := int32(req.Dimension)
		cfg.OutputDimensionality = &dim
	}
	result, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents, cfg)
	if err != nil {
		return nil, info, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) != len(req.Inputs) {
		return nil, info, fmt.Errorf("genai returned %d embeddings for %d inputs", len(result.Embeddings), len(req.Inputs))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = matchDimension(emb.Values, req.Dimension)
	}
	return out, info, nil
}

func (g *GenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "genai", Model: g.chatModel, Key: g.alias}
	prompt := req.Prompt
	if len(req.Context) > 0 {
		prompt += "\n\nContext:\n" + strings.Join(req.Context, "\n\n")
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(readingAidSystemPrompt, genai.RoleUser),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	result, err := g.client.Models.GenerateContent(ctx, g.chatModel, genai.Text(prompt), cfg)
	if err != nil {
		return GenerateResponse{}, info, fmt.Errorf("genai generate failed: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return GenerateResponse{}, info, fmt.Errorf("genai returned empty text")
	}
	return GenerateResponse{Text: text}, info, nil
}

func resolveGenAIKey(alias string) string {
	if alias != "" {
		if v := os.Getenv("PAGEWISE_GENAI_KEY_" + sanitizeEnvToken(alias)); v != "" {
			return v
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		return v
	}
	return os.Getenv("GOOGLE_API_KEY")
}
