package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIAddr    string
	LogLevel   string
	LogFormat  string
	CORSOrigin string

	PostgresURL string
	DataDir     string
	DataOutRoot string

	TemporalAddress     string
	TemporalTaskQueue   string
	BackfillEnabled     bool
	BackfillMaxChildren int

	AuthMode  string
	JWTSecret string
	// AdminUsers may start and inspect backfills.
	AdminUsers []string

	ChunkSize    int
	ChunkOverlap int

	EmbedDim           int
	EmbedProviders     string
	EmbedTimeoutMs     int
	EmbedRetries       int
	EmbedBackoffMs     int
	EmbedBatchSize     int
	QueryEmbedDeadline int

	LLMProviders string
	LLMTimeoutMs int
	LLMRPS       float64

	IngestMaxConcurrency int
	IngestMaxPerUser     int
	MaxUploadMB          int

	CatalogPath     string
	PersonaMaxBonus float64
	RecommendK      int
	MinRelevance    float64

	InsightMax      int
	InsightMaxChars int
	InsightMinChars int
}

func Load() Config {
	return Config{
		APIAddr:    getenv("PAGEWISE_API_ADDR", ":8080"),
		LogLevel:   getenv("PAGEWISE_LOG_LEVEL", "info"),
		LogFormat:  getenv("PAGEWISE_LOG_FORMAT", "json"),
		CORSOrigin: getenv("PAGEWISE_CORS_ORIGIN", "*"),

		PostgresURL: getenv("PAGEWISE_POSTGRES_URL", ""),
		DataDir:     getenv("PAGEWISE_DATA_DIR", "./data/in"),
		DataOutRoot: getenv("PAGEWISE_DATA_OUT", "./data/out"),

		TemporalAddress:     getenv("PAGEWISE_TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:   getenv("PAGEWISE_TEMPORAL_TASK_QUEUE", "pagewise"),
		BackfillEnabled:     getenvBool("PAGEWISE_BACKFILL_ENABLED", false),
		BackfillMaxChildren: getenvInt("PAGEWISE_BACKFILL_MAX_CHILDREN", 3),

		AuthMode:   getenv("PAGEWISE_AUTH_MODE", "header"),
		JWTSecret:  getenv("PAGEWISE_JWT_SECRET", ""),
		AdminUsers: getenvList("PAGEWISE_ADMIN_USERS"),

		ChunkSize:    getenvInt("PAGEWISE_CHUNK_SIZE", 1000),
		ChunkOverlap: getenvInt("PAGEWISE_CHUNK_OVERLAP", 200),

		EmbedDim:           getenvInt("PAGEWISE_EMBED_DIM", 384),
		EmbedProviders:     getenv("PAGEWISE_EMBED_PROVIDERS", "lexical"),
		EmbedTimeoutMs:     getenvInt("PAGEWISE_EMBED_TIMEOUT_MS", 10000),
		EmbedRetries:       getenvInt("PAGEWISE_EMBED_RETRIES", 2),
		EmbedBackoffMs:     getenvInt("PAGEWISE_EMBED_BACKOFF_MS", 500),
		EmbedBatchSize:     getenvInt("PAGEWISE_EMBED_BATCH_SIZE", 32),
		QueryEmbedDeadline: getenvInt("PAGEWISE_QUERY_EMBED_DEADLINE_MS", 2000),

		LLMProviders: getenv("PAGEWISE_LLM_PROVIDERS", ""),
		LLMTimeoutMs: getenvInt("PAGEWISE_LLM_TIMEOUT_MS", 8000),
		LLMRPS:       getenvFloat("PAGEWISE_LLM_RPS", 2),

		IngestMaxConcurrency: getenvInt("PAGEWISE_INGEST_MAX_CONCURRENCY", 4),
		IngestMaxPerUser:     getenvInt("PAGEWISE_INGEST_MAX_PER_USER", 2),
		MaxUploadMB:          getenvInt("PAGEWISE_MAX_UPLOAD_MB", 50),

		CatalogPath:     getenv("PAGEWISE_CATALOG_PATH", ""),
		PersonaMaxBonus: getenvFloat("PAGEWISE_PERSONA_MAX_BONUS", 0.3),
		RecommendK:      getenvInt("PAGEWISE_RECOMMEND_K", 5),
		MinRelevance:    getenvFloat("PAGEWISE_MIN_RELEVANCE", 0.05),

		InsightMax:      getenvInt("PAGEWISE_INSIGHT_MAX", 4),
		InsightMaxChars: getenvInt("PAGEWISE_INSIGHT_MAX_CHARS", 480),
		InsightMinChars: getenvInt("PAGEWISE_INSIGHT_MIN_CHARS", 40),
	}
}

func (c Config) EmbedTimeout() time.Duration {
	return millis(c.EmbedTimeoutMs)
}

func (c Config) EmbedBackoff() time.Duration {
	return millis(c.EmbedBackoffMs)
}

func (c Config) QueryDeadline() time.Duration {
	return millis(c.QueryEmbedDeadline)
}

func (c Config) LLMTimeout() time.Duration {
	return millis(c.LLMTimeoutMs)
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func millis(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(k string, fallback float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getenvList splits a comma separated value, dropping blanks.
func getenvList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsAdmin reports whether userID is on the admin allow-list.
func (c Config) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.AdminUsers, userID)
}

func getenvBool(k string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
