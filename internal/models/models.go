package models

import "time"

type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

type Document struct {
	DocumentID       string         `json:"document_id"`
	UserID           string         `json:"-"`
	Name             string         `json:"name"`
	ContentHash      string         `json:"content_hash"`
	SizeBytes        int64          `json:"size_bytes"`
	PageCount        int            `json:"page_count"`
	Status           DocumentStatus `json:"status"`
	FailReason       string         `json:"fail_reason,omitempty"`
	EmbeddingBackend string         `json:"embedding_backend,omitempty"`
	Persona          string         `json:"persona,omitempty"`
	Job              string         `json:"job,omitempty"`
	BlobKey          string         `json:"-"`
	FileURL          string         `json:"file_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LastOpenedAt     *time.Time     `json:"last_opened_at,omitempty"`
	DeletedAt        *time.Time     `json:"-"`
}

type Chunk struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Page       int       `json:"page"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	CharCount  int       `json:"char_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Embedding is one vector for one chunk in one backend space.
type Embedding struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Backend    string    `json:"backend_version"`
	Vector     []float32 `json:"vector"`
}

type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

type JobStage string

const (
	StageQueued     JobStage = "queued"
	StageExtracting JobStage = "extracting"
	StageChunking   JobStage = "chunking"
	StageEmbedding  JobStage = "embedding"
	StageIndexing   JobStage = "indexing"
	StageReady      JobStage = "ready"
	StageFailed     JobStage = "failed"
)

// Terminal reports whether no further transitions follow.
func (s JobStage) Terminal() bool {
	return s == StageReady || s == StageFailed
}

type IngestionJob struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"-"`
	DocumentID string    `json:"document_id"`
	Stage      JobStage  `json:"stage"`
	Percent    int       `json:"percent"`
	Error      string    `json:"error,omitempty"`
	Degraded   bool      `json:"degraded"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type LabelScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type IntentProfile struct {
	Persona             string       `json:"persona"`
	PersonaConfidence   float64      `json:"persona_confidence"`
	Job                 string       `json:"job"`
	JobConfidence       float64      `json:"job_confidence"`
	Rationale           string       `json:"rationale"`
	PersonaAlternatives []LabelScore `json:"persona_alternatives"`
	JobAlternatives     []LabelScore `json:"job_alternatives"`
	Backend             string       `json:"backend,omitempty"`
}

// Biased reports whether the profile should influence ranking at all.
func (p IntentProfile) Biased() bool {
	return p.PersonaConfidence > 0 || p.JobConfidence > 0
}

type RelatedSection struct {
	ChunkID           string   `json:"id"`
	DocumentID        string   `json:"documentId"`
	DocumentName      string   `json:"documentName"`
	Page              int      `json:"page"`
	ChunkIndex        int      `json:"chunk_index"`
	Title             string   `json:"title"`
	Snippet           string   `json:"snippet"`
	Relevance         float64  `json:"relevance"`
	EnhancedRelevance *float64 `json:"enhanced_relevance,omitempty"`
	Rationale         string   `json:"rationale"`
	CrossDocument     bool     `json:"cross_document"`
}

type InsightType string

const (
	InsightKeyTakeaway  InsightType = "key-takeaway"
	InsightDidYouKnow   InsightType = "did-you-know"
	InsightCounterpoint InsightType = "counterpoint"
	InsightConnection   InsightType = "connection"
)

type Insight struct {
	Type           InsightType `json:"type"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	Relevance      float64     `json:"relevance"`
	SourceChunkIDs []string    `json:"source_chunk_ids"`
	Generated      bool        `json:"generated"`
}
