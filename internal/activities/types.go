package activities

type ListStaleDocumentsInput struct {
	Backend string `json:"backend"`
	Limit   int    `json:"limit"`
}

type StaleDocument struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Backend    string `json:"backend"`
}

type ListStaleDocumentsOutput struct {
	Documents []StaleDocument `json:"documents"`
}

type ReembedDocumentInput struct {
	DocumentID string `json:"document_id"`
	Backend    string `json:"backend"`
	BatchSize  int    `json:"batch_size"`
}

type ReembedDocumentOutput struct {
	Chunks  int    `json:"chunks"`
	Backend string `json:"backend"`
	Skipped bool   `json:"skipped"`
}

type LogEmbedCallInput struct {
	CallID     string `json:"call_id"`
	Operation  string `json:"operation"`
	DocumentID string `json:"document_id"`
	Backend    string `json:"backend"`
	Status     string `json:"status"`
	ErrorType  string `json:"error_type"`
	Inputs     int    `json:"inputs"`
}

type WriteRunManifestInput struct {
	RunID    string         `json:"run_id"`
	Manifest map[string]any `json:"manifest"`
}

type WriteRunManifestOutput struct {
	Path string `json:"path"`
}
