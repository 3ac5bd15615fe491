package workflows

type BackfillInput struct {
	Backend               string `json:"backend"`
	Limit                 int    `json:"limit"`
	BatchSize             int    `json:"batch_size"`
	MaxConcurrentChildren int    `json:"max_concurrent_children"`
	MaxAttempts           int    `json:"max_attempts"`
}

type BackfillProgress struct {
	Backend     string            `json:"backend"`
	Total       int               `json:"total"`
	Done        int               `json:"done"`
	Failed      int               `json:"failed"`
	PerDocument map[string]string `json:"per_document"`
	Finished    bool              `json:"finished"`
}

type DocumentReembedInput struct {
	DocumentID  string `json:"document_id"`
	Backend     string `json:"backend"`
	BatchSize   int    `json:"batch_size"`
	MaxAttempts int    `json:"max_attempts"`
}

// DocumentStatus is what DocumentReembedWorkflow reports.
type DocumentStatus struct {
	DocumentID  string         `json:"document_id"`
	CurrentStep string         `json:"current_step"`
	Status      string         `json:"status"`
	FailReason  string         `json:"fail_reason,omitempty"`
	RetryCounts map[string]int `json:"retry_counts"`
}
