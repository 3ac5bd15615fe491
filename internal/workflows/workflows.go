// Package workflows drives offline re-embedding: when the primary embedding
// backend changes, ready documents are moved into the new space ahead of
// the lazy path at query time.
package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"pagewise/internal/activities"
	"pagewise/internal/providers"
)

const (
	QueryGetProgress       = "GetProgress"
	QueryGetDocumentStatus = "GetDocumentStatus"

	StatusReembedded = "reembedded"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
	StatusProcessing = "processing"

	defaultMaxChildren = 3
	defaultMaxAttempts = 4
	defaultLimit       = 500
)

// ReembedBackfillWorkflow re-embeds every stale ready document in batches of
// child workflows and writes a run manifest. It returns the manifest path.
func ReembedBackfillWorkflow(ctx workflow.Context, input BackfillInput) (string, error) {
	progress := BackfillProgress{Backend: input.Backend, PerDocument: map[string]string{}}
	if err := workflow.SetQueryHandler(ctx, QueryGetProgress, func() (BackfillProgress, error) {
		return progress, nil
	}); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Backend) == "" {
		return "", temporal.NewNonRetryableApplicationError("backend is required", "InvalidInput", nil)
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var stale activities.ListStaleDocumentsOutput
	if err := workflow.ExecuteActivity(ctx, "ListStaleDocumentsActivity", activities.ListStaleDocumentsInput{
		Backend: input.Backend,
		Limit:   defaultCount(input.Limit, defaultLimit),
	}).Get(ctx, &stale); err != nil {
		return "", err
	}
	docs := stale.Documents
	progress.Total = len(docs)
	maxChildren := defaultCount(input.MaxConcurrentChildren, defaultMaxChildren)

	for i := 0; i < len(docs); i += maxChildren {
		end := min(i+maxChildren, len(docs))
		futures := make([]workflow.ChildWorkflowFuture, 0, end-i)
		for _, d := range docs[i:end] {
			progress.PerDocument[d.DocumentID] = StatusProcessing
			cwo := workflow.ChildWorkflowOptions{WorkflowID: "reembed-" + sanitizeID(input.Backend) + "-" + d.DocumentID}
			childCtx := workflow.WithChildOptions(ctx, cwo)
			futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, DocumentReembedWorkflow, DocumentReembedInput{
				DocumentID:  d.DocumentID,
				Backend:     input.Backend,
				BatchSize:   input.BatchSize,
				MaxAttempts: input.MaxAttempts,
			}))
		}
		for idx, f := range futures {
			id := docs[i+idx].DocumentID
			var status string
			if err := f.Get(ctx, &status); err != nil || status == StatusFailed {
				progress.Failed++
				progress.PerDocument[id] = StatusFailed
				continue
			}
			progress.Done++
			progress.PerDocument[id] = status
		}
	}
	progress.Finished = true

	info := workflow.GetInfo(ctx)
	var out activities.WriteRunManifestOutput
	if err := workflow.ExecuteActivity(ctx, "WriteRunManifestActivity", activities.WriteRunManifestInput{
		RunID: info.WorkflowExecution.RunID,
		Manifest: map[string]any{
			"run_id":       info.WorkflowExecution.RunID,
			"mode":         "REEMBED_STALE_DOCUMENTS",
			"backend":      input.Backend,
			"total":        progress.Total,
			"done":         progress.Done,
			"failed":       progress.Failed,
			"per_document": progress.PerDocument,
			"finished_at":  workflow.Now(ctx),
		},
	}).Get(ctx, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// DocumentReembedWorkflow moves one document into input.Backend. Provider
// failures are retried here, not by Temporal, so each attempt is audited and
// quota errors stop early.
func DocumentReembedWorkflow(ctx workflow.Context, input DocumentReembedInput) (string, error) {
	status := DocumentStatus{
		DocumentID:  input.DocumentID,
		CurrentStep: "reembed",
		Status:      StatusProcessing,
		RetryCounts: map[string]int{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetDocumentStatus, func() (DocumentStatus, error) {
		return status, nil
	}); err != nil {
		return "", err
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	out, err := callReembedWithRetry(ctx, input, status.RetryCounts)
	if err != nil {
		status.Status = StatusFailed
		status.FailReason = err.Error()
		return status.Status, nil
	}
	status.CurrentStep = "done"
	status.Status = StatusReembedded
	if out.Skipped {
		status.Status = StatusSkipped
	}
	return status.Status, nil
}

func callReembedWithRetry(ctx workflow.Context, input DocumentReembedInput, retryCounts map[string]int) (activities.ReembedDocumentOutput, error) {
	maxAttempts := defaultCount(input.MaxAttempts, defaultMaxAttempts)
	logCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second})
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var out activities.ReembedDocumentOutput
		err := workflow.ExecuteActivity(ctx, "ReembedDocumentActivity", activities.ReembedDocumentInput{
			DocumentID: input.DocumentID,
			Backend:    input.Backend,
			BatchSize:  input.BatchSize,
		}).Get(ctx, &out)
		callID := fmt.Sprintf("reembed-%s-%d", input.DocumentID, attempt)
		if err == nil {
			_ = workflow.ExecuteActivity(logCtx, "LogEmbedCallActivity", activities.LogEmbedCallInput{
				CallID: callID, Operation: "reembed", DocumentID: input.DocumentID, Backend: input.Backend, Status: "ok", Inputs: out.Chunks,
			}).Get(ctx, nil)
			return out, nil
		}
		lastErr = err
		errType := providers.ClassifyError(err)
		_ = workflow.ExecuteActivity(logCtx, "LogEmbedCallActivity", activities.LogEmbedCallInput{
			CallID: callID, Operation: "reembed", DocumentID: input.DocumentID, Backend: input.Backend, Status: "failed", ErrorType: string(errType),
		}).Get(ctx, nil)
		if isNonRetryable(err) {
			break
		}
		key := string(errType)
		retryCounts[key]++
		switch errType {
		case providers.ErrorQuota, providers.ErrorContext, providers.ErrorPermanent:
			return activities.ReembedDocumentOutput{}, lastErr
		case providers.ErrorRate:
			_ = workflow.Sleep(ctx, time.Duration(retryCounts[key]*2)*time.Second)
		default:
			_ = workflow.Sleep(ctx, time.Duration(retryCounts[key])*time.Second)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("re-embed attempts exhausted")
	}
	return activities.ReembedDocumentOutput{}, lastErr
}

func isNonRetryable(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	for _, old := range []string{"_", ".", "/", ":", "@"} {
		s = strings.ReplaceAll(s, old, "-")
	}
	return s
}

func defaultCount(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
