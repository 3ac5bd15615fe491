package workflows

import (
	"context"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tclient "go.temporal.io/sdk/client"

	"pagewise/internal/util"
)

// Backfills starts and inspects re-embedding backfills on a Temporal
// cluster.
type Backfills struct {
	client      tclient.Client
	taskQueue   string
	maxChildren int
}

func NewBackfills(c tclient.Client, taskQueue string, maxChildren int) *Backfills {
	return &Backfills{client: c, taskQueue: taskQueue, maxChildren: maxChildren}
}

// BackfillID is the workflow id for a backend, so one backfill per backend
// runs at a time.
func BackfillID(backend string) string {
	return "reembed-backfill-" + sanitizeID(backend)
}

// Start launches a backfill into backend and returns its workflow and run
// ids.
func (b *Backfills) Start(ctx context.Context, backend string) (string, string, error) {
	run, err := b.client.ExecuteWorkflow(ctx, tclient.StartWorkflowOptions{
		ID:                                       BackfillID(backend),
		TaskQueue:                                b.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, ReembedBackfillWorkflow, BackfillInput{
		Backend:               backend,
		MaxConcurrentChildren: b.maxChildren,
	})
	if err != nil {
		var running *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &running) {
			return "", "", fmt.Errorf("backfill for %s already running: %w", backend, util.ErrNotReady)
		}
		return "", "", fmt.Errorf("start backfill: %w", err)
	}
	return run.GetID(), run.GetRunID(), nil
}

// Progress queries a running or finished backfill.
func (b *Backfills) Progress(ctx context.Context, workflowID string) (BackfillProgress, error) {
	var prog BackfillProgress
	resp, err := b.client.QueryWorkflow(ctx, workflowID, "", QueryGetProgress)
	if err != nil {
		var missing *serviceerror.NotFound
		if errors.As(err, &missing) {
			return prog, fmt.Errorf("backfill %s: %w", workflowID, util.ErrNotFound)
		}
		return prog, fmt.Errorf("query backfill: %w", err)
	}
	if err := resp.Get(&prog); err != nil {
		return prog, err
	}
	return prog, nil
}
