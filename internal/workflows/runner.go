package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"

	"r2r/internal/policy"
	"r2r/internal/remediation"
)

const (
	defaultRunTimeout = 2 * time.Minute
	cancelTimeout     = 10 * time.Second
)

// ErrOutcomeUnknown marks a workflow that did not report back in time. Its
// activities may have run before cancellation reached the worker.
var ErrOutcomeUnknown = errors.New("outcome unknown")

// WorkflowExecutor is the subset of client.Client the runner needs.
type WorkflowExecutor interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
}

// TemporalRunner dispatches flatten_and_pause playbooks to a Temporal
// worker. Evidence is sealed locally so the hash does not depend on the
// worker clock.
type TemporalRunner struct {
	Client       WorkflowExecutor
	TaskQueue    string
	Orchestrator *remediation.Orchestrator
	Timeout      time.Duration
}

func (r *TemporalRunner) orchestrator() *remediation.Orchestrator {
	if r.Orchestrator == nil {
		return &remediation.Orchestrator{}
	}
	return r.Orchestrator
}

func (r *TemporalRunner) Run(ctx context.Context, in remediation.Input) remediation.Result {
	orch := r.orchestrator()
	if in.Decision.Playbook != policy.PlaybookFlattenAndPause {
		return orch.Run(ctx, in)
	}
	res, err := orch.Seal(in)
	if err != nil {
		return orch.Run(ctx, in)
	}

	out, err := r.execute(ctx, RemediationInput{
		Close:       in.CloseRequest(),
		PauseReason: in.PauseReason(),
		Memo:        remediation.MemoFor(res.EvidenceHash, in),
	}, in.Execution.Signature)
	if err != nil {
		slog.Error("remediation workflow failed", "signature", in.Execution.Signature, "error", err)
		res.Steps = []remediation.Step{
			errorStep(remediation.DescClosePositions, err),
			errorStep(remediation.DescPauseWallet, err),
			errorStep(remediation.DescAnchorMemo, err),
		}
		return res
	}
	res.Steps = out.Steps
	res.MemoSignature = out.MemoSignature
	return res
}

func (r *TemporalRunner) execute(ctx context.Context, input RemediationInput, signature string) (RemediationOutput, error) {
	if r.Client == nil {
		return RemediationOutput{}, errors.New("temporal client required")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	queue := r.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                       "remediate-" + signature,
		TaskQueue:                queue,
		WorkflowExecutionTimeout: timeout,
	}
	run, err := r.Client.ExecuteWorkflow(ctx, opts, RemediationWorkflow, input)
	if err != nil {
		return RemediationOutput{}, err
	}
	var out RemediationOutput
	if err := run.Get(ctx, &out); err != nil {
		if ctx.Err() == nil {
			return RemediationOutput{}, err
		}
		r.cancel(ctx, opts.ID)
		return RemediationOutput{}, fmt.Errorf("%w: workflow %s did not finish within %s, cancellation requested", ErrOutcomeUnknown, opts.ID, timeout)
	}
	if len(out.Steps) != 3 {
		return RemediationOutput{}, errors.New("remediation workflow returned incomplete steps")
	}
	return out, nil
}

func (r *TemporalRunner) cancel(ctx context.Context, workflowID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := r.Client.CancelWorkflow(cctx, workflowID, ""); err != nil {
		slog.Warn("cancel remediation workflow failed", "workflow_id", workflowID, "error", err)
		return
	}
	slog.Warn("remediation workflow cancelled after timeout", "workflow_id", workflowID)
}
