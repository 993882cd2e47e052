package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"r2r/internal/remediation"
)

// RemediationWorkflow runs the flatten_and_pause playbook as three
// activities. Outbound side effects are not idempotent so each activity
// gets a single attempt; a failure becomes an error step and the
// remaining steps still run.
func RemediationWorkflow(ctx workflow.Context, in RemediationInput) (RemediationOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var closeStep remediation.Step
	if err := workflow.ExecuteActivity(ctx, ActivityClosePositions, in.Close).Get(ctx, &closeStep); err != nil {
		closeStep = errorStep(remediation.DescClosePositions, err)
	}
	var pauseStep remediation.Step
	if err := workflow.ExecuteActivity(ctx, ActivityPauseWallet, in.PauseReason).Get(ctx, &pauseStep); err != nil {
		pauseStep = errorStep(remediation.DescPauseWallet, err)
	}
	var anchored AnchorOutput
	if err := workflow.ExecuteActivity(ctx, ActivityAnchorMemo, in.Memo).Get(ctx, &anchored); err != nil {
		anchored = AnchorOutput{Step: errorStep(remediation.DescAnchorMemo, err)}
	}

	return RemediationOutput{
		Steps:         []remediation.Step{closeStep, pauseStep, anchored.Step},
		MemoSignature: anchored.Signature,
	}, nil
}
