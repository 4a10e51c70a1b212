package batch

import (
	"context"
	"fmt"

	"curator/internal/types"
)

// BatchCommand adapts the Runner to the command registry so batch
// operations flow through the same dispatch, preview and confirm path as
// single writes.
type BatchCommand struct {
	runner *Runner
}

// NewBatchCommand wraps the runner as a registrable command.
func NewBatchCommand(runner *Runner) *BatchCommand {
	return &BatchCommand{runner: runner}
}

func (c *BatchCommand) Name() string             { return string(types.OpBatch) }
func (c *BatchCommand) RequiredMode() types.Mode { return types.ModeWrite }

// Validate checks the batch shape. Item-level validation happens per item
// at run time so one bad item cannot block the rest.
func (c *BatchCommand) Validate(ctx context.Context, interp types.Interpretation) error {
	_, _, err := c.runner.unpack(interp)
	return err
}

// Execute runs the batch for real. Partial failure is reported through
// the BatchResult, not as a command error.
func (c *BatchCommand) Execute(ctx context.Context, interp types.Interpretation) (types.Result, error) {
	res, err := c.runner.Run(ctx, types.ModeWrite, interp, false)
	if err != nil && !types.IsKind(err, types.KindPartialBatchFailure) {
		return types.Result{}, err
	}

	status := types.StatusOK
	msg := fmt.Sprintf("Batch finished: %d succeeded.", res.Succeeded)
	if res.Failed > 0 || res.Skipped > 0 {
		status = types.StatusError
		msg = fmt.Sprintf("Batch finished: %d succeeded, %d failed, %d skipped.",
			res.Succeeded, res.Failed, res.Skipped)
	}
	return types.Result{Status: status, Message: msg, Batch: &res}, nil
}

// Preview dry-runs the batch: every item is validated and previewed,
// nothing is applied.
func (c *BatchCommand) Preview(ctx context.Context, interp types.Interpretation) (types.PreviewResult, error) {
	res, err := c.runner.Run(ctx, types.ModeWrite, interp, true)
	if err != nil && !types.IsKind(err, types.KindPartialBatchFailure) {
		return types.PreviewResult{}, err
	}

	const sampleCap = 10
	affected := 0
	var sample []types.Record
	for _, item := range res.Items {
		if item.Preview == nil {
			continue
		}
		affected += item.Preview.AffectedCount
		for _, rec := range item.Preview.Sample {
			if len(sample) >= sampleCap {
				break
			}
			sample = append(sample, rec)
		}
	}

	msg := fmt.Sprintf("Will run %d item(s) affecting %d record(s).", len(res.Items), affected)
	if res.Failed > 0 {
		msg = fmt.Sprintf("%s %d item(s) failed validation and will be refused.", msg, res.Failed)
	}
	return types.PreviewResult{
		Command:       c.Name(),
		TargetType:    batchTarget(interp),
		AffectedCount: affected,
		Sample:        sample,
		Parameters:    interp.Parameters,
		Message:       msg,
	}, nil
}

// InvalidatedType returns the shared item type when all items agree, or
// empty to signal a blanket catalog invalidation.
func (c *BatchCommand) InvalidatedType(interp types.Interpretation) string {
	return batchTarget(interp)
}

func batchTarget(interp types.Interpretation) string {
	items, ok := interp.Parameters["items"].([]any)
	if !ok {
		return ""
	}
	target := ""
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			return ""
		}
		t, _ := m["type"].(string)
		if target == "" {
			target = t
		} else if t != target {
			return ""
		}
	}
	return target
}
