// Package batch executes homogeneous multi-item operations with bounded
// concurrency. Items succeed or fail independently; a systemic fault
// (store unreachable) aborts the remainder instead of burning through it.
package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"curator/internal/command"
	"curator/internal/types"
)

// Runner fans a batch out over the dispatcher's registered commands.
type Runner struct {
	dispatcher  *command.Dispatcher
	concurrency int
	maxItems    int
	log         *zap.Logger
}

// NewRunner builds a batch runner.
func NewRunner(dispatcher *command.Dispatcher, concurrency, maxItems int, log *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if maxItems <= 0 {
		maxItems = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		dispatcher:  dispatcher,
		concurrency: concurrency,
		maxItems:    maxItems,
		log:         log.Named("batch"),
	}
}

// Run executes (or, with dryRun, previews) every item. The returned
// BatchResult always carries one outcome per input item in input order.
// The error is non-nil when any item failed; the result remains valid
// alongside it.
func (r *Runner) Run(ctx context.Context, mode types.Mode, interp types.Interpretation, dryRun bool) (types.BatchResult, error) {
	op, items, err := r.unpack(interp)
	if err != nil {
		return types.BatchResult{}, err
	}

	cmd, err := r.dispatcher.Resolve(mode, op)
	if err != nil {
		return types.BatchResult{}, err
	}
	mut, ok := cmd.(command.Mutator)
	if !ok {
		return types.BatchResult{}, types.E(types.KindValidationFailed,
			"batch does not support operation %q", op)
	}

	results := make([]types.BatchItemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range items {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = types.BatchItemResult{
					Index:   i,
					Status:  types.BatchItemSkipped,
					Message: "skipped after earlier systemic failure",
				}
				return nil
			}
			res, itemErr := r.runItem(gctx, mut, op, i, items[i], dryRun)
			results[i] = res
			if types.IsKind(itemErr, types.KindUpstreamUnavailable) {
				return fmt.Errorf("systemic failure at item %d: %w", i, itemErr)
			}
			return nil
		})
	}
	// The group error only signals early abort; per-item outcomes carry
	// the detail.
	_ = g.Wait()

	out := types.BatchResult{Items: results, DryRun: dryRun}
	for i := range results {
		if results[i].Status == "" {
			results[i] = types.BatchItemResult{
				Index:   i,
				Status:  types.BatchItemSkipped,
				Message: "skipped after earlier systemic failure",
			}
		}
		switch results[i].Status {
		case types.BatchItemSucceeded:
			out.Succeeded++
		case types.BatchItemFailed:
			out.Failed++
		case types.BatchItemSkipped:
			out.Skipped++
		}
	}

	r.log.Info("batch finished",
		zap.String("operation", string(op)),
		zap.Bool("dry_run", dryRun),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped))

	if out.Failed > 0 || out.Skipped > 0 {
		return out, types.E(types.KindPartialBatchFailure,
			"%d of %d item(s) did not complete", out.Failed+out.Skipped, len(items))
	}
	return out, nil
}

func (r *Runner) unpack(interp types.Interpretation) (types.OperationKind, []map[string]any, error) {
	opName, _ := interp.Parameters["op"].(string)
	op := types.OperationKind(opName)
	switch op {
	case types.OpCreate, types.OpUpdate, types.OpDelete:
	default:
		return "", nil, types.E(types.KindValidationFailed,
			"batch op must be create, update or delete, got %q", opName)
	}

	rawItems, ok := interp.Parameters["items"].([]any)
	if !ok || len(rawItems) == 0 {
		return "", nil, types.E(types.KindValidationFailed, "batch has no items")
	}
	if len(rawItems) > r.maxItems {
		return "", nil, types.E(types.KindValidationFailed,
			"batch of %d items exceeds the limit of %d", len(rawItems), r.maxItems)
	}

	items := make([]map[string]any, len(rawItems))
	for i, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			return "", nil, types.E(types.KindValidationFailed, "batch item %d is not an object", i)
		}
		items[i] = m
	}
	return op, items, nil
}

// runItem runs one item and returns its outcome. The error mirrors any
// item failure so the caller can spot systemic faults; the outcome itself
// already records the failure.
func (r *Runner) runItem(ctx context.Context, mut command.Mutator, op types.OperationKind, index int, params map[string]any, dryRun bool) (types.BatchItemResult, error) {
	sub := types.Interpretation{Operation: op, Parameters: params}
	if t, ok := params["type"].(string); ok {
		sub.TargetType = t
	}

	failed := func(err error) (types.BatchItemResult, error) {
		return types.BatchItemResult{Index: index, Status: types.BatchItemFailed, Message: err.Error()}, err
	}

	if err := mut.Validate(ctx, sub); err != nil {
		return failed(err)
	}

	if dryRun {
		preview, err := mut.Preview(ctx, sub)
		if err != nil {
			return failed(err)
		}
		return types.BatchItemResult{
			Index:   index,
			Status:  types.BatchItemSucceeded,
			Message: preview.Message,
			Preview: &preview,
		}, nil
	}

	result, err := mut.Execute(ctx, sub)
	if err != nil {
		return failed(err)
	}
	return types.BatchItemResult{
		Index:   index,
		Status:  types.BatchItemSucceeded,
		Message: result.Message,
		Record:  result.Record,
	}, nil
}
