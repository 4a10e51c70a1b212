package batch

import (
	"context"
	"path/filepath"
	"testing"

	"curator/internal/catalog"
	"curator/internal/command"
	"curator/internal/store"
	"curator/internal/types"
)

func newTestRunner(t *testing.T) (*Runner, *store.SQLiteStore) {
	t.Helper()
	ds, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	provider := catalog.NewProvider(catalog.NewCache(16, 0, nil), ds)
	registry := command.NewRegistry()
	if err := command.RegisterBuiltins(registry, ds, provider, 10); err != nil {
		t.Fatal(err)
	}
	return NewRunner(command.NewDispatcher(registry, nil), 4, 50, nil), ds
}

func batchCreate(names ...string) types.Interpretation {
	items := make([]any, len(names))
	for i, name := range names {
		items[i] = map[string]any{
			"type":   "entity",
			"fields": map[string]any{"name": name},
		}
	}
	return types.Interpretation{
		Operation:  types.OpBatch,
		Parameters: map[string]any{"op": "create", "items": items},
	}
}

func TestBatchCreatesAllItems(t *testing.T) {
	r, ds := newTestRunner(t)
	ctx := context.Background()

	res, err := r.Run(ctx, types.ModeWrite, batchCreate("a", "b", "c"), false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("got %d outcomes for 3 items", len(res.Items))
	}
	if res.Succeeded != 3 || res.Failed != 0 {
		t.Errorf("succeeded=%d failed=%d, want 3/0", res.Succeeded, res.Failed)
	}
	for i, item := range res.Items {
		if item.Index != i {
			t.Errorf("item %d has index %d; order must be preserved", i, item.Index)
		}
	}

	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 3 {
		t.Errorf("store has %d records, want 3", len(records))
	}
}

func TestBatchPartialFailure(t *testing.T) {
	r, ds := newTestRunner(t)
	ctx := context.Background()

	interp := batchCreate("a")
	items := interp.Parameters["items"].([]any)
	// Missing required name field: fails validation, others proceed.
	items = append(items, map[string]any{"type": "entity", "fields": map[string]any{"status": "x"}})
	items = append(items, map[string]any{"type": "entity", "fields": map[string]any{"name": "c"}})
	interp.Parameters["items"] = items

	res, err := r.Run(ctx, types.ModeWrite, interp, false)
	if !types.IsKind(err, types.KindPartialBatchFailure) {
		t.Errorf("err = %v, want partial_batch_failure", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("got %d outcomes for 3 items", len(res.Items))
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 2/1", res.Succeeded, res.Failed)
	}
	if res.Items[1].Status != types.BatchItemFailed {
		t.Errorf("item 1 status = %s, want failed", res.Items[1].Status)
	}

	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 2 {
		t.Errorf("store has %d records, want the 2 valid ones", len(records))
	}
}

func TestBatchDryRunAppliesNothing(t *testing.T) {
	r, ds := newTestRunner(t)
	ctx := context.Background()

	res, err := r.Run(ctx, types.ModeWrite, batchCreate("a", "b"), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun {
		t.Error("result should be marked dry run")
	}
	if res.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", res.Succeeded)
	}
	for _, item := range res.Items {
		if item.Preview == nil {
			t.Errorf("dry-run item %d has no preview", item.Index)
		}
	}

	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 0 {
		t.Errorf("dry run wrote %d records", len(records))
	}
}

func TestBatchRejectsOversize(t *testing.T) {
	r, _ := newTestRunner(t)
	names := make([]string, 51)
	for i := range names {
		names[i] = "x"
	}
	_, err := r.Run(context.Background(), types.ModeWrite, batchCreate(names...), false)
	if !types.IsKind(err, types.KindValidationFailed) {
		t.Errorf("err = %v, want validation_failed", err)
	}
}

func TestBatchRejectsEmptyAndBadOp(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Run(ctx, types.ModeWrite, types.Interpretation{
		Operation:  types.OpBatch,
		Parameters: map[string]any{"op": "create", "items": []any{}},
	}, false)
	if !types.IsKind(err, types.KindValidationFailed) {
		t.Errorf("empty batch: err = %v, want validation_failed", err)
	}

	_, err = r.Run(ctx, types.ModeWrite, types.Interpretation{
		Operation:  types.OpBatch,
		Parameters: map[string]any{"op": "query", "items": []any{map[string]any{}}},
	}, false)
	if !types.IsKind(err, types.KindValidationFailed) {
		t.Errorf("query batch: err = %v, want validation_failed", err)
	}
}

func TestBatchRequiresWriteMode(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.Run(context.Background(), types.ModeRead, batchCreate("a"), false)
	if !types.IsKind(err, types.KindModeNotAllowed) {
		t.Errorf("err = %v, want mode_not_allowed", err)
	}
}

func TestBatchCommandPreviewAggregates(t *testing.T) {
	r, ds := newTestRunner(t)
	cmd := NewBatchCommand(r)
	ctx := context.Background()

	preview, err := cmd.Preview(ctx, batchCreate("a", "b", "c"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.AffectedCount != 3 {
		t.Errorf("affected = %d, want 3", preview.AffectedCount)
	}
	if preview.TargetType != "entity" {
		t.Errorf("target = %q, want entity", preview.TargetType)
	}

	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 0 {
		t.Error("batch preview must not write")
	}
}
