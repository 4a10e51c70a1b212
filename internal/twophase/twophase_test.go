package twophase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"curator/internal/catalog"
	"curator/internal/command"
	"curator/internal/store"
	"curator/internal/types"
)

func newTestExecutor(t *testing.T, window time.Duration) (*Executor, *store.SQLiteStore) {
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
	return NewExecutor(command.NewDispatcher(registry, nil), provider, window, nil), ds
}

func createInterp(name string) types.Interpretation {
	return types.Interpretation{
		Operation:  types.OpCreate,
		TargetType: "entity",
		Parameters: map[string]any{
			"type":   "entity",
			"fields": map[string]any{"name": name},
		},
	}
}

func TestPreviewThenConfirmApplies(t *testing.T) {
	e, ds := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	preview, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.PlanHash == "" {
		t.Fatal("preview must carry a plan hash")
	}
	if preview.AffectedCount != 1 {
		t.Errorf("affected = %d, want 1", preview.AffectedCount)
	}

	// Nothing applied yet.
	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 0 {
		t.Fatalf("preview applied the write: %d records", len(records))
	}

	result, err := e.Confirm(ctx, "s1", preview.PlanHash)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Record == nil || result.Record.Fields["name"] != "widget" {
		t.Errorf("confirm result = %+v", result)
	}

	records, _ = ds.Query(ctx, "entity", nil)
	if len(records) != 1 {
		t.Errorf("got %d records after confirm, want 1", len(records))
	}
}

func TestConfirmWrongHashIsStale(t *testing.T) {
	e, ds := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	if _, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget")); err != nil {
		t.Fatal(err)
	}
	_, err := e.Confirm(ctx, "s1", "deadbeefdeadbeef")
	if !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("err = %v, want stale_plan", err)
	}

	records, _ := ds.Query(ctx, "entity", nil)
	if len(records) != 0 {
		t.Error("mismatched confirm must not execute")
	}
}

func TestConfirmWithoutPreviewIsStale(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	_, err := e.Confirm(context.Background(), "nobody", "abc")
	if !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("err = %v, want stale_plan", err)
	}
}

func TestConfirmTwiceSecondIsStale(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	preview, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Confirm(ctx, "s1", preview.PlanHash); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Confirm(ctx, "s1", preview.PlanHash); !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("second confirm: err = %v, want stale_plan", err)
	}
}

func TestExpiredPlanIsStale(t *testing.T) {
	e, _ := newTestExecutor(t, 10*time.Millisecond)
	ctx := context.Background()

	var expired bool
	e.SetOnExpire(func(sessionID, planHash string) { expired = true })

	preview, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := e.Confirm(ctx, "s1", preview.PlanHash); !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("err = %v, want stale_plan", err)
	}
	if !expired {
		t.Error("expiry callback should have fired")
	}
}

func TestNewPreviewReplacesOld(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	first, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("gadget"))
	if err != nil {
		t.Fatal(err)
	}
	if first.PlanHash == second.PlanHash {
		t.Fatal("different writes must hash differently")
	}

	if _, err := e.Confirm(ctx, "s1", first.PlanHash); !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("old hash: err = %v, want stale_plan", err)
	}
	// The replacement confirm also fails now: the mismatched confirm above
	// does not consume the plan, only a matching one does.
	if _, err := e.Confirm(ctx, "s1", second.PlanHash); err != nil {
		t.Errorf("current hash should confirm, got %v", err)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	p1, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Preview(ctx, "s2", types.ModeWrite, createInterp("gadget")); err != nil {
		t.Fatal(err)
	}

	// s2's confirm with s1's hash must not execute s1's plan.
	if _, err := e.Confirm(ctx, "s2", p1.PlanHash); !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("cross-session confirm: err = %v, want stale_plan", err)
	}
	if _, err := e.Confirm(ctx, "s1", p1.PlanHash); err != nil {
		t.Errorf("own confirm should work, got %v", err)
	}
}

func TestRejectDiscardsPlan(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	ctx := context.Background()

	preview, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget"))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Reject("s1") {
		t.Fatal("reject should find the pending plan")
	}
	if _, err := e.Confirm(ctx, "s1", preview.PlanHash); !types.IsKind(err, types.KindStalePlan) {
		t.Errorf("confirm after reject: err = %v, want stale_plan", err)
	}
}

func TestPreviewRequiresWriteMode(t *testing.T) {
	e, _ := newTestExecutor(t, time.Minute)
	_, err := e.Preview(context.Background(), "s1", types.ModeRead, createInterp("widget"))
	if !types.IsKind(err, types.KindModeNotAllowed) {
		t.Errorf("err = %v, want mode_not_allowed", err)
	}
}

func TestSweeperExpiresPlans(t *testing.T) {
	e, _ := newTestExecutor(t, 10*time.Millisecond)
	ctx := context.Background()

	done := make(chan string, 1)
	e.SetOnExpire(func(sessionID, planHash string) { done <- sessionID })
	e.StartSweeper(5 * time.Millisecond)
	defer e.StopSweeper()

	if _, err := e.Preview(ctx, "s1", types.ModeWrite, createInterp("widget")); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-done:
		if id != "s1" {
			t.Errorf("expired session = %q, want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper never expired the plan")
	}
}

func TestPlanHashSensitivity(t *testing.T) {
	a := createInterp("widget")
	b := createInterp("widget")
	h1, err := PlanHash(a)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := PlanHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("identical plans must hash identically")
	}

	c := createInterp("gadget")
	h3, _ := PlanHash(c)
	if h3 == h1 {
		t.Error("different parameters must change the hash")
	}
}
