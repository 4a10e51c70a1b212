package interpret

import (
	"context"
	"strings"
	"testing"

	"curator/internal/catalog"
	"curator/internal/types"
)

type scriptedClient struct {
	response string
	err      error
	calls    int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

type allOps struct{}

func (allOps) Has(name string) bool { return true }

type noOps struct{}

func (noOps) Has(name string) bool { return false }

type staticSource struct{ cat catalog.Catalog }

func (s staticSource) LoadCatalog(ctx context.Context) (catalog.Catalog, error) {
	return s.cat, nil
}

func testCatalog() catalog.Catalog {
	return catalog.Catalog{Types: map[string]catalog.TypeDef{
		"entity": {Name: "entity", Fields: []catalog.FieldDef{
			{Name: "name", Kind: "string", Required: true},
			{Name: "status", Kind: "string"},
			{Name: "tags", Kind: "string"},
		}},
	}}
}

func newTestInterpreter(client *scriptedClient, ops OperationChecker) *Interpreter {
	provider := catalog.NewProvider(catalog.NewCache(16, 0, nil), staticSource{cat: testCatalog()})
	return New(client, provider, ops, Options{ConfidenceThreshold: 0.6}, nil)
}

func TestInterpretValidQuery(t *testing.T) {
	client := &scriptedClient{response: `{
		"operation": "query",
		"target_type": "entity",
		"parameters": {"type": "entity", "filters": {"status": "active"}},
		"confidence": 0.92,
		"message": "Listing active entities."
	}`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "show active entities", nil)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if interp.Operation != types.OpQuery {
		t.Errorf("operation = %s, want query", interp.Operation)
	}
	if interp.TargetType != "entity" {
		t.Errorf("target = %q, want entity", interp.TargetType)
	}
	if interp.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", interp.Confidence)
	}
	if client.calls != 1 {
		t.Errorf("model called %d times, want exactly 1", client.calls)
	}
}

func TestInterpretExtractsJSONFromProse(t *testing.T) {
	client := &scriptedClient{response: `Sure, here is the operation:
{"operation": "query", "target_type": "entity", "parameters": {"type": "entity"}, "confidence": 0.8, "message": "ok"}
Let me know if that helps.`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "list entities", nil)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if interp.Operation != types.OpQuery {
		t.Errorf("operation = %s, want query despite surrounding prose", interp.Operation)
	}
}

func TestMalformedOutputBecomesClarify(t *testing.T) {
	for _, resp := range []string{
		"I don't understand the question.",
		`{"operation": "query", "target_type": `,
	} {
		client := &scriptedClient{response: resp}
		it := newTestInterpreter(client, allOps{})

		interp, err := it.Interpret(context.Background(), "do something", nil)
		if err != nil {
			t.Fatalf("malformed output must not be an error: %v", err)
		}
		if interp.Operation != types.OpClarify {
			t.Errorf("operation = %s, want clarify for %q", interp.Operation, resp)
		}
		if interp.Message == "" {
			t.Error("clarify needs a message for the user")
		}
	}
}

func TestUnknownTargetTypeBecomesClarify(t *testing.T) {
	client := &scriptedClient{response: `{"operation": "query", "target_type": "spaceship",
		"parameters": {}, "confidence": 0.95, "message": "ok"}`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "list spaceships", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpClarify {
		t.Errorf("hallucinated type must downgrade to clarify, got %s", interp.Operation)
	}
}

func TestUnknownFieldBecomesClarify(t *testing.T) {
	client := &scriptedClient{response: `{"operation": "update", "target_type": "entity",
		"parameters": {"filters": {"name": "x"}, "set": {"altitude": 9}}, "confidence": 0.9, "message": "ok"}`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "set altitude", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpClarify {
		t.Errorf("hallucinated field must downgrade to clarify, got %s", interp.Operation)
	}
}

func TestUnregisteredOperationBecomesClarify(t *testing.T) {
	client := &scriptedClient{response: `{"operation": "query", "target_type": "entity",
		"parameters": {}, "confidence": 0.9, "message": "ok"}`}
	it := newTestInterpreter(client, noOps{})

	interp, err := it.Interpret(context.Background(), "list entities", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpClarify {
		t.Errorf("unregistered operation must downgrade to clarify, got %s", interp.Operation)
	}
}

func TestLowConfidenceBecomesClarify(t *testing.T) {
	client := &scriptedClient{response: `{"operation": "delete", "target_type": "entity",
		"parameters": {"filters": {"name": "x"}}, "confidence": 0.3, "message": "Did you mean delete entity x?"}`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "maybe remove x?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpClarify {
		t.Errorf("low confidence must downgrade to clarify, got %s", interp.Operation)
	}
	if interp.Message != "Did you mean delete entity x?" {
		t.Errorf("clarify should carry the model's question, got %q", interp.Message)
	}
}

func TestUnsupportedPassesThrough(t *testing.T) {
	client := &scriptedClient{response: `{"operation": "unsupported", "target_type": "",
		"parameters": {}, "confidence": 0.99, "message": "I only manage records."}`}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "order me a pizza", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpUnsupported {
		t.Errorf("operation = %s, want unsupported", interp.Operation)
	}
}

func TestHeuristicFallbackForQueries(t *testing.T) {
	client := &scriptedClient{err: types.E(types.KindUpstreamUnavailable, "service down")}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "show entities with status is active", nil)
	if err != nil {
		t.Fatalf("read queries should degrade, got error: %v", err)
	}
	if interp.Operation != types.OpQuery {
		t.Fatalf("operation = %s, want query", interp.Operation)
	}
	if interp.Confidence > 0.5 {
		t.Errorf("degraded confidence = %v, must not exceed 0.5", interp.Confidence)
	}
	filters, _ := interp.Parameters["filters"].(map[string]any)
	if filters["status"] != "active" {
		t.Errorf("filters = %v, want status=active", filters)
	}
}

func TestHeuristicNeverMutates(t *testing.T) {
	client := &scriptedClient{err: types.E(types.KindUpstreamUnavailable, "service down")}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "delete the entity named widget", nil)
	if err != nil {
		t.Fatalf("mutation under outage should clarify, got error: %v", err)
	}
	if interp.Operation != types.OpClarify {
		t.Errorf("operation = %s, want clarify; the fallback must never mutate", interp.Operation)
	}
}

func TestUpstreamErrorSurfacesWhenNoFallback(t *testing.T) {
	client := &scriptedClient{err: types.E(types.KindUpstreamUnavailable, "service down")}
	it := newTestInterpreter(client, allOps{})

	_, err := it.Interpret(context.Background(), "hmm, not sure what I want", nil)
	if !types.IsKind(err, types.KindUpstreamUnavailable) {
		t.Errorf("err = %v, want upstream_unavailable", err)
	}
}

func TestReloadedThresholdApplies(t *testing.T) {
	resp := `{"operation": "query", "target_type": "entity",
		"parameters": {"type": "entity"}, "confidence": 0.5, "message": "ok"}`
	client := &scriptedClient{response: resp}
	it := newTestInterpreter(client, allOps{})

	interp, err := it.Interpret(context.Background(), "list entities", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpClarify {
		t.Fatalf("0.5 under the 0.6 threshold should clarify, got %s", interp.Operation)
	}

	it.SetConfidenceThreshold(0.4)
	client.response = resp
	interp, err = it.Interpret(context.Background(), "list entities", nil)
	if err != nil {
		t.Fatal(err)
	}
	if interp.Operation != types.OpQuery {
		t.Errorf("lowered threshold should accept 0.5, got %s", interp.Operation)
	}
}

func TestHistoryInjectedAndTruncated(t *testing.T) {
	it := newTestInterpreter(&scriptedClient{}, allOps{})
	it.historyTruncate = 10

	history := []types.ConversationTurn{
		{Role: "user", Content: "show entities"},
		{Role: "assistant", Content: strings.Repeat("x", 100)},
	}
	prompt := it.buildUserPrompt("and the tags?", history)

	if !strings.Contains(prompt, "show entities") {
		t.Error("prompt should include user history")
	}
	if !strings.Contains(prompt, "(truncated)") {
		t.Error("long assistant turns should be truncated")
	}
	if !strings.Contains(prompt, `User Input: "and the tags?"`) {
		t.Errorf("prompt should end with the current input:\n%s", prompt)
	}
}
