package parser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"erppilot/internal/catalog"
	"erppilot/internal/gateway"
	"erppilot/internal/types"
)

// fakeClient returns canned completions without a backend.
type fakeClient struct {
	response string
	err      error
	status   gateway.Status

	calls       int
	lastSystem  string
	lastUser    string
	gotContexts []context.Context
}

func (f *fakeClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	f.gotContexts = append(f.gotContexts, ctx)
	return f.response, f.err
}

func (f *fakeClient) Status() gateway.Status {
	if f.status == "" {
		return gateway.StatusOnline
	}
	return f.status
}

func newTestParser(client *fakeClient) *Parser {
	return New(client, catalog.Default(), 0.6)
}

func TestParseEmptyInputFailsFast(t *testing.T) {
	client := &fakeClient{}
	p := newTestParser(client)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := p.Parse(context.Background(), input, nil)
		var pf *ParseFailure
		if !errors.As(err, &pf) {
			t.Fatalf("input %q: expected ParseFailure, got %v", input, err)
		}
		if pf.Kind != types.ErrInvalidInput {
			t.Errorf("input %q: kind = %v, want invalid_input", input, pf.Kind)
		}
	}
	if client.calls != 0 {
		t.Errorf("backend called %d times for empty input, want 0", client.calls)
	}
}

func TestParseOversizeInputRejected(t *testing.T) {
	client := &fakeClient{}
	p := newTestParser(client)
	p.SetMaxInputBytes(10)

	_, err := p.Parse(context.Background(), strings.Repeat("x", 11), nil)
	var pf *ParseFailure
	if !errors.As(err, &pf) || pf.Kind != types.ErrInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	if client.calls != 0 {
		t.Error("oversize input must not reach the backend")
	}
}

func TestParseValidCompletion(t *testing.T) {
	client := &fakeClient{
		response: `{"action":"create-sales-order","parameters":{"customer":"Acme","item":"Widget","qty":5},"confidence":0.92}`,
	}
	p := newTestParser(client)

	intent, err := p.Parse(context.Background(), "order 5 widgets for Acme", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if intent.Action != types.ActionCreateSalesOrder {
		t.Errorf("action = %v", intent.Action)
	}
	if intent.Confidence != 0.92 {
		t.Errorf("confidence = %v", intent.Confidence)
	}
	if intent.RawText != "order 5 widgets for Acme" {
		t.Errorf("raw text = %q", intent.RawText)
	}
	if got := intent.Parameters["qty"]; got != float64(5) {
		t.Errorf("qty = %v (%T)", got, got)
	}
}

func TestParseMarkdownWrappedCompletion(t *testing.T) {
	client := &fakeClient{
		response: "Here you go:\n```json\n{\"action\":\"list-customers\",\"parameters\":{},\"confidence\":0.8}\n```",
	}
	p := newTestParser(client)

	intent, err := p.Parse(context.Background(), "show customers", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if intent.Action != types.ActionListCustomers {
		t.Errorf("action = %v", intent.Action)
	}
}

func TestParseMissingConfidenceDefaultsModerate(t *testing.T) {
	client := &fakeClient{
		response: `{"action":"create-customer","parameters":{"customer":"Acme"}}`,
	}
	p := newTestParser(client)

	intent, err := p.Parse(context.Background(), "add acme", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// An omitted signal must not read as zero, which would confirm-gate
	// every write regardless of how clear the request was.
	if intent.Confidence != defaultConfidence {
		t.Errorf("confidence = %v, want %v", intent.Confidence, defaultConfidence)
	}

	// An explicit zero is still respected as reported.
	p = newTestParser(&fakeClient{
		response: `{"action":"create-customer","parameters":{"customer":"Acme"},"confidence":0}`,
	})
	intent, err = p.Parse(context.Background(), "add acme", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if intent.Confidence != 0 {
		t.Errorf("explicit zero confidence = %v, want 0", intent.Confidence)
	}
}

func TestParseUnknownActionRejected(t *testing.T) {
	client := &fakeClient{
		response: `{"action":"delete-everything","parameters":{},"confidence":0.99}`,
	}
	p := newTestParser(client)

	_, err := p.Parse(context.Background(), "delete everything", nil)
	var pf *ParseFailure
	if !errors.As(err, &pf) || pf.Kind != types.ErrUnknownAction {
		t.Fatalf("expected unknown_action, got %v", err)
	}
}

func TestParseMalformedCompletion(t *testing.T) {
	cases := map[string]string{
		"no json":         "I think you want to list customers.",
		"truncated":       `{"action":"list-customers","parameters"`,
		"bad confidence":  `{"action":"list-customers","parameters":{},"confidence":1.7}`,
		"negative conf":   `{"action":"list-customers","parameters":{},"confidence":-0.1}`,
		"non-json braces": `{not valid}`,
	}
	for name, completion := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestParser(&fakeClient{response: completion})
			_, err := p.Parse(context.Background(), "show customers", nil)
			var pf *ParseFailure
			if !errors.As(err, &pf) || pf.Kind != types.ErrMalformedCompletion {
				t.Fatalf("expected malformed_completion, got %v", err)
			}
		})
	}
}

func TestParseInvalidParameters(t *testing.T) {
	client := &fakeClient{
		response: `{"action":"create-sales-order","parameters":{"customer":"Acme","item":"Widget","qty":"five"},"confidence":0.9}`,
	}
	p := newTestParser(client)

	_, err := p.Parse(context.Background(), "order five widgets", nil)
	var pf *ParseFailure
	if !errors.As(err, &pf) || pf.Kind != types.ErrInvalidParameters {
		t.Fatalf("expected invalid_parameters, got %v", err)
	}
}

func TestParsePropagatesGatewayKind(t *testing.T) {
	client := &fakeClient{
		err: &gateway.Error{Kind: types.ErrTimeout, Err: errors.New("deadline exceeded")},
	}
	p := newTestParser(client)

	_, err := p.Parse(context.Background(), "list customers", nil)
	var pf *ParseFailure
	if !errors.As(err, &pf) || pf.Kind != types.ErrTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestSystemPromptListsCatalog(t *testing.T) {
	client := &fakeClient{response: `{"action":"list-customers","parameters":{},"confidence":0.8}`}
	p := newTestParser(client)

	if _, err := p.Parse(context.Background(), "customers please", nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range catalog.Default().Names() {
		if !strings.Contains(client.lastSystem, string(name)) {
			t.Errorf("system prompt missing action %q", name)
		}
	}
}

func TestHistoryEmbeddedInPrompt(t *testing.T) {
	client := &fakeClient{response: `{"action":"list-customers","parameters":{},"confidence":0.8}`}
	p := newTestParser(client)

	history := []HistoryTurn{
		{UserText: "who are our customers", Response: "You have 3 customers."},
	}
	if _, err := p.Parse(context.Background(), "show them again", nil); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(client.lastUser, "who are our customers") {
		t.Error("history leaked into prompt without being passed")
	}

	if _, err := p.Parse(context.Background(), "show them again", history); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(client.lastUser, "who are our customers") {
		t.Error("history turn missing from prompt")
	}
}

func TestRevalidateCatchesMutation(t *testing.T) {
	p := newTestParser(&fakeClient{})

	intent := &types.Intent{
		Action:     types.ActionCreateSalesOrder,
		Parameters: map[string]interface{}{"customer": "Acme", "item": "Widget", "qty": float64(2)},
		Confidence: 0.9,
	}
	if err := p.Revalidate(intent); err != nil {
		t.Fatalf("valid intent failed revalidation: %v", err)
	}

	intent.Parameters["qty"] = float64(-2)
	if err := p.Revalidate(intent); err == nil {
		t.Fatal("mutated intent should fail revalidation")
	}
}

func TestExtractJSONIgnoresBracesInStrings(t *testing.T) {
	in := `{"action":"general-query","parameters":{"query":"what is {x}"},"confidence":0.5}`
	if got := extractJSON("noise " + in + " trailing"); got != in {
		t.Errorf("extractJSON = %q", got)
	}
}

func TestParseFallbackReadOnly(t *testing.T) {
	p := newTestParser(&fakeClient{})

	intent := p.ParseFallback("please list all customers")
	if intent == nil {
		t.Fatal("expected fallback match")
	}
	if intent.Action != types.ActionListCustomers {
		t.Errorf("action = %v", intent.Action)
	}
	if intent.Confidence >= p.ConfidenceFloor() {
		t.Errorf("fallback confidence %v must sit below the floor %v", intent.Confidence, p.ConfidenceFloor())
	}

	if got := p.ParseFallback("create a sales order for Acme"); got != nil {
		t.Errorf("fallback must never produce writes, got %v", got.Action)
	}
	if got := p.ParseFallback(""); got != nil {
		t.Error("empty input should not match fallback")
	}
}

func TestParseFallbackStockItem(t *testing.T) {
	p := newTestParser(&fakeClient{})

	intent := p.ParseFallback("what is the stock level of Blue Widget")
	if intent == nil {
		t.Fatal("expected fallback match")
	}
	if intent.Action != types.ActionGetStockLevel {
		t.Errorf("action = %v", intent.Action)
	}
	if item, _ := intent.Parameters["item"].(string); item != "Blue Widget" {
		t.Errorf("item = %q", item)
	}
}
