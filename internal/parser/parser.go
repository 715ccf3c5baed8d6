// Package parser turns raw user text into a structured Intent using the
// completion backend. The backend proposes, the parser disposes: every
// completion is checked against the action catalog and parameter schemas
// before an Intent is allowed out, and nothing the model says can widen
// the closed action set.
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"erppilot/internal/catalog"
	"erppilot/internal/gateway"
	"erppilot/internal/logging"
	"erppilot/internal/types"
)

// MaxInputBytes is the default cap on accepted input length.
const MaxInputBytes = 10000

// HistoryTurn is one prior exchange embedded in the prompt for context.
type HistoryTurn struct {
	UserText  string    `json:"user_input"`
	Response  string    `json:"assistant_response"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseFailure is a structured parse error. The pipeline renders its Kind
// to the user and audits the Detail.
type ParseFailure struct {
	Kind   types.ErrorKind
	Detail string
}

func (f *ParseFailure) Error() string { return fmt.Sprintf("parse failed (%s): %s", f.Kind, f.Detail) }

// Parser extracts intents from natural language.
type Parser struct {
	client          gateway.CompletionClient
	catalog         *catalog.Catalog
	confidenceFloor float64
	maxInputBytes   int
	systemPrompt    string // built once from the catalog
}

// New creates a parser bound to a completion client and action catalog.
func New(client gateway.CompletionClient, cat *catalog.Catalog, confidenceFloor float64) *Parser {
	p := &Parser{
		client:          client,
		catalog:         cat,
		confidenceFloor: confidenceFloor,
		maxInputBytes:   MaxInputBytes,
	}
	p.systemPrompt = p.buildSystemPrompt()
	return p
}

// SetMaxInputBytes overrides the input length cap.
func (p *Parser) SetMaxInputBytes(n int) {
	if n > 0 {
		p.maxInputBytes = n
	}
}

// defaultConfidence stands in when the model reports no signal at all.
// Moderate on purpose: enough to execute reads, below nothing.
const defaultConfidence = 0.5

// completionEnvelope is the JSON shape the model is asked to produce.
// Confidence is a pointer so an omitted field is distinguishable from a
// reported zero.
type completionEnvelope struct {
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters"`
	Confidence *float64               `json:"confidence"`
}

// Parse turns raw text into a validated Intent. Empty or whitespace-only
// input fails fast without a backend call. Low confidence is not an error
// here: the guard decides what to do with it.
func (p *Parser) Parse(ctx context.Context, rawText string, history []HistoryTurn) (*types.Intent, error) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil, &ParseFailure{Kind: types.ErrInvalidInput, Detail: "empty input"}
	}
	if len(rawText) > p.maxInputBytes {
		return nil, &ParseFailure{Kind: types.ErrInvalidInput, Detail: fmt.Sprintf("input exceeds %d bytes", p.maxInputBytes)}
	}
	if !utf8.ValidString(rawText) {
		return nil, &ParseFailure{Kind: types.ErrInvalidInput, Detail: "input is not valid UTF-8"}
	}

	timer := logging.StartTimer(logging.CategoryParser, "parse")
	defer timer.Stop()

	userPrompt := p.buildUserPrompt(trimmed, history)

	completion, err := p.client.Complete(ctx, p.systemPrompt, userPrompt)
	if err != nil {
		logging.Parser("completion failed: %v", err)
		return nil, &ParseFailure{Kind: gateway.Kind(err), Detail: err.Error()}
	}

	intent, err := p.decode(completion, trimmed)
	if err != nil {
		return nil, err
	}

	logging.Parser("parsed %q -> %s (confidence %.2f)", truncateText(trimmed, 60), intent.Action, intent.Confidence)
	return intent, nil
}

// decode validates a raw completion into an Intent.
func (p *Parser) decode(completion, rawText string) (*types.Intent, error) {
	jsonStr := extractJSON(completion)
	if jsonStr == "" {
		return nil, &ParseFailure{Kind: types.ErrMalformedCompletion, Detail: "no JSON object in completion"}
	}

	var env completionEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		return nil, &ParseFailure{Kind: types.ErrMalformedCompletion, Detail: fmt.Sprintf("JSON parse failed: %v", err)}
	}

	action := types.ActionName(strings.TrimSpace(env.Action))
	def, ok := p.catalog.Lookup(action)
	if !ok {
		return nil, &ParseFailure{Kind: types.ErrUnknownAction, Detail: fmt.Sprintf("action %q is not in the catalog", env.Action)}
	}

	confidence := defaultConfidence
	if env.Confidence != nil {
		confidence = *env.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, &ParseFailure{Kind: types.ErrMalformedCompletion, Detail: fmt.Sprintf("confidence %v out of range", confidence)}
		}
	}

	params := env.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := def.ValidateParams(params); err != nil {
		return nil, &ParseFailure{Kind: types.ErrInvalidParameters, Detail: err.Error()}
	}

	return &types.Intent{
		Action:     action,
		Parameters: params,
		Confidence: confidence,
		RawText:    rawText,
	}, nil
}

// Revalidate re-runs schema validation on an intent. The guard calls this
// so an intent mutated between parse and authorization cannot slip through.
func (p *Parser) Revalidate(intent *types.Intent) error {
	def, ok := p.catalog.Lookup(intent.Action)
	if !ok {
		return &ParseFailure{Kind: types.ErrUnknownAction, Detail: fmt.Sprintf("action %q is not in the catalog", intent.Action)}
	}
	if err := def.ValidateParams(intent.Parameters); err != nil {
		return &ParseFailure{Kind: types.ErrInvalidParameters, Detail: err.Error()}
	}
	return nil
}

// ConfidenceFloor returns the configured floor.
func (p *Parser) ConfidenceFloor() float64 { return p.confidenceFloor }

func (p *Parser) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You convert ERP requests into a single JSON object. Respond with ONLY the JSON, no prose.\n\n")
	b.WriteString("Schema: {\"action\": string, \"parameters\": object, \"confidence\": number between 0 and 1}\n\n")
	b.WriteString("Available actions:\n")
	for _, name := range p.catalog.Names() {
		def, _ := p.catalog.Lookup(name)
		b.WriteString(fmt.Sprintf("- %s: %s", name, def.Description))
		if len(def.Params) > 0 {
			b.WriteString(" (parameters: ")
			first := true
			for pname, spec := range def.Params {
				if !first {
					b.WriteString(", ")
				}
				first = false
				b.WriteString(pname)
				if spec.Required {
					b.WriteString("*")
				}
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nParameters marked * are required. Use only listed actions and parameters.\n")
	b.WriteString("If the request maps to no action, use \"general-query\" with low confidence.\n")
	b.WriteString("Set confidence to how certain you are the action and parameters match the request.\n")
	return b.String()
}

func (p *Parser) buildUserPrompt(text string, history []HistoryTurn) string {
	if len(history) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, turn := range history {
		b.WriteString(fmt.Sprintf("user: %s\nassistant: %s\n", truncateText(turn.UserText, 200), truncateText(turn.Response, 200)))
	}
	b.WriteString("\nCurrent request: ")
	b.WriteString(text)
	return b.String()
}

// extractJSON finds the first balanced JSON object in a completion,
// tolerating markdown fences and surrounding prose.
func extractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
