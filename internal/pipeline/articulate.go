package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"erppilot/internal/logging"
	"erppilot/internal/prefs"
	"erppilot/internal/types"
)

// articulate renders an outcome as a user-facing response according to the
// user's verbosity preference. Detailed mode may ask the completion backend
// for a prose summary of the payload; that call is best effort and the
// structured rendering is always the fallback.
func (s *Service) articulate(ctx context.Context, outcome *types.Outcome, verbosity string) string {
	if outcome == nil {
		return ""
	}

	switch verbosity {
	case prefs.VerbosityTerse:
		return outcome.Message
	case prefs.VerbosityDetailed:
		base := outcome.Message
		if detail := renderPayload(outcome.Payload); detail != "" {
			base = base + "\n" + detail
		}
		if summary := s.summarize(ctx, outcome); summary != "" {
			return summary + "\n\n" + renderPayload(outcome.Payload)
		}
		return base
	default: // normal
		if outcome.Status == types.OutcomeSuccess && len(outcome.Payload) > 0 {
			if detail := renderPayloadShort(outcome.Payload); detail != "" {
				return outcome.Message + " " + detail
			}
		}
		return outcome.Message
	}
}

// summarize asks the backend to phrase the payload. Failures are silent:
// articulation must never fail a request that already executed.
func (s *Service) summarize(ctx context.Context, outcome *types.Outcome) string {
	if s.client == nil || outcome.Status != types.OutcomeSuccess || len(outcome.Payload) == 0 {
		return ""
	}

	data, err := json.Marshal(outcome.Payload)
	if err != nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	summary, err := s.client.Complete(ctx,
		"Summarize this ERP action result in one or two friendly sentences. No JSON, no markdown.",
		fmt.Sprintf("Result: %s\nData: %s", outcome.Message, data))
	if err != nil {
		logging.PipelineDebug("summary completion failed, using structured response: %v", err)
		return ""
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || strings.Contains(summary, "{") {
		return ""
	}
	return summary
}

// renderPayload formats payload fields one per line, sorted for stable
// output.
func renderPayload(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %s: %s\n", k, renderValue(payload[k])))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderPayloadShort inlines a few scalar fields after the message.
func renderPayloadShort(payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if isScalar(payload[k]) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 || len(keys) > 4 {
		return ""
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, renderValue(payload[k])))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, float64, float32, int, int64, bool:
		return true
	}
	return false
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", val), "0"), ".")
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
