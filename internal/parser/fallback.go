package parser

import (
	"regexp"
	"strings"

	"erppilot/internal/logging"
	"erppilot/internal/types"
)

// keywordRule maps surface phrases to a catalog action when the completion
// backend is unreachable. Rules are ordered; first match wins. Only
// read-tier actions appear here: a degraded parser must never guess at
// writes.
type keywordRule struct {
	pattern *regexp.Regexp
	action  types.ActionName
	params  func(text string) map[string]interface{}
}

var fallbackRules = []keywordRule{
	{
		pattern: regexp.MustCompile(`(?i)\b(list|show|all)\b.*\bcustomers\b`),
		action:  types.ActionListCustomers,
	},
	{
		pattern: regexp.MustCompile(`(?i)\bstock\b|\binventory\b|\bon hand\b`),
		action:  types.ActionGetStockLevel,
		params:  extractItemParam,
	},
	{
		pattern: regexp.MustCompile(`(?i)\bsales report\b|\bsales summary\b`),
		action:  types.ActionGetSalesReport,
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(outstanding|unpaid|overdue)\b.*\binvoices?\b`),
		action:  types.ActionGetOutstandingInvoices,
	},
}

var forItemRe = regexp.MustCompile(`(?i)\b(?:of|for)\s+([A-Za-z0-9][A-Za-z0-9 _-]{0,60})`)

func extractItemParam(text string) map[string]interface{} {
	m := forItemRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return map[string]interface{}{"item": strings.TrimSpace(m[1])}
}

// fallbackConfidence is deliberately below any sane floor so every
// fallback-derived write would be confirm-gated, and reads are flagged
// as degraded in the response.
const fallbackConfidence = 0.3

// ParseFallback attempts keyword extraction without the backend. Returns
// nil when no rule matches; callers then surface the original backend
// failure.
func (p *Parser) ParseFallback(rawText string) *types.Intent {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil
	}

	for _, rule := range fallbackRules {
		if !rule.pattern.MatchString(trimmed) {
			continue
		}
		params := map[string]interface{}{}
		if rule.params != nil {
			if extracted := rule.params(trimmed); extracted != nil {
				params = extracted
			}
		}
		def, ok := p.catalog.Lookup(rule.action)
		if !ok || def.ValidateParams(params) != nil {
			continue
		}
		logging.Parser("keyword fallback matched %s for %q", rule.action, truncateText(trimmed, 60))
		return &types.Intent{
			Action:     rule.action,
			Parameters: params,
			Confidence: fallbackConfidence,
			RawText:    trimmed,
		}
	}
	return nil
}
