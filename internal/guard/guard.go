// Package guard authorizes parsed intents before execution. Ordering is
// deliberate: the role check runs first so an unauthorized caller learns
// nothing from validator detail, then parameters are re-validated, then
// free-text values are screened for injection patterns, then reference
// parameters are checked against the record store, and only then does
// the confirmation policy run.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"erppilot/internal/catalog"
	"erppilot/internal/logging"
	"erppilot/internal/rbac"
	"erppilot/internal/types"
)

// Validator re-checks intent parameters against the catalog schema.
// Satisfied by *parser.Parser.
type Validator interface {
	Revalidate(intent *types.Intent) error
}

// RefChecker verifies that a referenced record exists and is readable by
// the acting user. Satisfied by *repository.SQLiteRepository.
type RefChecker interface {
	Visible(ctx context.Context, userID, kind, name string) (bool, error)
}

// Guard decides allow, deny, or confirm for each intent.
type Guard struct {
	oracle          *rbac.Oracle
	cat             *catalog.Catalog
	validator       Validator
	refs            RefChecker
	confidenceFloor float64
}

// New creates a guard.
func New(oracle *rbac.Oracle, cat *catalog.Catalog, validator Validator, confidenceFloor float64) *Guard {
	return &Guard{
		oracle:          oracle,
		cat:             cat,
		validator:       validator,
		confidenceFloor: confidenceFloor,
	}
}

// SetRefChecker enables referential checks on parameters whose spec names
// a record kind. Without a checker those parameters pass unvetted and the
// executor surfaces any missing record itself.
func (g *Guard) SetRefChecker(refs RefChecker) {
	g.refs = refs
}

// injectionPatterns screen free-text parameter values. The parser already
// enforces types; this catches hostile content inside otherwise valid
// strings.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|` + "`" + `$<>]`),                       // shell metacharacters
	regexp.MustCompile(`\.\./`),                                     // path traversal
	regexp.MustCompile(`(?i)\b(drop|delete|insert|update)\s+table`), // SQL fragments
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`--\s*$`), // trailing SQL comment
}

// Authorize produces a fresh Authorization for the intent using the
// configured confidence floor.
func (g *Guard) Authorize(ctx context.Context, userID string, intent *types.Intent) types.Authorization {
	return g.AuthorizeWithFloor(ctx, userID, intent, g.confidenceFloor)
}

// AuthorizeWithFloor is Authorize with a caller-supplied confidence floor,
// letting a per-user preference tighten (or relax) the confirm policy.
// Roles are fetched from the oracle on every call; nothing here is cached.
func (g *Guard) AuthorizeWithFloor(ctx context.Context, userID string, intent *types.Intent, floor float64) types.Authorization {
	timer := logging.StartTimer(logging.CategoryGuard, "authorize")
	defer timer.Stop()

	def, ok := g.cat.Lookup(intent.Action)
	if !ok {
		// A parsed intent with an uncataloged action means something
		// upstream was bypassed. Treat it as untrusted.
		logging.Guard("DENY user=%s action=%s: not in catalog", userID, intent.Action)
		return types.Authorization{
			Decision: types.DecisionDeny,
			Kind:     types.ErrUnknownAction,
			Reason:   fmt.Sprintf("action %q is not available", intent.Action),
		}
	}

	roles, err := g.oracle.Roles(ctx, userID)
	if err != nil {
		if errors.Is(err, rbac.ErrUnknownUser) {
			logging.Guard("DENY user=%s action=%s: unknown user", userID, intent.Action)
			return types.Authorization{
				Decision: types.DecisionDeny,
				Kind:     types.ErrInsufficientRole,
				Reason:   "user is not registered",
			}
		}
		logging.Guard("DENY user=%s action=%s: role lookup failed: %v", userID, intent.Action, err)
		return types.Authorization{
			Decision: types.DecisionDeny,
			Kind:     types.ErrInternal,
			Reason:   "role lookup failed",
		}
	}

	matched, ok := intersect(roles, def)
	if !ok {
		// Denied before parameter validation so the caller learns nothing
		// about the parameters of an action they cannot run.
		logging.Guard("DENY user=%s action=%s: no qualifying role in %v", userID, intent.Action, roles)
		return types.Authorization{
			Decision: types.DecisionDeny,
			Kind:     types.ErrInsufficientRole,
			Reason:   fmt.Sprintf("your roles do not permit %s", def.DisplayName),
		}
	}

	if err := g.validator.Revalidate(intent); err != nil {
		logging.Guard("DENY user=%s action=%s: revalidation failed: %v", userID, intent.Action, err)
		return types.Authorization{
			Decision: types.DecisionDeny,
			Kind:     types.ErrInvalidParameters,
			Reason:   fmt.Sprintf("invalid parameters: %v", err),
		}
	}

	if key, val, found := findInjection(intent.Parameters); found {
		logging.Guard("DENY user=%s action=%s: injection pattern in %q (%q)", userID, intent.Action, key, val)
		return types.Authorization{
			Decision: types.DecisionDeny,
			Kind:     types.ErrInvalidParameters,
			Reason:   fmt.Sprintf("parameter %q contains disallowed characters", key),
		}
	}

	if auth, denied := g.checkRefs(ctx, userID, def, intent); denied {
		return auth
	}

	if decision, reason := g.confirmPolicy(def, intent, floor); decision == types.DecisionConfirm {
		logging.Guard("CONFIRM user=%s action=%s: %s", userID, intent.Action, reason)
		return types.Authorization{
			Decision:    types.DecisionConfirm,
			Reason:      reason,
			MatchedRole: matched,
		}
	}

	logging.Guard("ALLOW user=%s action=%s via role %q", userID, intent.Action, matched)
	return types.Authorization{
		Decision:    types.DecisionAllow,
		Reason:      fmt.Sprintf("permitted via %s", matched),
		MatchedRole: matched,
	}
}

// checkRefs verifies every reference parameter against the record store.
// Runs after injection screening, so a referenced name is safe to echo in
// the reason. A record the user cannot see reads as nonexistent.
func (g *Guard) checkRefs(ctx context.Context, userID string, def *catalog.ActionDefinition, intent *types.Intent) (types.Authorization, bool) {
	if g.refs == nil {
		return types.Authorization{}, false
	}
	for key, spec := range def.Params {
		if spec.Ref == "" {
			continue
		}
		name, ok := intent.Parameters[key].(string)
		if !ok || name == "" {
			continue
		}
		visible, err := g.refs.Visible(ctx, userID, spec.Ref, name)
		if err != nil {
			logging.Guard("DENY user=%s action=%s: ref check for %q failed: %v", userID, intent.Action, key, err)
			return types.Authorization{
				Decision: types.DecisionDeny,
				Kind:     types.ErrInternal,
				Reason:   "could not verify referenced records",
			}, true
		}
		if !visible {
			logging.Guard("DENY user=%s action=%s: %s %q not visible", userID, intent.Action, spec.Ref, name)
			return types.Authorization{
				Decision: types.DecisionDeny,
				Kind:     types.ErrInvalidParameters,
				Reason:   fmt.Sprintf("%s %q does not exist", spec.Ref, name),
			}, true
		}
	}
	return types.Authorization{}, false
}

// confirmPolicy gates risky executions behind an explicit user turn.
// Admin tier always confirms. Write tier confirms only when the parser's
// confidence sits below the floor.
func (g *Guard) confirmPolicy(def *catalog.ActionDefinition, intent *types.Intent, floor float64) (types.Decision, string) {
	if def.RiskTier == types.TierAdmin {
		return types.DecisionConfirm, fmt.Sprintf("%s is an administrative action and needs confirmation", def.DisplayName)
	}
	if def.RiskTier >= types.TierWrite && intent.Confidence < floor {
		return types.DecisionConfirm, fmt.Sprintf("I'm only %.0f%% sure I understood; please confirm before I change anything", intent.Confidence*100)
	}
	return types.DecisionAllow, ""
}

func intersect(roles []types.RoleName, def *catalog.ActionDefinition) (types.RoleName, bool) {
	for _, r := range roles {
		if r == types.RoleSystemManager {
			return r, true
		}
	}
	for _, required := range def.RequiredRoles {
		for _, r := range roles {
			if r == required {
				return r, true
			}
		}
	}
	return "", false
}

func findInjection(params map[string]interface{}) (key, value string, found bool) {
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, pat := range injectionPatterns {
			if pat.MatchString(s) {
				return k, s, true
			}
		}
		if strings.ContainsRune(s, 0) {
			return k, s, true
		}
	}
	return "", "", false
}
