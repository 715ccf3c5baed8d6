// Package catalog defines the closed, versioned set of actions the
// pipeline can perform. Every parsed intent must resolve to exactly one
// ActionDefinition here; absence is a hard parse failure. The catalog is
// loaded once at startup and treated as immutable configuration.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"erppilot/internal/types"
)

// Version of the action catalog. Bump when actions or schemas change.
const Version = 1

// ParamType constrains the accepted JSON type of a parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"  // float64 accepted
	TypeInteger ParamType = "integer" // whole numbers only
)

// ParamSpec describes one parameter of an action.
type ParamSpec struct {
	Type     ParamType
	Required bool
	// Ref names the record kind this parameter must reference. The guard
	// verifies the referenced record exists and is visible to the acting
	// user before the action runs. Empty means no reference check.
	Ref string
	// Validate runs after the type check. Nil means type check only.
	Validate func(value interface{}) error
}

// ActionDefinition is one catalog entry.
type ActionDefinition struct {
	Name          types.ActionName
	DisplayName   string
	Description   string
	RequiredRoles []types.RoleName
	Params        map[string]ParamSpec
	RiskTier      types.RiskTier
}

// Catalog holds the full set of action definitions keyed by name.
type Catalog struct {
	actions map[types.ActionName]*ActionDefinition
}

// Lookup returns the definition for an action, or false when absent.
func (c *Catalog) Lookup(name types.ActionName) (*ActionDefinition, bool) {
	def, ok := c.actions[name]
	return def, ok
}

// Names returns every action name in the catalog, sorted.
func (c *Catalog) Names() []types.ActionName {
	names := make([]types.ActionName, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.actions)
}

// AllowedFor returns the actions a holder of the given roles may invoke,
// sorted by name.
func (c *Catalog) AllowedFor(roles []types.RoleName) []types.ActionName {
	roleSet := make(map[types.RoleName]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	var allowed []types.ActionName
	for name, def := range c.actions {
		if def.permitsAny(roleSet) {
			allowed = append(allowed, name)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

func (d *ActionDefinition) permitsAny(roleSet map[types.RoleName]bool) bool {
	// System Manager can do everything, matching the ERP's authority model.
	if roleSet[types.RoleSystemManager] {
		return true
	}
	for _, r := range d.RequiredRoles {
		if roleSet[r] {
			return true
		}
	}
	return false
}

// ValidateParams checks a parameter map against the action's schema.
// Unknown keys are rejected; missing required keys and type mismatches are
// reported without coercion. Returns nil when the parameters conform.
func (d *ActionDefinition) ValidateParams(params map[string]interface{}) error {
	var problems []string

	for key := range params {
		if _, ok := d.Params[key]; !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", key))
		}
	}

	for key, spec := range d.Params {
		value, present := params[key]
		if !present {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", key))
			}
			continue
		}
		if err := spec.checkType(key, value); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if spec.Validate != nil {
			if err := spec.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("parameter %q: %v", key, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (s ParamSpec) checkType(key string, value interface{}) error {
	switch s.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", key)
		}
	case TypeNumber:
		if !isNumber(value) {
			return fmt.Errorf("parameter %q must be a number", key)
		}
	case TypeInteger:
		if !isWholeNumber(value) {
			return fmt.Errorf("parameter %q must be an integer", key)
		}
	default:
		return fmt.Errorf("parameter %q has unsupported type %q", key, s.Type)
	}
	return nil
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isWholeNumber(v interface{}) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int64(n))
	}
	return false
}

// Number extracts a float64 from a validated numeric parameter.
func Number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
