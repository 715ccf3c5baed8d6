// Package rbac resolves user roles. Role lookups go to a RoleSource on
// every request; the oracle never caches them, so a revoked role takes
// effect on the very next request.
package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"erppilot/internal/catalog"
	"erppilot/internal/logging"
	"erppilot/internal/types"
)

// RoleSource supplies the roles granted to a user. Implementations must
// return ErrUnknownUser for users they have never seen.
type RoleSource interface {
	RolesFor(ctx context.Context, userID string) ([]types.RoleName, error)
}

// ErrUnknownUser is returned when the user does not exist in the source.
var ErrUnknownUser = fmt.Errorf("unknown user")

// Oracle answers permission questions against a RoleSource and the action
// catalog. It holds no per-user state.
type Oracle struct {
	source RoleSource
	cat    *catalog.Catalog
}

// NewOracle creates an oracle over the given source and catalog.
func NewOracle(source RoleSource, cat *catalog.Catalog) *Oracle {
	return &Oracle{source: source, cat: cat}
}

// Roles returns the user's current roles, fetched fresh from the source.
func (o *Oracle) Roles(ctx context.Context, userID string) ([]types.RoleName, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	roles, err := o.source.RolesFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryRBAC).Debug("user %s has roles %v", userID, roles)
	return roles, nil
}

// AllowedActions lists the catalog actions the user may invoke right now.
func (o *Oracle) AllowedActions(ctx context.Context, userID string) ([]types.ActionName, error) {
	roles, err := o.Roles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return o.cat.AllowedFor(roles), nil
}

// StaticSource is an in-memory RoleSource. Used for tests and for seeding
// a fresh installation before any users exist in the store.
type StaticSource struct {
	mu    sync.RWMutex
	roles map[string][]types.RoleName
}

// NewStaticSource creates a source from a user -> roles map.
func NewStaticSource(grants map[string][]types.RoleName) *StaticSource {
	s := &StaticSource{roles: make(map[string][]types.RoleName, len(grants))}
	for user, rs := range grants {
		s.roles[user] = append([]types.RoleName(nil), rs...)
	}
	return s
}

// RolesFor implements RoleSource.
func (s *StaticSource) RolesFor(_ context.Context, userID string) ([]types.RoleName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.roles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	out := append([]types.RoleName(nil), rs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Grant sets a user's roles, replacing any previous grant.
func (s *StaticSource) Grant(userID string, roles ...types.RoleName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = append([]types.RoleName(nil), roles...)
}

// Revoke removes one role from a user.
func (s *StaticSource) Revoke(userID string, role types.RoleName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.roles[userID][:0]
	for _, r := range s.roles[userID] {
		if r != role {
			kept = append(kept, r)
		}
	}
	s.roles[userID] = kept
}
