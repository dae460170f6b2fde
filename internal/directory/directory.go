package directory

import (
	"context"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// Directory resolves assignee roles to concrete user IDs. Role resolution is
// an external collaborator's responsibility; the engine only consumes it.
type Directory interface {
	// ResolveRole returns the user IDs holding the given role within an
	// organization. An empty result is not an error; the step stays
	// unassigned and notifications fall back to the role name itself.
	ResolveRole(ctx context.Context, orgID, role string) ([]string, error)
}

// StaticDirectory is an in-memory Directory backed by an org → role → users
// table. Suitable for tests and single-binary deployments.
type StaticDirectory struct {
	mu    sync.RWMutex
	table map[string]map[string][]string
}

// NewStaticDirectory creates an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{table: make(map[string]map[string][]string)}
}

// Assign registers users under a role for an organization.
func (d *StaticDirectory) Assign(orgID, role string, users ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	roles, ok := d.table[orgID]
	if !ok {
		roles = make(map[string][]string)
		d.table[orgID] = roles
	}
	roles[role] = append(roles[role], users...)
}

func (d *StaticDirectory) ResolveRole(_ context.Context, orgID, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roles, ok := d.table[orgID]
	if !ok {
		return nil, nil
	}
	users := roles[role]
	out := make([]string, len(users))
	copy(out, users)
	return out, nil
}

// FirstAssignee resolves the roles in order and returns the first concrete
// user found together with the role that produced it. Falls back to the role
// name itself when the directory has no entry, so a TaskAssignment always has
// an addressable assignee.
func FirstAssignee(ctx context.Context, dir Directory, orgID string, roles []string) (assignee, role string, err error) {
	for _, r := range roles {
		users, err := dir.ResolveRole(ctx, orgID, r)
		if err != nil {
			return "", "", schema.NewErrorf(schema.ErrCodeExternalService,
				"resolve role %q: %s", r, err.Error()).WithCause(err)
		}
		if len(users) > 0 {
			return users[0], r, nil
		}
	}
	if len(roles) > 0 {
		return roles[0], roles[0], nil
	}
	return "", "", nil
}
