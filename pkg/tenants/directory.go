package tenants

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("tenant not found")
	ErrExists   = errors.New("tenant already exists")
	// ErrCycleDetected is returned by Reparent when the new parent lies
	// inside the moved tenant's own subtree. The hierarchy is left
	// untouched.
	ErrCycleDetected = errors.New("reparent would create a cycle")
)

// Directory is the tenant hierarchy store. Implementations must keep
// every tenant's Path/Level consistent at all times: a reader never
// observes a half-rewritten subtree.
type Directory interface {
	Get(ctx context.Context, id string) (Tenant, error)
	// Create derives Path and Level from the parent. Provisioning
	// proper lives outside this core; this exists for seeding and the
	// directory admin API.
	Create(ctx context.Context, t Tenant) (Tenant, error)
	// Deactivate soft-deletes: the tenant disappears from access checks
	// but stays addressable inside descendants' paths.
	Deactivate(ctx context.Context, id string) error
	// IsDescendantOrSelf reports whether candidate sits at or below
	// ancestor (candidate's path contains ancestor).
	IsDescendantOrSelf(ctx context.Context, candidateID, ancestorID string) (bool, error)
	// AccessibleTenantIDs lists the active tenants visible from root:
	// root itself plus every active descendant, sorted by id.
	AccessibleTenantIDs(ctx context.Context, rootID string) ([]string, error)
	// Reparent moves tenantID (and transitively its whole subtree)
	// under newParentID, atomically rewriting each descendant's path
	// and level. Empty newParentID promotes the tenant to a root.
	Reparent(ctx context.Context, tenantID, newParentID string) error
}
