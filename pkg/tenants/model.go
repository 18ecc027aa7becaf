package tenants

import "time"

// Tenant is one node of the account forest. Path is the materialized
// ancestor chain, root-first and ending at the tenant's own id, so
// ancestor/descendant checks are prefix comparisons instead of walks.
//
// Invariants: Path = parent.Path + [ID]; Level = len(Path) - 1.
// An inactive tenant is invisible to access checks but keeps its place
// in descendants' paths, so deactivation never orphans a subtree's
// addressing.
type Tenant struct {
	ID        string
	Name      string
	ParentID  string // empty for roots
	Path      []string
	Level     int
	Active    bool
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Tenant) IsRoot() bool { return t.ParentID == "" }

// pathContains reports whether id appears anywhere in path.
func pathContains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
