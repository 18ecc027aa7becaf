// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memDirectory is the in-memory Directory used for dev and tests.
// All mutations run under the write lock; Reparent stages the full
// subtree rewrite before touching the live map, so readers see the
// pre-move or post-move state and nothing in between.
type memDirectory struct {
	log  *zap.SugaredLogger
	mu   sync.RWMutex
	byID map[string]*Tenant
}

func NewMemoryDirectory(log *zap.SugaredLogger) Directory {
	return &memDirectory{log: log, byID: map[string]*Tenant{}}
}

// NewMemoryDirectoryFromEnv seeds from TENANT_SEED_JSON (entries
// ordered parents-first: [{"id","name","parent_id","plan"}]).
func NewMemoryDirectoryFromEnv(log *zap.SugaredLogger) Directory {
	d := &memDirectory{log: log, byID: map[string]*Tenant{}}
	seed := os.Getenv("TENANT_SEED_JSON")
	if seed == "" {
		return d
	}
	var entries []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
		Plan     string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		log.Warnw("tenant seed unparseable", "err", err)
		return d
	}
	for _, e := range entries {
		if _, err := d.Create(context.Background(), Tenant{
			ID: e.ID, Name: e.Name, ParentID: e.ParentID, Plan: e.Plan, Active: true,
		}); err != nil {
			log.Warnw("tenant seed entry skipped", "id", e.ID, "err", err)
		}
	}
	return d
}

func (d *memDirectory) Get(ctx context.Context, id string) (Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byID[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return snapshot(t), nil
}

func (d *memDirectory) Create(ctx context.Context, t Tenant) (Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := d.byID[t.ID]; ok {
		return Tenant{}, ErrExists
	}
	var parentPath []string
	if t.ParentID != "" {
		p, ok := d.byID[t.ParentID]
		if !ok {
			return Tenant{}, ErrNotFound
		}
		parentPath = p.Path
	}
	t.Path = append(append([]string{}, parentPath...), t.ID)
	t.Level = len(t.Path) - 1
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := t
	d.byID[t.ID] = &cp
	return snapshot(&cp), nil
}

func (d *memDirectory) Deactivate(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	t.Active = false
	t.UpdatedAt = time.Now()
	return nil
}

func (d *memDirectory) IsDescendantOrSelf(ctx context.Context, candidateID, ancestorID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[candidateID]
	if !ok {
		return false, ErrNotFound
	}
	return pathContains(c.Path, ancestorID), nil
}

func (d *memDirectory) AccessibleTenantIDs(ctx context.Context, rootID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.byID[rootID]; !ok {
		return nil, ErrNotFound
	}
	var ids []string
	for id, t := range d.byID {
		if t.Active && pathContains(t.Path, rootID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *memDirectory) Reparent(ctx context.Context, tenantID, newParentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	moved, ok := d.byID[tenantID]
	if !ok {
		return ErrNotFound
	}
	var newParentPath []string
	if newParentID != "" {
		p, ok := d.byID[newParentID]
		if !ok {
			return ErrNotFound
		}
		if pathContains(p.Path, tenantID) {
			return ErrCycleDetected
		}
		newParentPath = p.Path
	}

	// Stage every rewritten path first; apply only once the whole
	// subtree computed cleanly.
	oldPrefixLen := len(moved.Path) - 1
	staged := map[string][]string{}
	for id, t := range d.byID {
		if !pathContains(t.Path, tenantID) {
			continue
		}
		np := append(append([]string{}, newParentPath...), t.Path[oldPrefixLen:]...)
		staged[id] = np
	}
	now := time.Now()
	for id, np := range staged {
		t := d.byID[id]
		t.Path = np
		t.Level = len(np) - 1
		t.UpdatedAt = now
	}
	moved.ParentID = newParentID
	return nil
}

func snapshot(t *Tenant) Tenant {
	cp := *t
	cp.Path = append([]string(nil), t.Path...)
	return cp
}
