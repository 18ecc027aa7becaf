// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgDirectory implements Directory backed by PostgreSQL.
type pgDirectory struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

func NewPostgresDirectory(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Directory {
	return &pgDirectory{dbPool: dbPool, log: log}
}

// EnsureSchema creates the tenant directory and the tenant-owned tables
// with their row-level-security policies. Safe to call repeatedly.
//
// The policies read two session settings bound by the data layer:
// app.tenant_id (stamps inserts that omit a tenant) and
// app.visible_tenants (the accessible set, comma-joined). Together they
// enforce the read filter and the insert scope check even when
// application SQL forgets to.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  name text NOT NULL,
  parent_tenant_id uuid REFERENCES tenants(id),
  tenant_path text[] NOT NULL,
  level int NOT NULL,
  is_active boolean NOT NULL DEFAULT true,
  plan text NOT NULL DEFAULT 'free',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tenants_path_idx ON tenants USING GIN (tenant_path);

CREATE TABLE IF NOT EXISTS tickets (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  tenant_id uuid NOT NULL REFERENCES tenants(id),
  subject text NOT NULL,
  status text NOT NULL DEFAULT 'open',
  requester_email text,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS contacts (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  tenant_id uuid NOT NULL REFERENCES tenants(id),
  email text NOT NULL,
  full_name text,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS kb_articles (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  tenant_id uuid NOT NULL REFERENCES tenants(id),
  title text NOT NULL,
  body text,
  published boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT NOW()
);

ALTER TABLE tickets ENABLE ROW LEVEL SECURITY;
ALTER TABLE contacts ENABLE ROW LEVEL SECURITY;
ALTER TABLE kb_articles ENABLE ROW LEVEL SECURITY;

DROP POLICY IF EXISTS tenant_visibility ON tickets;
CREATE POLICY tenant_visibility ON tickets
  USING (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')))
  WITH CHECK (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')));
DROP POLICY IF EXISTS tenant_visibility ON contacts;
CREATE POLICY tenant_visibility ON contacts
  USING (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')))
  WITH CHECK (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')));
DROP POLICY IF EXISTS tenant_visibility ON kb_articles;
CREATE POLICY tenant_visibility ON kb_articles
  USING (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')))
  WITH CHECK (tenant_id::text = ANY (string_to_array(current_setting('app.visible_tenants', true), ',')));
`)
	return err
}

// SeedFromEnv ingests initial tenants. jsonSeed format (TENANT_SEED_JSON,
// parents before children):
// [{"id":"...","name":"...","parent_id":"...","plan":"..."}]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
		Plan     string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	d := &pgDirectory{dbPool: dbPool}
	for _, e := range entries {
		plan := e.Plan
		if plan == "" {
			plan = "free"
		}
		_, err := d.Create(ctx, Tenant{ID: e.ID, Name: e.Name, ParentID: e.ParentID, Plan: plan, Active: true})
		if err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	return nil
}

const tenantColumns = `id, name, COALESCE(parent_tenant_id::text,''), tenant_path, level, is_active, plan, created_at, updated_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.ParentID, &t.Path, &t.Level, &t.Active, &t.Plan, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	return t, nil
}

func (d *pgDirectory) Get(ctx context.Context, id string) (Tenant, error) {
	return scanTenant(d.dbPool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id=$1`, id))
}

func (d *pgDirectory) Create(ctx context.Context, t Tenant) (Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tx, err := d.dbPool.Begin(ctx)
	if err != nil {
		return Tenant{}, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
		return Tenant{}, err
	}
	if exists {
		return Tenant{}, ErrExists
	}
	var parentPath []string
	var parentID any
	if t.ParentID != "" {
		if err := tx.QueryRow(ctx, `SELECT tenant_path FROM tenants WHERE id=$1`, t.ParentID).Scan(&parentPath); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Tenant{}, ErrNotFound
			}
			return Tenant{}, err
		}
		parentID = t.ParentID
	}
	t.Path = append(append([]string{}, parentPath...), t.ID)
	t.Level = len(t.Path) - 1
	if t.Plan == "" {
		t.Plan = "free"
	}
	row := tx.QueryRow(ctx, `INSERT INTO tenants(id, name, parent_tenant_id, tenant_path, level, is_active, plan)
	  VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+tenantColumns,
		t.ID, t.Name, parentID, t.Path, t.Level, t.Active, t.Plan)
	created, err := scanTenant(row)
	if err != nil {
		return Tenant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Tenant{}, err
	}
	return created, nil
}

func (d *pgDirectory) Deactivate(ctx context.Context, id string) error {
	tag, err := d.dbPool.Exec(ctx, `UPDATE tenants SET is_active=false, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *pgDirectory) IsDescendantOrSelf(ctx context.Context, candidateID, ancestorID string) (bool, error) {
	var path []string
	err := d.dbPool.QueryRow(ctx, `SELECT tenant_path FROM tenants WHERE id=$1`, candidateID).Scan(&path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return pathContains(path, ancestorID), nil
}

func (d *pgDirectory) AccessibleTenantIDs(ctx context.Context, rootID string) ([]string, error) {
	var exists bool
	if err := d.dbPool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id=$1)`, rootID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := d.dbPool.Query(ctx, `SELECT id FROM tenants WHERE $1 = ANY(tenant_path) AND is_active ORDER BY id`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reparent rewrites the moved tenant's whole subtree in one transaction.
// Subtree rows are locked FOR UPDATE so concurrent readers running at
// read-committed or better see the pre-move or post-move paths, never a
// mix.
func (d *pgDirectory) Reparent(ctx context.Context, tenantID, newParentID string) error {
	tx, err := d.dbPool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var newParentPath []string
	var parentID any
	if newParentID != "" {
		if err := tx.QueryRow(ctx, `SELECT tenant_path FROM tenants WHERE id=$1 FOR UPDATE`, newParentID).Scan(&newParentPath); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if pathContains(newParentPath, tenantID) {
			return ErrCycleDetected
		}
		parentID = newParentID
	}

	rows, err := tx.Query(ctx, `SELECT id, tenant_path FROM tenants WHERE $1 = ANY(tenant_path) ORDER BY level FOR UPDATE`, tenantID)
	if err != nil {
		return err
	}
	type node struct {
		id   string
		path []string
	}
	var subtree []node
	for rows.Next() {
		var n node
		if err := rows.Scan(&n.id, &n.path); err != nil {
			rows.Close()
			return err
		}
		subtree = append(subtree, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(subtree) == 0 {
		return ErrNotFound
	}

	// First row is the moved tenant itself (lowest level in the set).
	oldPrefixLen := len(subtree[0].path) - 1
	batch := &pgx.Batch{}
	for _, n := range subtree {
		np := append(append([]string{}, newParentPath...), n.path[oldPrefixLen:]...)
		batch.Queue(`UPDATE tenants SET tenant_path=$1, level=$2, updated_at=NOW() WHERE id=$3`, np, len(np)-1, n.id)
	}
	batch.Queue(`UPDATE tenants SET parent_tenant_id=$1, updated_at=NOW() WHERE id=$2`, parentID, tenantID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
