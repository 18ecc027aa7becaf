// pkg/db/session.go
package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"deskgate/pkg/config"
	"deskgate/pkg/metrics"
	"deskgate/pkg/tenants"
)

var (
	// ErrPoolExhausted: no connection became free within the acquire
	// timeout. The only retryable failure here; retry policy belongs to
	// the caller.
	ErrPoolExhausted = errors.New("connection pool exhausted, retry later")
	// ErrTenantScopeViolation: a write carried an explicit tenant id
	// outside the bound tenant's accessible set. Never transient, never
	// silently corrected.
	ErrTenantScopeViolation = errors.New("tenant scope violation")
)

// Conn is the slice of pgxpool.Conn the session layer needs. Destroy
// discards the underlying connection instead of returning it, for when
// the tenant binding could not be cleared.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
	Destroy(ctx context.Context)
}

type poolConn struct {
	*pgxpool.Conn
}

func (c poolConn) Destroy(ctx context.Context) {
	// Closing the raw connection makes the pool drop it on release.
	_ = c.Conn.Conn().Close(ctx)
	c.Conn.Release()
}

// Sessions hands out tenant-scoped data sessions. Constructed and
// injected explicitly — no process-wide singleton, so tests swap in a
// fake acquire.
type Sessions struct {
	log            *zap.SugaredLogger
	dir            tenants.Directory
	acquire        func(ctx context.Context) (Conn, error)
	acquireTimeout time.Duration
}

func NewSessions(pool *pgxpool.Pool, dir tenants.Directory, cfg config.Config, log *zap.SugaredLogger) *Sessions {
	return &Sessions{
		log:            log,
		dir:            dir,
		acquireTimeout: cfg.AcquireTimeout,
		acquire: func(ctx context.Context) (Conn, error) {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return poolConn{c}, nil
		},
	}
}

// Session is a request-lifetime binding of one tenant context to one
// pooled connection. Owned by the request that created it; never shared.
type Session struct {
	conn    Conn
	tenant  tenants.Tenant
	visible map[string]struct{}
}

// Tenant returns the bound tenant.
func (s *Session) Tenant() tenants.Tenant { return s.tenant }

// WithTenantContext acquires a connection, binds tenantID's visibility
// context onto it, runs fn, and guarantees the connection goes back to
// the pool on every exit path — success, error, panic, or caller
// cancellation. A connection whose binding cannot be cleared is
// destroyed rather than reused by another tenant.
func (s *Sessions) WithTenantContext(ctx context.Context, tenantID string, fn func(ctx context.Context, sess *Session) error) error {
	t, err := s.dir.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	ids, err := s.dir.AccessibleTenantIDs(ctx, tenantID)
	if err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	start := time.Now()
	conn, err := s.acquire(actx)
	metrics.SessionAcquire.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	defer func() {
		// Unbind with a fresh context: the request context may already
		// be cancelled and the binding must still be cleared.
		uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ucancel()
		if uerr := unbind(uctx, conn); uerr != nil {
			s.log.Warnw("tenant binding reset failed, discarding connection", "tenant", t.ID, "err", uerr)
			conn.Destroy(uctx)
			return
		}
		conn.Release()
	}()

	if err := bind(ctx, conn, t, ids); err != nil {
		return err
	}

	visible := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		visible[id] = struct{}{}
	}
	return fn(ctx, &Session{conn: conn, tenant: t, visible: visible})
}

func bind(ctx context.Context, conn Conn, t tenants.Tenant, visible []string) error {
	_, err := conn.Exec(ctx, `SELECT
	  set_config('app.tenant_id', $1, false),
	  set_config('app.tenant_path', $2, false),
	  set_config('app.tenant_level', $3, false),
	  set_config('app.visible_tenants', $4, false)`,
		t.ID, strings.Join(t.Path, ","), strconv.Itoa(t.Level), strings.Join(visible, ","))
	return err
}

func unbind(ctx context.Context, conn Conn) error {
	_, err := conn.Exec(ctx, `SELECT
	  set_config('app.tenant_id', '', false),
	  set_config('app.tenant_path', '', false),
	  set_config('app.tenant_level', '', false),
	  set_config('app.visible_tenants', '', false)`)
	return err
}

// Query runs sql on the bound connection. Reads on tenant-owned tables
// are additionally filtered by the RLS policies keyed to the bound
// settings, so an unscoped application query still cannot see foreign
// rows.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// InsertInto writes one row. A missing tenant_id is stamped with the
// bound tenant; an explicit tenant_id outside the accessible set is
// rejected before anything reaches the wire. The RLS WITH CHECK policy
// backs this at the database.
func (s *Session) InsertInto(ctx context.Context, table string, row map[string]any) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	tid, ok := row["tenant_id"]
	tidStr, _ := tid.(string)
	if !ok || tidStr == "" {
		tidStr = s.tenant.ID
	}
	if _, visible := s.visible[tidStr]; !visible {
		metrics.ScopeViolations.Inc()
		return fmt.Errorf("%w: tenant %s not visible from %s", ErrTenantScopeViolation, tidStr, s.tenant.ID)
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		if c == "tenant_id" {
			continue
		}
		if !identRe.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	cols = append([]string{"tenant_id"}, cols...)

	args := make([]any, 0, len(cols))
	holders := make([]string, 0, len(cols))
	args = append(args, tidStr)
	holders = append(holders, "$1")
	for i, c := range cols[1:] {
		args = append(args, row[c])
		holders = append(holders, "$"+strconv.Itoa(i+2))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(holders, ", "))
	_, err := s.conn.Exec(ctx, sql, args...)
	return err
}

// Transaction runs fn inside a transaction on the bound connection; the
// session's tenant settings apply throughout.
func (s *Session) Transaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
