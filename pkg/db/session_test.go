package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"deskgate/pkg/tenants"
)

type execCall struct {
	sql  string
	args []any
}

// fakeConn records everything the session layer sends down the wire.
// Exec calls without args are the binding reset; unbindErr simulates a
// connection whose settings cannot be cleared.
type fakeConn struct {
	execs     []execCall
	unbindErr error
	released  bool
	destroyed bool
	tx        *fakeTx
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if len(args) == 0 && c.unbindErr != nil {
		return pgconn.CommandTag{}, c.unbindErr
	}
	c.execs = append(c.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	c.tx = &fakeTx{}
	return c.tx, nil
}

func (c *fakeConn) Release() { c.released = true }

func (c *fakeConn) Destroy(ctx context.Context) { c.destroyed = true }

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func testDirectory(t *testing.T) tenants.Directory {
	t.Helper()
	d := tenants.NewMemoryDirectory(zap.NewNop().Sugar())
	ctx := context.Background()
	for _, e := range []struct{ id, parent string }{
		{"root", ""}, {"child-a", "root"}, {"grandchild", "child-a"},
	} {
		if _, err := d.Create(ctx, tenants.Tenant{ID: e.id, Name: e.id, ParentID: e.parent, Active: true}); err != nil {
			t.Fatalf("create %s: %v", e.id, err)
		}
	}
	return d
}

func newTestSessions(t *testing.T, conn *fakeConn) *Sessions {
	t.Helper()
	return &Sessions{
		log:            zap.NewNop().Sugar(),
		dir:            testDirectory(t),
		acquireTimeout: time.Second,
		acquire: func(ctx context.Context) (Conn, error) {
			return conn, nil
		},
	}
}

func TestWithTenantContext_BindsAndReleases(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSessions(t, fc)

	err := s.WithTenantContext(context.Background(), "child-a", func(ctx context.Context, sess *Session) error {
		if sess.Tenant().ID != "child-a" {
			t.Fatalf("bound tenant = %q", sess.Tenant().ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenantContext: %v", err)
	}

	if len(fc.execs) != 2 {
		t.Fatalf("expected bind + unbind, got %d execs", len(fc.execs))
	}
	bind := fc.execs[0]
	if !strings.Contains(bind.sql, "set_config('app.tenant_id'") {
		t.Fatalf("first exec is not the binding: %s", bind.sql)
	}
	want := []any{"child-a", "root,child-a", "1", "child-a,grandchild"}
	if len(bind.args) != len(want) {
		t.Fatalf("bind args = %v", bind.args)
	}
	for i := range want {
		if bind.args[i] != want[i] {
			t.Fatalf("bind arg %d = %v, want %v", i, bind.args[i], want[i])
		}
	}
	if len(fc.execs[1].args) != 0 {
		t.Fatalf("second exec is not the reset: %+v", fc.execs[1])
	}
	if !fc.released || fc.destroyed {
		t.Fatalf("released=%v destroyed=%v", fc.released, fc.destroyed)
	}
}

func TestWithTenantContext_ReleasesOnError(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSessions(t, fc)

	boom := errors.New("boom")
	err := s.WithTenantContext(context.Background(), "root", func(ctx context.Context, sess *Session) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error swallowed: %v", err)
	}
	if !fc.released {
		t.Fatalf("connection leaked on error")
	}
}

func TestWithTenantContext_ReleasesOnPanic(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSessions(t, fc)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("panic swallowed")
			}
		}()
		_ = s.WithTenantContext(context.Background(), "root", func(ctx context.Context, sess *Session) error {
			panic("handler bug")
		})
	}()
	if !fc.released {
		t.Fatalf("connection leaked on panic")
	}
}

func TestWithTenantContext_DestroysOnResetFailure(t *testing.T) {
	fc := &fakeConn{unbindErr: errors.New("connection wedged")}
	s := newTestSessions(t, fc)

	err := s.WithTenantContext(context.Background(), "root", func(ctx context.Context, sess *Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenantContext: %v", err)
	}
	// A connection still carrying another tenant's settings must never
	// go back to the pool.
	if !fc.destroyed || fc.released {
		t.Fatalf("destroyed=%v released=%v", fc.destroyed, fc.released)
	}
}

func TestWithTenantContext_PoolExhausted(t *testing.T) {
	s := newTestSessions(t, nil)
	s.acquireTimeout = 10 * time.Millisecond
	s.acquire = func(ctx context.Context) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := s.WithTenantContext(context.Background(), "root", func(ctx context.Context, sess *Session) error {
		t.Fatalf("fn ran without a connection")
		return nil
	})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestWithTenantContext_CallerCancellation(t *testing.T) {
	s := newTestSessions(t, nil)
	s.acquire = func(ctx context.Context) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WithTenantContext(ctx, "root", func(ctx context.Context, sess *Session) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("caller cancellation misreported: %v", err)
	}
	if errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("cancellation reported as exhaustion")
	}
}

func TestWithTenantContext_UnknownTenant(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSessions(t, fc)

	err := s.WithTenantContext(context.Background(), "no-such-tenant", func(ctx context.Context, sess *Session) error {
		return nil
	})
	if !errors.Is(err, tenants.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(fc.execs) != 0 {
		t.Fatalf("connection touched for unknown tenant")
	}
}

func scopedSession(conn *fakeConn) *Session {
	return &Session{
		conn:    conn,
		tenant:  tenants.Tenant{ID: "child-a", Path: []string{"root", "child-a"}, Level: 1},
		visible: map[string]struct{}{"child-a": {}, "grandchild": {}},
	}
}

func TestInsertInto_StampsBoundTenant(t *testing.T) {
	fc := &fakeConn{}
	sess := scopedSession(fc)

	err := sess.InsertInto(context.Background(), "tickets", map[string]any{
		"subject":  "printer on fire",
		"priority": "high",
	})
	if err != nil {
		t.Fatalf("InsertInto: %v", err)
	}
	if len(fc.execs) != 1 {
		t.Fatalf("execs = %d", len(fc.execs))
	}
	got := fc.execs[0]
	if got.sql != "INSERT INTO tickets (tenant_id, priority, subject) VALUES ($1, $2, $3)" {
		t.Fatalf("sql = %s", got.sql)
	}
	if got.args[0] != "child-a" || got.args[1] != "high" || got.args[2] != "printer on fire" {
		t.Fatalf("args = %v", got.args)
	}
}

func TestInsertInto_ExplicitDescendantAllowed(t *testing.T) {
	fc := &fakeConn{}
	sess := scopedSession(fc)

	err := sess.InsertInto(context.Background(), "tickets", map[string]any{
		"tenant_id": "grandchild",
		"subject":   "slow wifi",
	})
	if err != nil {
		t.Fatalf("InsertInto: %v", err)
	}
	if fc.execs[0].args[0] != "grandchild" {
		t.Fatalf("args = %v", fc.execs[0].args)
	}
}

func TestInsertInto_ScopeViolation(t *testing.T) {
	fc := &fakeConn{}
	sess := scopedSession(fc)

	err := sess.InsertInto(context.Background(), "tickets", map[string]any{
		"tenant_id": "root", // ancestor, not visible
		"subject":   "escalate me",
	})
	if !errors.Is(err, ErrTenantScopeViolation) {
		t.Fatalf("expected ErrTenantScopeViolation, got %v", err)
	}
	// Rejected before anything reaches the wire.
	if len(fc.execs) != 0 {
		t.Fatalf("violating insert was sent: %+v", fc.execs)
	}
}

func TestInsertInto_RejectsUnsafeIdentifiers(t *testing.T) {
	fc := &fakeConn{}
	sess := scopedSession(fc)

	if err := sess.InsertInto(context.Background(), "tickets; DROP TABLE tenants", map[string]any{"a": 1}); err == nil {
		t.Fatalf("table name accepted")
	}
	if err := sess.InsertInto(context.Background(), "tickets", map[string]any{"a b": 1}); err == nil {
		t.Fatalf("column name accepted")
	}
	if len(fc.execs) != 0 {
		t.Fatalf("unsafe statement was sent")
	}
}

func TestTransaction(t *testing.T) {
	fc := &fakeConn{}
	sess := scopedSession(fc)

	if err := sess.Transaction(context.Background(), func(tx pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !fc.tx.committed || fc.tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", fc.tx.committed, fc.tx.rolledBack)
	}

	boom := errors.New("boom")
	if err := sess.Transaction(context.Background(), func(tx pgx.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Transaction error: %v", err)
	}
	if fc.tx.committed || !fc.tx.rolledBack {
		t.Fatalf("failed tx: committed=%v rolledBack=%v", fc.tx.committed, fc.tx.rolledBack)
	}
}
