package access

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"deskgate/pkg/tenants"
	"deskgate/pkg/token"
)

func testEngine(t *testing.T) (*Engine, tenants.Directory) {
	t.Helper()
	d := tenants.NewMemoryDirectory(zap.NewNop().Sugar())
	ctx := context.Background()
	for _, e := range []struct{ id, parent string }{
		{"root", ""},
		{"child-a", "root"},
		{"grandchild", "child-a"},
		{"child-b", "root"},
	} {
		if _, err := d.Create(ctx, tenants.Tenant{ID: e.id, Name: e.id, ParentID: e.parent, Active: true}); err != nil {
			t.Fatalf("create %s: %v", e.id, err)
		}
	}
	e, err := NewEngine(ctx, d, "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, d
}

func claimsFor(home string) token.Claims {
	return token.Claims{Subject: "u1", HomeTenantID: home, RoleID: "agent", Kind: token.KindAccess}
}

func TestDecide_DownwardOnly(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	// child-a operator reaches its descendant.
	dec := e.Decide(ctx, claimsFor("child-a"), "grandchild")
	if !dec.Allow || dec.Reason != ReasonTenantInScope {
		t.Fatalf("child-a -> grandchild: %+v", dec)
	}
	// Never upward.
	dec = e.Decide(ctx, claimsFor("child-a"), "root")
	if dec.Allow || dec.Reason != ReasonTenantOutOfScope {
		t.Fatalf("child-a -> root: %+v", dec)
	}
	// Never sideways.
	dec = e.Decide(ctx, claimsFor("child-a"), "child-b")
	if dec.Allow {
		t.Fatalf("child-a -> child-b: %+v", dec)
	}
	// Root reaches everything below it.
	dec = e.Decide(ctx, claimsFor("root"), "grandchild")
	if !dec.Allow {
		t.Fatalf("root -> grandchild: %+v", dec)
	}
	// Self always allowed.
	dec = e.Decide(ctx, claimsFor("child-a"), "child-a")
	if !dec.Allow {
		t.Fatalf("child-a -> child-a: %+v", dec)
	}
}

// Allow must hold exactly for the members of the accessible set.
func TestDecide_MatchesAccessibleSet(t *testing.T) {
	e, d := testEngine(t)
	ctx := context.Background()

	accessible, err := d.AccessibleTenantIDs(ctx, "child-a")
	if err != nil {
		t.Fatalf("accessible: %v", err)
	}
	inSet := map[string]bool{}
	for _, id := range accessible {
		inSet[id] = true
	}
	for _, requested := range []string{"root", "child-a", "grandchild", "child-b"} {
		dec := e.Decide(ctx, claimsFor("child-a"), requested)
		if dec.Allow != inSet[requested] {
			t.Fatalf("requested %s: allow=%v, accessible=%v", requested, dec.Allow, inSet[requested])
		}
	}
}

func TestDecide_EmptyRequestFallsBackToHome(t *testing.T) {
	e, _ := testEngine(t)
	dec := e.Decide(context.Background(), claimsFor("child-a"), "")
	if !dec.Allow {
		t.Fatalf("empty request should resolve to home tenant: %+v", dec)
	}
}

func TestDecide_InactiveTenantInvisible(t *testing.T) {
	e, d := testEngine(t)
	ctx := context.Background()
	if err := d.Deactivate(ctx, "grandchild"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	dec := e.Decide(ctx, claimsFor("root"), "grandchild")
	if dec.Allow || dec.Reason != ReasonTenantOutOfScope {
		t.Fatalf("inactive tenant reachable: %+v", dec)
	}
}

func TestDecide_UnknownTenant(t *testing.T) {
	e, _ := testEngine(t)
	dec := e.Decide(context.Background(), claimsFor("root"), "no-such-tenant")
	if dec.Allow {
		t.Fatalf("unknown tenant reachable: %+v", dec)
	}
}

func TestDecide_SystemBypass(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	cl := token.Claims{Subject: "ops-1", Kind: token.KindAccess, Permissions: []string{"system:superuser"}}
	dec := e.Decide(ctx, cl, "grandchild")
	if !dec.Allow || dec.Reason != ReasonSystemBypass {
		t.Fatalf("superuser denied: %+v", dec)
	}

	// Home-tenant-less identity without the marker gets nothing.
	cl.Permissions = []string{"tickets:read"}
	dec = e.Decide(ctx, cl, "grandchild")
	if dec.Allow {
		t.Fatalf("unmarked system identity allowed: %+v", dec)
	}
}

func TestDecide_CustomBypassPolicy(t *testing.T) {
	_, d := testEngine(t)
	ctx := context.Background()
	e, err := NewEngine(ctx, d, `package deskgate.bypass

default allow = false

allow {
	input.role == "billing-bot"
}
`)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	cl := token.Claims{Subject: "bot", RoleID: "billing-bot", Kind: token.KindAccess}
	if dec := e.Decide(ctx, cl, "root"); !dec.Allow || dec.Reason != ReasonSystemBypass {
		t.Fatalf("custom policy ignored: %+v", dec)
	}
	cl.RoleID = "other-bot"
	if dec := e.Decide(ctx, cl, "root"); dec.Allow {
		t.Fatalf("custom policy too permissive: %+v", dec)
	}
}

func TestDecide_RefreshTokenRejected(t *testing.T) {
	e, _ := testEngine(t)
	cl := claimsFor("child-a")
	cl.Kind = token.KindRefresh
	dec := e.Decide(context.Background(), cl, "child-a")
	if dec.Allow || dec.Reason != ReasonTokenKindRejected {
		t.Fatalf("refresh token authorized: %+v", dec)
	}
}
