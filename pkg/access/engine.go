// pkg/access/engine.go
package access

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"deskgate/pkg/tenants"
	"deskgate/pkg/token"
)

type Reason string

const (
	// ReasonSystemBypass: identity has no home tenant and the bypass
	// policy granted it platform-wide access.
	ReasonSystemBypass  Reason = "SystemBypass"
	ReasonTenantInScope Reason = "TenantInScope"
	// ReasonTenantOutOfScope covers everything an identity may not
	// reach: ancestors, siblings, unknown and deactivated tenants.
	ReasonTenantOutOfScope  Reason = "TenantOutOfScope"
	ReasonTokenKindRejected Reason = "TokenKindRejected"
)

type Decision struct {
	Allow  bool
	Reason Reason
}

// DefaultBypassPolicy decides which home-tenant-less identities get the
// unconditional platform bypass. The exact permission markers are an
// operator decision; override the whole document via BYPASS_POLICY_FILE.
const DefaultBypassPolicy = `package deskgate.bypass

default allow = false

allow {
	input.permissions[_] == "system:superuser"
}

allow {
	input.permissions[_] == "platform:admin"
}
`

// Engine decides tenant access. Permissions flow downward only: an
// identity may act within its home tenant and any descendant, never an
// ancestor or sibling. Decide performs no writes and no network I/O.
type Engine struct {
	dir    tenants.Directory
	bypass rego.PreparedEvalQuery
}

// NewEngine compiles the bypass policy once. policySource empty means
// DefaultBypassPolicy.
func NewEngine(ctx context.Context, dir tenants.Directory, policySource string) (*Engine, error) {
	if policySource == "" {
		policySource = DefaultBypassPolicy
	}
	q, err := rego.New(
		rego.Query("data.deskgate.bypass.allow"),
		rego.Module("bypass.rego", policySource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("access: bypass policy: %w", err)
	}
	return &Engine{dir: dir, bypass: q}, nil
}

func (e *Engine) Decide(ctx context.Context, cl token.Claims, requestedTenantID string) Decision {
	if cl.Kind == token.KindRefresh {
		return Decision{Allow: false, Reason: ReasonTokenKindRejected}
	}

	if cl.HomeTenantID == "" {
		rs, err := e.bypass.Eval(ctx, rego.EvalInput(map[string]any{
			"subject":     cl.Subject,
			"role":        cl.RoleID,
			"permissions": cl.Permissions,
		}))
		if err == nil && rs.Allowed() {
			return Decision{Allow: true, Reason: ReasonSystemBypass}
		}
		return Decision{Allow: false, Reason: ReasonTenantOutOfScope}
	}

	if requestedTenantID == "" {
		requestedTenantID = cl.HomeTenantID
	}

	t, err := e.dir.Get(ctx, requestedTenantID)
	if err != nil || !t.Active {
		return Decision{Allow: false, Reason: ReasonTenantOutOfScope}
	}
	ok, err := e.dir.IsDescendantOrSelf(ctx, requestedTenantID, cl.HomeTenantID)
	if err != nil || !ok {
		return Decision{Allow: false, Reason: ReasonTenantOutOfScope}
	}
	return Decision{Allow: true, Reason: ReasonTenantInScope}
}
