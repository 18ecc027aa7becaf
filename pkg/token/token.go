// pkg/token/token.go
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jmes "github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verification failures. Exactly one of these is returned per failed
// Verify call; a failed token is never partially trusted.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

// Token kinds. The gate only ever authorizes access tokens.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims is the verified payload of a session token. HomeTenantID is
// empty for system-level identities (platform operators without a home
// tenant).
type Claims struct {
	Subject      string
	Email        string
	Name         string
	HomeTenantID string
	RoleID       string
	Permissions  []string
	Kind         string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Issuer       string
	Audience     string
	JTI          string
}

// Codec signs and verifies session tokens with a shared HS256 secret.
// Verification is pure: same token, same key material, same result.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	perms    *jmes.JMESPath
}

// NewCodec compiles the permissions claim path up front so Verify never
// re-parses it. permsPath is a jmespath expression into the token's
// private claims ("permissions" for flat layouts, deeper paths for IdPs
// that nest entitlements).
func NewCodec(secret, issuer, audience, permsPath string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret required")
	}
	if permsPath == "" {
		permsPath = "permissions"
	}
	p, err := jmes.Compile(permsPath)
	if err != nil {
		return nil, fmt.Errorf("token: permissions claim path: %w", err)
	}
	return &Codec{secret: []byte(secret), issuer: issuer, audience: audience, perms: p}, nil
}

// Verify decodes raw into Claims. Expiry is compared against a single
// now captured at entry; exp/iat carry seconds-since-epoch semantics
// (jwt numeric dates), never milliseconds.
func (c *Codec) Verify(raw string) (Claims, error) {
	now := time.Now()

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, c.secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		// Distinguish a token that cannot be decoded at all from one
		// that decodes but fails signature verification.
		if _, perr := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false)); perr != nil {
			return Claims{}, ErrMalformedToken
		}
		return Claims{}, ErrInvalidSignature
	}

	exp := tok.Expiration()
	if exp.IsZero() || !exp.After(now) {
		return Claims{}, ErrExpired
	}
	if c.issuer != "" && tok.Issuer() != c.issuer {
		return Claims{}, ErrIssuerMismatch
	}
	if c.audience != "" && !contains(tok.Audience(), c.audience) {
		return Claims{}, ErrAudienceMismatch
	}

	cl := Claims{
		Subject:   tok.Subject(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: exp,
		Issuer:    tok.Issuer(),
		JTI:       tok.JwtID(),
		Kind:      KindAccess,
	}
	if aud := tok.Audience(); len(aud) > 0 {
		cl.Audience = aud[0]
	}
	priv := tok.PrivateClaims()
	cl.Email = stringClaim(priv, "email")
	cl.Name = stringClaim(priv, "name")
	cl.HomeTenantID = stringClaim(priv, "tid")
	cl.RoleID = stringClaim(priv, "role")
	if k := stringClaim(priv, "kind"); k != "" {
		cl.Kind = k
	}
	if v, err := c.perms.Search(priv); err == nil {
		cl.Permissions = asStrings(v)
	}
	return cl, nil
}

// Sign issues a token carrying cl. Zero JTI gets a fresh uuid; zero
// issuer/audience fall back to the codec's configured values.
func (c *Codec) Sign(cl Claims) (string, error) {
	iss := cl.Issuer
	if iss == "" {
		iss = c.issuer
	}
	aud := cl.Audience
	if aud == "" {
		aud = c.audience
	}
	jti := cl.JTI
	if jti == "" {
		jti = uuid.NewString()
	}
	kind := cl.Kind
	if kind == "" {
		kind = KindAccess
	}
	b := jwt.NewBuilder().
		Subject(cl.Subject).
		Issuer(iss).
		Audience([]string{aud}).
		IssuedAt(cl.IssuedAt).
		Expiration(cl.ExpiresAt).
		JwtID(jti).
		Claim("kind", kind)
	if cl.Email != "" {
		b = b.Claim("email", cl.Email)
	}
	if cl.Name != "" {
		b = b.Claim("name", cl.Name)
	}
	if cl.HomeTenantID != "" {
		b = b.Claim("tid", cl.HomeTenantID)
	}
	if cl.RoleID != "" {
		b = b.Claim("role", cl.RoleID)
	}
	if len(cl.Permissions) > 0 {
		b = b.Claim("permissions", cl.Permissions)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, c.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func stringClaim(priv map[string]any, name string) string {
	if v, ok := priv[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func asStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
