// pkg/middleware/revocation.go
package middleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList is a redis-backed jti denylist. Entries expire with
// the token they revoke, so the set stays bounded without sweeps. A nil
// client disables revocation (dev without redis).
type RevocationList struct {
	rdb *redis.Client
}

func NewRevocationList(rdb *redis.Client) *RevocationList {
	return &RevocationList{rdb: rdb}
}

func revocationKey(jti string) string { return "revoked:" + jti }

// Revoke marks jti revoked until the token's own expiry; keeping the
// entry longer would be pointless, the verifier rejects it anyway.
func (l *RevocationList) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if l == nil || l.rdb == nil || jti == "" {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return l.rdb.SetNX(ctx, revocationKey(jti), 1, ttl).Err()
}

// IsRevoked errs on the side of letting the verifier's own checks
// stand when redis is unreachable: revocation is an extra layer, not
// the primary control.
func (l *RevocationList) IsRevoked(ctx context.Context, jti string) bool {
	if l == nil || l.rdb == nil || jti == "" {
		return false
	}
	n, err := l.rdb.Exists(ctx, revocationKey(jti)).Result()
	return err == nil && n > 0
}
