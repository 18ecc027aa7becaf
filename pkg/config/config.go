// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Routes classifies request paths for the gate. Public and auth routes
// match exactly; protected entries are prefixes. Anything unlisted is
// treated as public (unclassified paths fail open, so every protected
// prefix must be enumerated here).
type Routes struct {
	Landing   string   `yaml:"landing"`
	Public    []string `yaml:"public"`
	Auth      []string `yaml:"auth"`
	Protected []string `yaml:"protected"`
}

type Config struct {
	Env       string
	HTTPAddr  string // gateway-service
	AdminAddr string // directory-service

	// Upstream application the gateway forwards authorized traffic to.
	UpstreamURL string

	// Session token verification
	SigningSecret        string
	Issuer               string
	Audience             string
	PermissionsClaimPath string // jmespath into private claims

	// Route classification for the gate
	Routes     Routes
	RoutesFile string

	// Gate behaviour
	LoginPath                string
	DashboardPath            string
	BypassTenantVerification bool

	// Policy source for system-level identities (rego). Empty -> built-in.
	BypassPolicyFile string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Tenant-scoped session pool
	AcquireTimeout  time.Duration
	SessionIdleTime time.Duration

	TenantCacheTTL time.Duration
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                      env("DESKGATE_ENV", "dev"),
		HTTPAddr:                 env("DESKGATE_HTTP_ADDR", ":8080"),
		AdminAddr:                env("DESKGATE_ADMIN_ADDR", ":8082"),
		UpstreamURL:              env("UPSTREAM_URL", "http://localhost:3000"),
		SigningSecret:            env("SESSION_SIGNING_SECRET", ""),
		Issuer:                   env("SESSION_ISSUER", "deskgate"),
		Audience:                 env("SESSION_AUDIENCE", "deskgate-app"),
		PermissionsClaimPath:     env("PERMISSIONS_CLAIM_PATH", "permissions"),
		RoutesFile:               env("ROUTES_FILE", ""),
		LoginPath:                env("LOGIN_PATH", "/login"),
		DashboardPath:            env("DASHBOARD_PATH", "/dashboard"),
		BypassTenantVerification: envBool("BYPASS_TENANT_VERIFICATION", false),
		BypassPolicyFile:         env("BYPASS_POLICY_FILE", ""),
		RedisURL:                 env("REDIS_URL", ""),
		DatabaseURL:              env("DATABASE_URL", ""),
		AcquireTimeout:           envDur("POOL_ACQUIRE_TIMEOUT_SEC", 5) * time.Second,
		SessionIdleTime:          envDur("SESSION_IDLE_TIMEOUT_SEC", 1800) * time.Second,
		TenantCacheTTL:           envDur("TENANT_CACHE_TTL_SEC", 60) * time.Second,
	}
	cfg.Routes = DefaultRoutes()
	if cfg.RoutesFile != "" {
		r, err := LoadRoutes(cfg.RoutesFile)
		if err != nil {
			log.Printf("[WARN] routes file %s unreadable (%v), using defaults", cfg.RoutesFile, err)
		} else {
			cfg.Routes = r
		}
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory tenant directory for dev")
	}
	return cfg
}

// DefaultRoutes covers the support-app surface: marketing pages stay
// public, auth forms redirect signed-in users away, everything behind
// the dashboard requires a verified tenant-scoped session.
func DefaultRoutes() Routes {
	return Routes{
		Landing: "/",
		Public:  []string{"/", "/pricing", "/docs", "/healthz"},
		Auth:    []string{"/login", "/register", "/forgot-password"},
		Protected: []string{
			"/dashboard", "/crm", "/chat", "/kb", "/settings", "/api",
		},
	}
}

func LoadRoutes(path string) (Routes, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, err
	}
	var r Routes
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Routes{}, err
	}
	if strings.TrimSpace(r.Landing) == "" {
		r.Landing = "/"
	}
	return r, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
