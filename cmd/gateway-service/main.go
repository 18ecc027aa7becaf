// cmd/gateway-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deskgate/pkg/access"
	"deskgate/pkg/config"
	"deskgate/pkg/db"
	"deskgate/pkg/logger"
	"deskgate/pkg/middleware"
	"deskgate/pkg/tenants"
	"deskgate/pkg/token"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var dir tenants.Directory
	if pool != nil {
		dir = tenants.NewPostgresDirectory(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
	} else {
		dir = tenants.NewMemoryDirectoryFromEnv(log)
	}
	dir = tenants.NewCachedDirectory(dir, rdb, cfg.TenantCacheTTL, log)

	secret := cfg.SigningSecret
	if secret == "" {
		if cfg.Env != "dev" {
			log.Fatalw("SESSION_SIGNING_SECRET required outside dev")
		}
		log.Warnw("SESSION_SIGNING_SECRET not set, using dev secret")
		secret = "dev-only-signing-secret"
	}
	codec, err := token.NewCodec(secret, cfg.Issuer, cfg.Audience, cfg.PermissionsClaimPath)
	if err != nil {
		log.Fatalw("token codec", "err", err)
	}

	policySource := ""
	if cfg.BypassPolicyFile != "" {
		b, err := os.ReadFile(cfg.BypassPolicyFile)
		if err != nil {
			log.Fatalw("bypass policy file", "path", cfg.BypassPolicyFile, "err", err)
		}
		policySource = string(b)
	}
	engine, err := access.NewEngine(context.Background(), dir, policySource)
	if err != nil {
		log.Fatalw("access engine", "err", err)
	}

	revoked := middleware.NewRevocationList(rdb)

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatalw("upstream url", "err", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	if cfg.BypassTenantVerification {
		log.Warnw("tenant verification bypass enabled, never run this in production")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("deskgate-gateway"))
	r.Use(middleware.Gate(middleware.GateConfig{
		Routes:                   cfg.Routes,
		LoginPath:                cfg.LoginPath,
		DashboardPath:            cfg.DashboardPath,
		BypassTenantVerification: cfg.BypassTenantVerification,
	}, codec, engine, revoked, log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Handle("/*", proxy)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr, "upstream", cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("gateway-service stopped")
}
