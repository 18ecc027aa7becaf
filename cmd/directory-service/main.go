// cmd/directory-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deskgate/internal/directory"
	"deskgate/pkg/config"
	"deskgate/pkg/db"
	"deskgate/pkg/logger"
	"deskgate/pkg/middleware"
	"deskgate/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var dir tenants.Directory
	var sessions *db.Sessions
	if pool != nil {
		dir = tenants.NewPostgresDirectory(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
		sessions = db.NewSessions(pool, dir, cfg, log)
	} else {
		dir = tenants.NewMemoryDirectoryFromEnv(log)
	}

	app := directory.New(log, dir, middleware.NewRevocationList(rdb), sessions)

	r := chi.NewRouter()
	r.Use(middleware.Tracing("deskgate-directory"))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Mount("/", app.Handler())

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: r}
	go func() {
		log.Infow("directory-service listening", "addr", cfg.AdminAddr)
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
	fmt.Println("directory-service stopped")
}
