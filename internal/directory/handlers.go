package directory

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"deskgate/pkg/middleware"
	"deskgate/pkg/problems"
	"deskgate/pkg/tenants"
)

func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tenants", a.createTenant)
		r.Get("/tenants/{id}", a.getTenant)
		r.Get("/tenants/{id}/accessible", a.accessibleTenants)
		r.Post("/tenants/{id}/reparent", a.reparentTenant)
		r.Post("/tenants/{id}/deactivate", a.deactivateTenant)
		r.Get("/tenants/{id}/tickets", a.listTickets)
		r.Post("/tenants/{id}/tickets", a.createTicket)
		r.Post("/sessions/revoke", a.revokeSession)
	})
	return r
}

type tenantJSON struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	ParentID string   `json:"parent_id,omitempty"`
	Path     []string `json:"path"`
	Level    int      `json:"level"`
	Active   bool     `json:"active"`
	Plan     string   `json:"plan,omitempty"`
}

func toJSON(t tenants.Tenant) tenantJSON {
	return tenantJSON{
		ID: t.ID, Name: t.Name, ParentID: t.ParentID,
		Path: t.Path, Level: t.Level, Active: t.Active, Plan: t.Plan,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDirErr maps directory errors onto problem responses. Detail text
// stays terse; stack traces never reach a client.
func writeDirErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenants.ErrNotFound):
		problems.Write(w, http.StatusNotFound, "tenant-not-found", "no such tenant")
	case errors.Is(err, tenants.ErrExists):
		problems.Write(w, http.StatusConflict, "tenant-exists", "tenant id already in use")
	case errors.Is(err, tenants.ErrCycleDetected):
		problems.Write(w, http.StatusConflict, "cycle-detected", "new parent lies inside the moved subtree")
	default:
		problems.Write(w, http.StatusInternalServerError, "internal", "directory operation failed")
	}
}

func (a *App) createTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
		Plan     string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		problems.Write(w, http.StatusBadRequest, "invalid-request", "name is required")
		return
	}
	t, err := a.dir.Create(r.Context(), tenants.Tenant{
		ID: body.ID, Name: body.Name, ParentID: body.ParentID, Plan: body.Plan, Active: true,
	})
	if err != nil {
		writeDirErr(w, err)
		return
	}
	a.log.Infow("tenant created", "id", t.ID, "parent", t.ParentID, "level", t.Level)
	writeJSON(w, http.StatusCreated, toJSON(t))
}

func (a *App) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.dir.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDirErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(t))
}

func (a *App) accessibleTenants(w http.ResponseWriter, r *http.Request) {
	ids, err := a.dir.AccessibleTenantIDs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDirErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_ids": ids})
}

func (a *App) reparentTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		NewParentID string `json:"new_parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problems.Write(w, http.StatusBadRequest, "invalid-request", "body must be JSON")
		return
	}
	if err := a.dir.Reparent(r.Context(), id, body.NewParentID); err != nil {
		writeDirErr(w, err)
		return
	}
	t, err := a.dir.Get(r.Context(), id)
	if err != nil {
		writeDirErr(w, err)
		return
	}
	a.log.Infow("tenant reparented", "id", id, "new_parent", body.NewParentID)
	writeJSON(w, http.StatusOK, toJSON(t))
}

func (a *App) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.dir.Deactivate(r.Context(), id); err != nil {
		writeDirErr(w, err)
		return
	}
	a.log.Infow("tenant deactivated", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) revokeSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JTI       string `json:"jti"`
		ExpiresAt int64  `json:"expires_at"` // epoch seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.JTI == "" {
		problems.Write(w, http.StatusBadRequest, "invalid-request", "jti is required")
		return
	}
	if err := a.revoked.Revoke(r.Context(), body.JTI, time.Unix(body.ExpiresAt, 0)); err != nil {
		problems.Write(w, http.StatusInternalServerError, "internal", "revocation store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
