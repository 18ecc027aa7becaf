package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"deskgate/pkg/db"
	"deskgate/pkg/problems"
)

// Tenant-scoped data endpoints. Every query runs inside
// WithTenantContext, so rows outside the tenant's accessible set are
// invisible regardless of the SQL below.

type ticketJSON struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Subject        string    `json:"subject"`
	Status         string    `json:"status"`
	RequesterEmail string    `json:"requester_email,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a *App) listTickets(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		problems.Write(w, http.StatusServiceUnavailable, "no-database", "data endpoints require a database")
		return
	}
	tenantID := chi.URLParam(r, "id")
	var out []ticketJSON
	err := a.sessions.WithTenantContext(r.Context(), tenantID, func(ctx context.Context, sess *db.Session) error {
		rows, err := sess.Query(ctx, `SELECT id, tenant_id, subject, status, COALESCE(requester_email,''), created_at
		  FROM tickets ORDER BY created_at DESC LIMIT 200`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t ticketJSON
			if err := rows.Scan(&t.ID, &t.TenantID, &t.Subject, &t.Status, &t.RequesterEmail, &t.CreatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	if out == nil {
		out = []ticketJSON{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

func (a *App) createTicket(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		problems.Write(w, http.StatusServiceUnavailable, "no-database", "data endpoints require a database")
		return
	}
	tenantID := chi.URLParam(r, "id")
	var body struct {
		Subject        string `json:"subject"`
		RequesterEmail string `json:"requester_email"`
		// Optional explicit owner; must lie inside the accessible set.
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Subject) == "" {
		problems.Write(w, http.StatusBadRequest, "invalid-request", "subject is required")
		return
	}
	err := a.sessions.WithTenantContext(r.Context(), tenantID, func(ctx context.Context, sess *db.Session) error {
		row := map[string]any{
			"subject": body.Subject,
			"status":  "open",
		}
		if body.RequesterEmail != "" {
			row["requester_email"] = body.RequesterEmail
		}
		if body.TenantID != "" {
			row["tenant_id"] = body.TenantID
		}
		return sess.InsertInto(ctx, "tickets", row)
	})
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeSessionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrTenantScopeViolation):
		problems.Write(w, http.StatusForbidden, "tenant-scope-violation", "row tenant lies outside the accessible set")
	case errors.Is(err, db.ErrPoolExhausted):
		w.Header().Set("Retry-After", "1")
		problems.Write(w, http.StatusServiceUnavailable, "pool-exhausted", "no database connection available, retry later")
	case errors.Is(err, pgx.ErrNoRows):
		problems.Write(w, http.StatusNotFound, "not-found", "no such row")
	default:
		writeDirErr(w, err)
	}
}
