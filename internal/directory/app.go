package directory

import (
	"go.uber.org/zap"

	"deskgate/pkg/db"
	"deskgate/pkg/middleware"
	"deskgate/pkg/tenants"
)

// App is the directory-service application container: the tenant
// hierarchy admin surface, session revocation, and the tenant-scoped
// data endpoints. Shared deps only; request-scoped state rides on
// context.
type App struct {
	log      *zap.SugaredLogger
	dir      tenants.Directory
	revoked  *middleware.RevocationList
	sessions *db.Sessions // nil when no database is configured
}

func New(log *zap.SugaredLogger, dir tenants.Directory, revoked *middleware.RevocationList, sessions *db.Sessions) *App {
	return &App{log: log, dir: dir, revoked: revoked, sessions: sessions}
}
