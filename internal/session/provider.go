package session

import (
	"fmt"

	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/db"
)

// Provide opens the configured database backend and returns a ready
// session store together with its cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	sessionsDir, err := cfg.Sessions.ExpandedSessionsDir()
	if err != nil {
		return nil, nil, err
	}

	var pool *db.Pool
	switch cfg.Database.Driver {
	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool = db.NewPool(writer, reader)

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		// pgx pools internally; writer and reader share the connection.
		pool = db.NewPool(conn, conn)

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	store, err := NewSQLStore(pool, sessionsDir)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	cleanup := func() error {
		if cfg.Database.Driver == "sqlite" {
			// Update query planner statistics before closing; the
			// SQLite-recommended lightweight maintenance hook.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
		}
		return store.Close()
	}
	return store, cleanup, nil
}
