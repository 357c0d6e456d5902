package app

import (
	"database/sql"
	"fmt"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/engine"
	"jobline/internal/migrate"
)

// Open wires a ready-to-use engine for a workspace: database opened,
// migrations applied, config loaded. The caller owns closing the returned
// connection.
func Open(workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg), conn, nil
}
