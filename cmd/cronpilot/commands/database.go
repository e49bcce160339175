package commands

import (
	"database/sql"
	"time"

	"github.com/cronpilot/cronpilot/config"
	"github.com/cronpilot/cronpilot/db"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/logger"
)

// openDatabase opens the configured SQLite database with migrations applied.
func openDatabase() (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	conn, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, err
	}

	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
