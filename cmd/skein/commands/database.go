package commands

import (
	"database/sql"
	"fmt"

	"github.com/skein-dev/skein/config"
	"github.com/skein-dev/skein/db"
	"github.com/skein-dev/skein/logger"
)

// openDatabase opens and migrates the configured database. An explicit path
// overrides the config file.
func openDatabase(cfg *config.Config, pathOverride string) (*sql.DB, error) {
	path := cfg.Database.Path
	if pathOverride != "" {
		path = pathOverride
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}
