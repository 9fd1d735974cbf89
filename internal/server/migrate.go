package server

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/mohammad-safakhou/ecoagent/config"
)

// Migrate applies migrations from dir (for example file://migrations).
// direction is "up" or "down"; steps > 0 limits how many are applied.
func Migrate(dir string, pg config.PostgresConfig, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	dsn, err := pg.DSN()
	if err != nil {
		return err
	}
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
