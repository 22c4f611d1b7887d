package store

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies the branch-store schema migrations from dir (e.g.
// "file://internal/store/migrations") against dsn, in the given
// direction ("up" or "down"). steps of 0 means run to completion.
func Migrate(dir, dsn, direction string, steps int) error {
	if dir == "" {
		dir = "file://internal/store/migrations"
	}
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return ignoreNoChange(m.Steps(steps))
		}
		return ignoreNoChange(m.Up())
	case "down":
		if steps > 0 {
			return ignoreNoChange(m.Steps(-steps))
		}
		return ignoreNoChange(m.Down())
	default:
		return fmt.Errorf("unknown migration direction: %s", direction)
	}
}

func ignoreNoChange(err error) error {
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
