// Package migrations holds the schema and seed migrations applied by
// `iamsync db migrate`.
package migrations

import (
	"context"
	"fmt"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/iamsync/internal/config"
)

// Migrations is the registry every migration file adds itself to.
var Migrations = migrate.NewMigrations()

var (
	principalsMu sync.RWMutex
	principals   = config.PrincipalConfig{
		AdminUsername: "admin",
		SuperuserRole: "superuser",
		DefaultRole:   "normal",
	}
)

// SetPrincipals sets the built-in user and role names the seed migration
// creates. Call it before running the migrator.
func SetPrincipals(p config.PrincipalConfig) {
	principalsMu.Lock()
	defer principalsMu.Unlock()
	principals = p
}

func seedPrincipals() config.PrincipalConfig {
	principalsMu.RLock()
	defer principalsMu.RUnlock()
	return principals
}

// Up initializes the migration tables and applies every pending migration.
// It is used for embedded and in-memory databases; the CLI drives the
// migrator directly so it can take the migration lock.
func Up(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, Migrations)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
