package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/policysync/bunadapter"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

// up_20260301000001 creates the identity, grant, audit and policy tables
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating roles table...")
	_, err = db.NewCreateTable().
		Model((*models.Role)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create roles table: %w", err)
	}
	fmt.Println(" OK")

	// Foreign keys live in CREATE TABLE: SQLite cannot add constraints later
	fmt.Print(" [up] creating user_roles table...")
	_, err = db.NewCreateTable().
		Model((*models.UserRole)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_roles table: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id)`)
	if err != nil {
		return fmt.Errorf("failed to create user_roles role_id index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating resource_grants table...")
	_, err = db.NewCreateTable().
		Model((*models.ResourceGrant)(nil)).
		IfNotExists().
		ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create resource_grants table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating operation_logs table...")
	_, err = db.NewCreateTable().
		Model((*models.OperationLog)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create operation_logs table: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_operation_logs_created_at ON operation_logs(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create operation_logs created_at index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating policy_rules table...")
	_, err = db.NewCreateTable().
		Model((*models.PolicyRule)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create policy_rules table: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_policy_rules_v1 ON policy_rules(ptype, v1)`)
	if err != nil {
		return fmt.Errorf("failed to create policy_rules v1 index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating casbin_rules table...")
	if err := bunadapter.EnsureSchema(ctx, db); err != nil {
		return err
	}
	fmt.Println(" OK")

	if bunx.IsPostgreSQL(db) {
		fmt.Print(" [up] adding status and action checks...")
		_, err = db.ExecContext(ctx, `
			ALTER TABLE users
			ADD CONSTRAINT chk_users_status CHECK (status IN ('enabled', 'disabled'))
		`)
		if err != nil {
			return fmt.Errorf("failed to add users status check: %w", err)
		}
		_, err = db.ExecContext(ctx, `
			ALTER TABLE resource_grants
			ADD CONSTRAINT chk_resource_grants_kind CHECK (kind IN ('menu', 'operation', 'application'))
		`)
		if err != nil {
			return fmt.Errorf("failed to add resource_grants kind check: %w", err)
		}
		fmt.Println(" OK")
	}

	return nil
}

// down_20260301000001 drops every table in reverse dependency order
func down_20260301000001(ctx context.Context, db *bun.DB) error {
	tables := []struct {
		name  string
		model any
	}{
		{"casbin_rules", (*bunadapter.CasbinRule)(nil)},
		{"policy_rules", (*models.PolicyRule)(nil)},
		{"operation_logs", (*models.OperationLog)(nil)},
		{"resource_grants", (*models.ResourceGrant)(nil)},
		{"user_roles", (*models.UserRole)(nil)},
		{"roles", (*models.Role)(nil)},
		{"users", (*models.User)(nil)},
	}

	for _, t := range tables {
		fmt.Printf(" [down] dropping %s table...", t.name)
		if _, err := db.NewDropTable().Model(t.model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop %s table: %w", t.name, err)
		}
		fmt.Println(" OK")
	}
	return nil
}
