package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/policysync/bunadapter"
)

func init() {
	Migrations.MustRegister(up_20260301000002, down_20260301000002)
}

// up_20260301000002 seeds the built-in roles, the admin user, its superuser
// membership and the matching policy rules
func up_20260301000002(ctx context.Context, db *bun.DB) error {
	p := seedPrincipals()
	now := time.Now().UTC()

	fmt.Print(" [up] seeding built-in roles...")
	builtIn := []models.Role{
		{
			ID:          bunx.NewUUIDv7(),
			Name:        p.SuperuserRole,
			Description: "Unrestricted access to every operation",
			BuiltIn:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          bunx.NewUUIDv7(),
			Name:        p.DefaultRole,
			Description: "Assigned to every new user",
			BuiltIn:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	for i := range builtIn {
		_, err := db.NewInsert().
			Model(&builtIn[i]).
			On("CONFLICT (name) DO NOTHING"). // Idempotent
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed role %s: %w", builtIn[i].Name, err)
		}
	}
	fmt.Println(" OK")

	fmt.Print(" [up] seeding admin user...")
	admin := models.User{
		ID:          bunx.NewUUIDv7(),
		Username:    p.AdminUsername,
		DisplayName: "Administrator",
		Status:      models.UserStatusEnabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := db.NewInsert().
		Model(&admin).
		On("CONFLICT (username) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	fmt.Println(" OK")

	// Re-read ids: rows may predate this run
	var adminID, superuserID string
	if err := db.NewSelect().Model((*models.User)(nil)).Column("id").Where("username = ?", p.AdminUsername).Scan(ctx, &adminID); err != nil {
		return fmt.Errorf("failed to load admin user: %w", err)
	}
	if err := db.NewSelect().Model((*models.Role)(nil)).Column("id").Where("name = ?", p.SuperuserRole).Scan(ctx, &superuserID); err != nil {
		return fmt.Errorf("failed to load superuser role: %w", err)
	}

	fmt.Print(" [up] seeding admin superuser membership...")
	_, err = db.NewInsert().
		Model(&models.UserRole{UserID: adminID, RoleID: superuserID, AssignedAt: now}).
		On("CONFLICT (user_id, role_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed admin membership: %w", err)
	}
	_, err = db.NewInsert().
		Model(&models.PolicyRule{Ptype: models.PtypeGrouping, V0: p.AdminUsername, V1: p.SuperuserRole}).
		On("CONFLICT (ptype, v0, v1) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed admin mirror rule: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] seeding policy store...")
	if err := SeedPolicyStore(ctx, db, p.AdminUsername, p.SuperuserRole); err != nil {
		return err
	}
	fmt.Println(" OK")

	return nil
}

// SeedPolicyStore writes the superuser wildcard and the admin assignment into
// casbin_rules on db. It is idempotent and also used for a policy store that
// lives in a separate database.
func SeedPolicyStore(ctx context.Context, db bun.IDB, adminUsername, superuserRole string) error {
	if err := bunadapter.EnsureSchema(ctx, db); err != nil {
		return err
	}
	rules := []*bunadapter.CasbinRule{
		bunadapter.NewCasbinRule(models.PtypePermission, []string{superuserRole, policysync.Wildcard}),
		bunadapter.NewCasbinRule(models.PtypeGrouping, []string{adminUsername, superuserRole}),
	}
	_, err := db.NewInsert().
		Model(&rules).
		On("CONFLICT (ptype, v0, v1, v2) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed policy store: %w", err)
	}
	return nil
}

// down_20260301000002 removes the seeded rows
func down_20260301000002(ctx context.Context, db *bun.DB) error {
	p := seedPrincipals()

	fmt.Print(" [down] removing seeded policy rules...")
	_, err := db.NewDelete().
		Model((*bunadapter.CasbinRule)(nil)).
		WhereOr("ptype = ? AND v0 = ? AND v1 = ?", models.PtypePermission, p.SuperuserRole, policysync.Wildcard).
		WhereOr("ptype = ? AND v0 = ? AND v1 = ?", models.PtypeGrouping, p.AdminUsername, p.SuperuserRole).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove seeded policy rules: %w", err)
	}
	_, err = db.NewDelete().
		Model((*models.PolicyRule)(nil)).
		Where("ptype = ? AND v0 = ? AND v1 = ?", models.PtypeGrouping, p.AdminUsername, p.SuperuserRole).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove seeded mirror rule: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [down] removing admin user...")
	_, err = db.NewDelete().
		Model((*models.User)(nil)).
		Where("username = ?", p.AdminUsername).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove admin user: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [down] removing built-in roles...")
	_, err = db.NewDelete().
		Model((*models.Role)(nil)).
		Where("name IN (?)", bun.In([]string{p.SuperuserRole, p.DefaultRole})).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove built-in roles: %w", err)
	}
	fmt.Println(" OK")

	return nil
}
