package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/policysync"
)

// BunPolicyRuleRepository implements PolicyRuleRepository using Bun ORM.
// It writes in the same transaction as the entity change it mirrors, so the
// mirror always describes what the policy store should contain.
type BunPolicyRuleRepository struct {
	db bun.IDB
}

// NewBunPolicyRuleRepository creates a new Bun-based policy mirror repository
func NewBunPolicyRuleRepository(db bun.IDB) *BunPolicyRuleRepository {
	return &BunPolicyRuleRepository{db: db}
}

// ========================================
// Grouping rows (username, role)
// ========================================

func (r *BunPolicyRuleRepository) AddGrouping(ctx context.Context, rules []policysync.GroupingRule) error {
	if len(rules) == 0 {
		return nil
	}
	rows := make([]models.PolicyRule, 0, len(rules))
	for _, rule := range rules {
		rows = append(rows, models.PolicyRule{Ptype: models.PtypeGrouping, V0: rule.Subject, V1: rule.Object})
	}
	return r.insert(ctx, rows)
}

func (r *BunPolicyRuleRepository) RemoveGrouping(ctx context.Context, rules []policysync.GroupingRule) error {
	if len(rules) == 0 {
		return nil
	}
	_, err := r.db.NewDelete().
		Model((*models.PolicyRule)(nil)).
		Where("ptype = ?", models.PtypeGrouping).
		WhereGroup(" AND ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
			for _, rule := range rules {
				q = q.WhereOr("(v0 = ? AND v1 = ?)", rule.Subject, rule.Object)
			}
			return q
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove grouping rules: %w", err)
	}
	return nil
}

func (r *BunPolicyRuleRepository) RemoveGroupingForSubject(ctx context.Context, username string) error {
	return r.deleteWhere(ctx, models.PtypeGrouping, "v0", username)
}

func (r *BunPolicyRuleRepository) RemoveGroupingForObject(ctx context.Context, role string) error {
	return r.deleteWhere(ctx, models.PtypeGrouping, "v1", role)
}

// RenameObject points every grouping row of oldRole at newRole.
func (r *BunPolicyRuleRepository) RenameObject(ctx context.Context, oldRole, newRole string) error {
	return r.rename(ctx, models.PtypeGrouping, "v1", oldRole, newRole)
}

// ========================================
// Permission rows (role, operation)
// ========================================

// ReplacePermissions sets the operations of role to exactly operations.
func (r *BunPolicyRuleRepository) ReplacePermissions(ctx context.Context, role string, operations []string) error {
	if err := r.RemovePermissionsForSubject(ctx, role); err != nil {
		return err
	}
	if len(operations) == 0 {
		return nil
	}
	rows := make([]models.PolicyRule, 0, len(operations))
	for _, op := range operations {
		rows = append(rows, models.PolicyRule{Ptype: models.PtypePermission, V0: role, V1: op})
	}
	return r.insert(ctx, rows)
}

func (r *BunPolicyRuleRepository) RemovePermissionsForSubject(ctx context.Context, role string) error {
	return r.deleteWhere(ctx, models.PtypePermission, "v0", role)
}

// RenameSubject moves every permission row of oldRole to newRole.
func (r *BunPolicyRuleRepository) RenameSubject(ctx context.Context, oldRole, newRole string) error {
	return r.rename(ctx, models.PtypePermission, "v0", oldRole, newRole)
}

// ========================================
// Reads
// ========================================

func (r *BunPolicyRuleRepository) Grouping(ctx context.Context) ([]policysync.GroupingRule, error) {
	rows, err := r.list(ctx, models.PtypeGrouping)
	if err != nil {
		return nil, err
	}
	out := make([]policysync.GroupingRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, policysync.GroupingRule{Subject: row.V0, Object: row.V1})
	}
	return out, nil
}

func (r *BunPolicyRuleRepository) Permissions(ctx context.Context) ([]policysync.PermissionRule, error) {
	rows, err := r.list(ctx, models.PtypePermission)
	if err != nil {
		return nil, err
	}
	out := make([]policysync.PermissionRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, policysync.PermissionRule{Role: row.V0, Operation: row.V1})
	}
	return out, nil
}

func (r *BunPolicyRuleRepository) list(ctx context.Context, ptype string) ([]models.PolicyRule, error) {
	var rows []models.PolicyRule
	err := r.db.NewSelect().
		Model(&rows).
		Where("ptype = ?", ptype).
		Order("v0 ASC", "v1 ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", ptype, err)
	}
	return rows, nil
}

func (r *BunPolicyRuleRepository) insert(ctx context.Context, rows []models.PolicyRule) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (ptype, v0, v1) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert policy rules: %w", err)
	}
	return nil
}

func (r *BunPolicyRuleRepository) deleteWhere(ctx context.Context, ptype, column, value string) error {
	_, err := r.db.NewDelete().
		Model((*models.PolicyRule)(nil)).
		Where("ptype = ?", ptype).
		Where("? = ?", bun.Ident(column), value).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove %s rules where %s=%q: %w", ptype, column, value, err)
	}
	return nil
}

// rename rewrites column from oldValue to newValue. Rows whose renamed form
// already exists are dropped rather than duplicated.
func (r *BunPolicyRuleRepository) rename(ctx context.Context, ptype, column, oldValue, newValue string) error {
	if oldValue == newValue {
		return nil
	}
	var rows []models.PolicyRule
	err := r.db.NewSelect().
		Model(&rows).
		Where("ptype = ?", ptype).
		Where("? = ?", bun.Ident(column), oldValue).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("load %s rules for rename: %w", ptype, err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := r.deleteWhere(ctx, ptype, column, oldValue); err != nil {
		return err
	}
	for i := range rows {
		if column == "v0" {
			rows[i].V0 = newValue
		} else {
			rows[i].V1 = newValue
		}
	}
	return r.insert(ctx, rows)
}
