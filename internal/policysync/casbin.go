package policysync

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/diff"
	"github.com/terraconstructs/iamsync/internal/policysync/bunadapter"
)

//go:embed model.conf
var casbinModelContent string

// Enforcer is the subset of *casbin.SyncedEnforcer the gateway relies on.
type Enforcer interface {
	AddGroupingPoliciesEx(rules [][]string) (bool, error)
	RemoveGroupingPolicies(rules [][]string) (bool, error)
	HasGroupingPolicy(params ...interface{}) (bool, error)
	GetGroupingPolicy() ([][]string, error)

	AddPoliciesEx(rules [][]string) (bool, error)
	RemoveFilteredPolicy(fieldIndex int, fieldValues ...string) (bool, error)
	UpdateFilteredPolicies(newPolicies [][]string, fieldIndex int, fieldValues ...string) (bool, error)
	GetFilteredPolicy(fieldIndex int, fieldValues ...string) ([][]string, error)
	GetPolicy() ([][]string, error)

	Enforce(rvals ...interface{}) (bool, error)
	LoadPolicy() error
}

// NewEnforcer builds a synced enforcer over the casbin_rules table in db,
// creating the table when missing, and loads the stored policy.
func NewEnforcer(ctx context.Context, db bun.IDB) (*casbin.SyncedEnforcer, error) {
	if err := bunadapter.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}

	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, bunadapter.NewAdapter(db))
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load casbin policies: %w", err)
	}
	return enforcer, nil
}

// AttachWatcher makes the enforcer reload when another instance publishes a
// change and publish its own changes.
func AttachWatcher(enforcer *casbin.SyncedEnforcer, w persist.Watcher) error {
	if err := enforcer.SetWatcher(w); err != nil {
		return fmt.Errorf("attach policy watcher: %w", err)
	}
	return nil
}

// CasbinGateway applies policy commands to a casbin enforcer.
type CasbinGateway struct {
	enforcer Enforcer
}

var _ Gateway = (*CasbinGateway)(nil)

// NewCasbinGateway wraps enforcer.
func NewCasbinGateway(enforcer Enforcer) *CasbinGateway {
	return &CasbinGateway{enforcer: enforcer}
}

// ====================================================================================
// Grouping rules
// ====================================================================================

func (g *CasbinGateway) AddGroupingRules(_ context.Context, rules []GroupingRule) error {
	if len(rules) == 0 {
		return nil
	}
	if _, err := g.enforcer.AddGroupingPoliciesEx(groupingRows(rules)); err != nil {
		return fmt.Errorf("add grouping rules: %w", err)
	}
	return nil
}

func (g *CasbinGateway) RemoveGroupingRules(_ context.Context, rules []GroupingRule) error {
	var present [][]string
	for _, r := range rules {
		ok, err := g.enforcer.HasGroupingPolicy(r.Subject, r.Object)
		if err != nil {
			return fmt.Errorf("check grouping rule %s: %w", r, err)
		}
		if ok {
			present = append(present, []string{r.Subject, r.Object})
		}
	}
	if len(present) == 0 {
		return nil
	}
	if _, err := g.enforcer.RemoveGroupingPolicies(present); err != nil {
		return fmt.Errorf("remove grouping rules: %w", err)
	}
	return nil
}

func (g *CasbinGateway) RemoveGroupingRulesMatching(ctx context.Context, expr string) (int, error) {
	all, err := g.GroupingRules(ctx)
	if err != nil {
		return 0, err
	}
	matched, err := FilterGrouping(expr, all)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}
	if _, err := g.enforcer.RemoveGroupingPolicies(groupingRows(matched)); err != nil {
		return 0, fmt.Errorf("remove grouping rules matching %q: %w", expr, err)
	}
	return len(matched), nil
}

func (g *CasbinGateway) GroupingRules(_ context.Context) ([]GroupingRule, error) {
	rows, err := g.enforcer.GetGroupingPolicy()
	if err != nil {
		return nil, fmt.Errorf("list grouping rules: %w", err)
	}
	rules := make([]GroupingRule, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		rules = append(rules, GroupingRule{Subject: row[0], Object: row[1]})
	}
	return rules, nil
}

// ====================================================================================
// Permission rules
// ====================================================================================

func (g *CasbinGateway) AddPermissionRules(_ context.Context, rules []PermissionRule) error {
	if len(rules) == 0 {
		return nil
	}
	if _, err := g.enforcer.AddPoliciesEx(permissionRows(rules)); err != nil {
		return fmt.Errorf("add permission rules: %w", err)
	}
	return nil
}

func (g *CasbinGateway) RemovePermissionRulesForSubject(_ context.Context, role string) error {
	if _, err := g.enforcer.RemoveFilteredPolicy(0, role); err != nil {
		return fmt.Errorf("remove permission rules of %q: %w", role, err)
	}
	return nil
}

func (g *CasbinGateway) ReplacePermissionRules(ctx context.Context, role string, rules []PermissionRule) error {
	existing, err := g.enforcer.GetFilteredPolicy(0, role)
	if err != nil {
		return fmt.Errorf("list permission rules of %q: %w", role, err)
	}

	switch {
	case len(existing) == 0:
		return g.AddPermissionRules(ctx, rules)
	case len(rules) == 0:
		return g.RemovePermissionRulesForSubject(ctx, role)
	}

	if _, err := g.enforcer.UpdateFilteredPolicies(permissionRows(diff.Apply(nil, rules, nil)), 0, role); err != nil {
		return fmt.Errorf("replace permission rules of %q: %w", role, err)
	}
	return nil
}

func (g *CasbinGateway) PermissionRules(_ context.Context) ([]PermissionRule, error) {
	rows, err := g.enforcer.GetPolicy()
	if err != nil {
		return nil, fmt.Errorf("list permission rules: %w", err)
	}
	rules := make([]PermissionRule, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		rules = append(rules, PermissionRule{Role: row[0], Operation: row[1]})
	}
	return rules, nil
}

func (g *CasbinGateway) Enforce(_ context.Context, subject, operation string) (bool, error) {
	ok, err := g.enforcer.Enforce(subject, operation)
	if err != nil {
		return false, fmt.Errorf("enforce %s on %s: %w", subject, operation, err)
	}
	return ok, nil
}

// Reload re-reads the stored policy.
func (g *CasbinGateway) Reload() error {
	return g.enforcer.LoadPolicy()
}

func groupingRows(rules []GroupingRule) [][]string {
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, []string{r.Subject, r.Object})
	}
	return rows
}

func permissionRows(rules []PermissionRule) [][]string {
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, []string{r.Role, r.Operation})
	}
	return rows
}
