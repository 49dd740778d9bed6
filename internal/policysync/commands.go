package policysync

import (
	"context"
	"fmt"
	"strconv"
)

// Command is one deferred policy-store mutation.
// Commands are values so a batch can be logged, compared and replayed.
type Command interface {
	Kind() string
	Apply(ctx context.Context, gw Gateway) error
}

// AddGroupingRules adds user-to-role assignments.
type AddGroupingRules struct {
	Rules []GroupingRule
}

func (AddGroupingRules) Kind() string { return "add_grouping_rules" }

func (c AddGroupingRules) Apply(ctx context.Context, gw Gateway) error {
	if len(c.Rules) == 0 {
		return nil
	}
	return gw.AddGroupingRules(ctx, c.Rules)
}

// RemoveGroupingRules removes user-to-role assignments.
type RemoveGroupingRules struct {
	Rules []GroupingRule
}

func (RemoveGroupingRules) Kind() string { return "remove_grouping_rules" }

func (c RemoveGroupingRules) Apply(ctx context.Context, gw Gateway) error {
	if len(c.Rules) == 0 {
		return nil
	}
	return gw.RemoveGroupingRules(ctx, c.Rules)
}

// RemoveGroupingRulesMatching removes every assignment matched by Expr.
type RemoveGroupingRulesMatching struct {
	Expr string
}

func (RemoveGroupingRulesMatching) Kind() string { return "remove_grouping_rules_matching" }

func (c RemoveGroupingRulesMatching) Apply(ctx context.Context, gw Gateway) error {
	_, err := gw.RemoveGroupingRulesMatching(ctx, c.Expr)
	return err
}

// ObjectIs builds a match expression selecting assignments to role.
func ObjectIs(role string) string {
	return "object == " + strconv.Quote(role)
}

// SubjectIs builds a match expression selecting assignments of username.
func SubjectIs(username string) string {
	return "subject == " + strconv.Quote(username)
}

// AddPermissionRules adds role permissions.
type AddPermissionRules struct {
	Rules []PermissionRule
}

func (AddPermissionRules) Kind() string { return "add_permission_rules" }

func (c AddPermissionRules) Apply(ctx context.Context, gw Gateway) error {
	if len(c.Rules) == 0 {
		return nil
	}
	return gw.AddPermissionRules(ctx, c.Rules)
}

// RemovePermissionRulesForSubject removes every permission of Role.
type RemovePermissionRulesForSubject struct {
	Role string
}

func (RemovePermissionRulesForSubject) Kind() string { return "remove_permission_rules_for_subject" }

func (c RemovePermissionRulesForSubject) Apply(ctx context.Context, gw Gateway) error {
	if c.Role == "" {
		return fmt.Errorf("remove permission rules: empty role")
	}
	return gw.RemovePermissionRulesForSubject(ctx, c.Role)
}

// ReplacePermissionRules sets the permissions of Role to exactly Rules.
type ReplacePermissionRules struct {
	Role  string
	Rules []PermissionRule
}

func (ReplacePermissionRules) Kind() string { return "replace_permission_rules" }

func (c ReplacePermissionRules) Apply(ctx context.Context, gw Gateway) error {
	if c.Role == "" {
		return fmt.Errorf("replace permission rules: empty role")
	}
	for _, r := range c.Rules {
		if r.Role != c.Role {
			return fmt.Errorf("replace permission rules for %q: rule %s belongs to another role", c.Role, r)
		}
	}
	return gw.ReplacePermissionRules(ctx, c.Role, c.Rules)
}

// Grouping builds assignments of one user to several roles.
func Grouping(username string, roles ...string) []GroupingRule {
	rules := make([]GroupingRule, 0, len(roles))
	for _, role := range roles {
		rules = append(rules, GroupingRule{Subject: username, Object: role})
	}
	return rules
}

// Members builds assignments of several users to one role.
func Members(role string, usernames ...string) []GroupingRule {
	rules := make([]GroupingRule, 0, len(usernames))
	for _, u := range usernames {
		rules = append(rules, GroupingRule{Subject: u, Object: role})
	}
	return rules
}

// Permissions builds permissions of one role.
func Permissions(role string, operations ...string) []PermissionRule {
	rules := make([]PermissionRule, 0, len(operations))
	for _, op := range operations {
		rules = append(rules, PermissionRule{Role: role, Operation: op})
	}
	return rules
}
