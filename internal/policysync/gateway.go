// Package policysync propagates committed membership and grant changes to the
// policy store. Domain code never talks to the store directly: it queues typed
// commands that a Dispatcher applies through a Gateway after commit.
package policysync

import (
	"context"
	"fmt"
)

// Wildcard is the operation granted to the superuser role.
const Wildcard = "*"

// GroupingRule assigns Subject (a username) to Object (a role name).
type GroupingRule struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
}

func (r GroupingRule) String() string {
	return fmt.Sprintf("g(%s, %s)", r.Subject, r.Object)
}

// PermissionRule allows Role to perform Operation.
type PermissionRule struct {
	Role      string `json:"role"`
	Operation string `json:"operation"`
}

func (r PermissionRule) String() string {
	return fmt.Sprintf("p(%s, %s)", r.Role, r.Operation)
}

// Gateway is the write and read surface of the policy store.
// Every mutation is idempotent: adding an existing rule or removing an
// absent one succeeds without change.
type Gateway interface {
	AddGroupingRules(ctx context.Context, rules []GroupingRule) error
	RemoveGroupingRules(ctx context.Context, rules []GroupingRule) error
	// RemoveGroupingRulesMatching removes every grouping rule for which the
	// boolean expression over "subject" and "object" holds.
	RemoveGroupingRulesMatching(ctx context.Context, expr string) (int, error)

	AddPermissionRules(ctx context.Context, rules []PermissionRule) error
	RemovePermissionRulesForSubject(ctx context.Context, role string) error
	// ReplacePermissionRules leaves exactly rules as the permission rules of role.
	ReplacePermissionRules(ctx context.Context, role string, rules []PermissionRule) error

	GroupingRules(ctx context.Context) ([]GroupingRule, error)
	PermissionRules(ctx context.Context) ([]PermissionRule, error)

	// Enforce reports whether subject may perform operation.
	Enforce(ctx context.Context, subject, operation string) (bool, error)
}
