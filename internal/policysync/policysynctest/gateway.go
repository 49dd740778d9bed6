// Package policysynctest provides an in-memory policy gateway for tests.
package policysynctest

import (
	"context"
	"sort"
	"sync"

	"github.com/terraconstructs/iamsync/internal/policysync"
)

// Gateway is an in-memory policysync.Gateway that records every call.
type Gateway struct {
	mu          sync.Mutex
	grouping    map[policysync.GroupingRule]struct{}
	permissions map[policysync.PermissionRule]struct{}
	calls       []string
	failures    map[string]error
}

var _ policysync.Gateway = (*Gateway)(nil)

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{
		grouping:    make(map[policysync.GroupingRule]struct{}),
		permissions: make(map[policysync.PermissionRule]struct{}),
		failures:    make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (g *Gateway) FailOn(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, method)
		return
	}
	g.failures[method] = err
}

// Calls returns the method names invoked so far, in order.
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Seed installs rules without recording calls.
func (g *Gateway) Seed(grouping []policysync.GroupingRule, permissions []policysync.PermissionRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range grouping {
		g.grouping[r] = struct{}{}
	}
	for _, r := range permissions {
		g.permissions[r] = struct{}{}
	}
}

func (g *Gateway) record(method string) error {
	g.calls = append(g.calls, method)
	return g.failures[method]
}

func (g *Gateway) AddGroupingRules(_ context.Context, rules []policysync.GroupingRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("AddGroupingRules"); err != nil {
		return err
	}
	for _, r := range rules {
		g.grouping[r] = struct{}{}
	}
	return nil
}

func (g *Gateway) RemoveGroupingRules(_ context.Context, rules []policysync.GroupingRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RemoveGroupingRules"); err != nil {
		return err
	}
	for _, r := range rules {
		delete(g.grouping, r)
	}
	return nil
}

func (g *Gateway) RemoveGroupingRulesMatching(_ context.Context, expr string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RemoveGroupingRulesMatching"); err != nil {
		return 0, err
	}
	matched, err := policysync.FilterGrouping(expr, g.sortedGrouping())
	if err != nil {
		return 0, err
	}
	for _, r := range matched {
		delete(g.grouping, r)
	}
	return len(matched), nil
}

func (g *Gateway) AddPermissionRules(_ context.Context, rules []policysync.PermissionRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("AddPermissionRules"); err != nil {
		return err
	}
	for _, r := range rules {
		g.permissions[r] = struct{}{}
	}
	return nil
}

func (g *Gateway) RemovePermissionRulesForSubject(_ context.Context, role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RemovePermissionRulesForSubject"); err != nil {
		return err
	}
	g.removePermissionsOf(role)
	return nil
}

func (g *Gateway) ReplacePermissionRules(_ context.Context, role string, rules []policysync.PermissionRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("ReplacePermissionRules"); err != nil {
		return err
	}
	g.removePermissionsOf(role)
	for _, r := range rules {
		g.permissions[r] = struct{}{}
	}
	return nil
}

func (g *Gateway) GroupingRules(context.Context) ([]policysync.GroupingRule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["GroupingRules"]; err != nil {
		return nil, err
	}
	return g.sortedGrouping(), nil
}

func (g *Gateway) PermissionRules(context.Context) ([]policysync.PermissionRule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["PermissionRules"]; err != nil {
		return nil, err
	}
	return g.sortedPermissions(), nil
}

// Enforce applies the same matcher as the casbin model: the subject must hold
// a role with the operation or the wildcard.
func (g *Gateway) Enforce(_ context.Context, subject, operation string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures["Enforce"]; err != nil {
		return false, err
	}
	for gr := range g.grouping {
		if gr.Subject != subject {
			continue
		}
		for _, op := range []string{operation, policysync.Wildcard} {
			if _, ok := g.permissions[policysync.PermissionRule{Role: gr.Object, Operation: op}]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// RolesOf returns the roles assigned to username, sorted.
func (g *Gateway) RolesOf(username string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var roles []string
	for r := range g.grouping {
		if r.Subject == username {
			roles = append(roles, r.Object)
		}
	}
	sort.Strings(roles)
	return roles
}

// OperationsOf returns the operations granted to role, sorted.
func (g *Gateway) OperationsOf(role string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ops []string
	for r := range g.permissions {
		if r.Role == role {
			ops = append(ops, r.Operation)
		}
	}
	sort.Strings(ops)
	return ops
}

func (g *Gateway) removePermissionsOf(role string) {
	for r := range g.permissions {
		if r.Role == role {
			delete(g.permissions, r)
		}
	}
}

func (g *Gateway) sortedGrouping() []policysync.GroupingRule {
	out := make([]policysync.GroupingRule, 0, len(g.grouping))
	for r := range g.grouping {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Object < out[j].Object
	})
	return out
}

func (g *Gateway) sortedPermissions() []policysync.PermissionRule {
	out := make([]policysync.PermissionRule, 0, len(g.permissions))
	for r := range g.permissions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}
