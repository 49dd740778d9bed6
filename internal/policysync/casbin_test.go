package policysync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
)

func newTestGateway(t *testing.T) *CasbinGateway {
	t.Helper()
	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	enforcer, err := NewEnforcer(context.Background(), db)
	require.NoError(t, err)
	return NewCasbinGateway(enforcer)
}

func TestCasbinGatewayGrouping(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	rules := []GroupingRule{{"alice", "ops"}, {"bob", "ops"}, {"bob", "dev"}}
	require.NoError(t, gw.AddGroupingRules(ctx, rules))
	// adding again is a no-op
	require.NoError(t, gw.AddGroupingRules(ctx, rules[:1]))

	got, err := gw.GroupingRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, rules, got)

	// removing an absent rule alongside a present one succeeds
	require.NoError(t, gw.RemoveGroupingRules(ctx, []GroupingRule{{"alice", "ops"}, {"carol", "ops"}}))
	got, err = gw.GroupingRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []GroupingRule{{"bob", "ops"}, {"bob", "dev"}}, got)

	n, err := gw.RemoveGroupingRulesMatching(ctx, ObjectIs("ops"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = gw.GroupingRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []GroupingRule{{"bob", "dev"}}, got)

	_, err = gw.RemoveGroupingRulesMatching(ctx, "object ==")
	assert.Error(t, err)
}

func TestCasbinGatewayReplacePermissionRules(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.ReplacePermissionRules(ctx, "ops", Permissions("ops", "user:list", "user:create")))
	require.NoError(t, gw.AddPermissionRules(ctx, Permissions("dev", "user:list")))

	require.NoError(t, gw.ReplacePermissionRules(ctx, "ops", Permissions("ops", "user:create", "role:list", "role:list")))
	got, err := gw.PermissionRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []PermissionRule{
		{"ops", "user:create"},
		{"ops", "role:list"},
		{"dev", "user:list"},
	}, got)

	require.NoError(t, gw.ReplacePermissionRules(ctx, "ops", nil))
	got, err = gw.PermissionRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PermissionRule{{"dev", "user:list"}}, got)

	require.NoError(t, gw.RemovePermissionRulesForSubject(ctx, "dev"))
	require.NoError(t, gw.RemovePermissionRulesForSubject(ctx, "dev"))
	got, err = gw.PermissionRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCasbinGatewayEnforce(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	require.NoError(t, gw.AddPermissionRules(ctx, []PermissionRule{
		{"superuser", Wildcard},
		{"normal", "user:list"},
	}))
	require.NoError(t, gw.AddGroupingRules(ctx, []GroupingRule{{"admin", "superuser"}, {"alice", "normal"}}))

	tests := []struct {
		subject, op string
		want        bool
	}{
		{"admin", "role:delete", true},
		{"alice", "user:list", true},
		{"alice", "role:delete", false},
		{"mallory", "user:list", false},
	}
	for _, tt := range tests {
		ok, err := gw.Enforce(ctx, tt.subject, tt.op)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%s %s", tt.subject, tt.op)
	}
}

func TestCasbinGatewayPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first, err := NewEnforcer(ctx, db)
	require.NoError(t, err)
	gw := NewCasbinGateway(first)
	require.NoError(t, gw.AddGroupingRules(ctx, Grouping("alice", "ops", "dev")))
	require.NoError(t, gw.ReplacePermissionRules(ctx, "ops", Permissions("ops", "a", "b")))
	require.NoError(t, gw.ReplacePermissionRules(ctx, "ops", Permissions("ops", "b", "c")))

	second, err := NewEnforcer(ctx, db)
	require.NoError(t, err)
	reloaded := NewCasbinGateway(second)

	grouping, err := reloaded.GroupingRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, Grouping("alice", "ops", "dev"), grouping)

	perms, err := reloaded.PermissionRules(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, Permissions("ops", "b", "c"), perms)
}

func TestMatcherCacheEvictsOldExpressions(t *testing.T) {
	for i := 0; i < matcherCacheSize+10; i++ {
		_, err := compileMatcher(ObjectIs(fmt.Sprintf("renamed-%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, matcherCacheSize, matcherCache.Len())
	assert.False(t, matcherCache.Contains(ObjectIs("renamed-0")))
	assert.True(t, matcherCache.Contains(ObjectIs(fmt.Sprintf("renamed-%d", matcherCacheSize+9))))
}
