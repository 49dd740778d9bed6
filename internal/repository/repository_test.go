package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/migrations"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/repository"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(context.Background(), db))
	return db
}

func createUser(t *testing.T, repos *repository.Repositories, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username, DisplayName: username + " display", Email: username + "@example.com"}
	require.NoError(t, repos.Users.Create(context.Background(), u))
	return u
}

func createRole(t *testing.T, repos *repository.Repositories, name string) *models.Role {
	t.Helper()
	r := &models.Role{Name: name, Description: name + " role"}
	require.NoError(t, repos.Roles.Create(context.Background(), r))
	return r
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repos := repository.New(setupTestDB(t))

	alice := createUser(t, repos, "alice")
	assert.NotEmpty(t, alice.ID)
	assert.Equal(t, models.UserStatusEnabled, alice.Status)

	t.Run("duplicate username is a validation error", func(t *testing.T) {
		err := repos.Users.Create(ctx, &models.User{Username: "alice"})
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := repos.Users.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)

		_, err = repos.Users.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		found, err := repos.Users.FindByUsername(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("update and status", func(t *testing.T) {
		alice.DisplayName = "Alice A."
		require.NoError(t, repos.Users.Update(ctx, alice))
		require.NoError(t, repos.Users.SetStatus(ctx, alice.ID, models.UserStatusDisabled))

		got, err := repos.Users.GetByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice A.", got.DisplayName)
		assert.False(t, got.Enabled())

		err = repos.Users.SetStatus(ctx, "missing", models.UserStatusEnabled)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("list filters and pages", func(t *testing.T) {
		createUser(t, repos, "bob")
		createUser(t, repos, "carol")

		users, total, err := repos.Users.List(ctx, repository.UserFilter{Search: "BO"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, users, 1)
		assert.Equal(t, "bob", users[0].Username)

		users, total, err = repos.Users.List(ctx, repository.UserFilter{Page: repository.Page{Limit: 2}})
		require.NoError(t, err)
		assert.Equal(t, 4, total) // seeded admin plus three
		assert.Len(t, users, 2)

		_, total, err = repos.Users.List(ctx, repository.UserFilter{Status: models.UserStatusDisabled})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repos.Users.Delete(ctx, alice.ID))
		assert.ErrorIs(t, repos.Users.Delete(ctx, alice.ID), errs.ErrNotFound)
	})
}

func TestRoleAndMembershipRepository(t *testing.T) {
	ctx := context.Background()
	repos := repository.New(setupTestDB(t))

	dev := createRole(t, repos, "dev")
	ops := createRole(t, repos, "ops")
	alice := createUser(t, repos, "alice")
	bob := createUser(t, repos, "bob")

	err := repos.Roles.Create(ctx, &models.Role{Name: "dev"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	require.NoError(t, repos.Memberships.Add(ctx, alice.ID, dev.ID, ops.ID))
	// re-adding is a no-op
	require.NoError(t, repos.Memberships.Add(ctx, alice.ID, dev.ID))
	require.NoError(t, repos.Memberships.AddUsers(ctx, dev.ID, bob.ID))

	roles, err := repos.Memberships.RolesOfUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "dev", roles[0].Name)
	assert.Equal(t, "ops", roles[1].Name)

	members, err := repos.Memberships.UsersOfRole(ctx, dev.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Username)
	assert.Equal(t, "bob", members[1].Username)

	byUser, err := repos.Memberships.RolesOfUsers(ctx, []string{alice.ID, bob.ID})
	require.NoError(t, err)
	assert.Len(t, byUser[alice.ID], 2)
	require.Len(t, byUser[bob.ID], 1)
	assert.Equal(t, dev.ID, byUser[bob.ID][0].ID)

	require.NoError(t, repos.Memberships.Remove(ctx, alice.ID, ops.ID))
	require.NoError(t, repos.Memberships.RemoveUsers(ctx, dev.ID, bob.ID))
	roles, err = repos.Memberships.RolesOfUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "dev", roles[0].Name)

	page, total, err := repos.Roles.List(ctx, "", repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, total) // two seeded roles plus dev and ops
	assert.Len(t, page, 4)

	dev.Name = "developers"
	require.NoError(t, repos.Roles.Update(ctx, dev))
	got, err := repos.Roles.GetByName(ctx, "developers")
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	require.NoError(t, repos.Roles.Delete(ctx, dev.ID))
	roles, err = repos.Memberships.RolesOfUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestGrantRepositoryReplace(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repos := repository.New(db)
	role := createRole(t, repos, "dev")

	require.NoError(t, repos.Grants.Replace(ctx, role.ID, models.GrantKindMenu, []string{"m1", "m2"}))
	require.NoError(t, repos.Grants.Replace(ctx, role.ID, models.GrantKindOperation, []string{"op.read"}))

	grantID := func(resourceID string) string {
		var id string
		require.NoError(t, db.NewSelect().
			Model((*models.ResourceGrant)(nil)).
			Column("id").
			Where("role_id = ? AND resource_id = ?", role.ID, resourceID).
			Scan(ctx, &id))
		return id
	}
	before := grantID("m2")

	require.NoError(t, repos.Grants.Replace(ctx, role.ID, models.GrantKindMenu, []string{"m2", "m3", "m3"}))
	assert.NotEqual(t, before, grantID("m2"), "kept grants are rewritten")

	grants, err := repos.Grants.ListByRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, grants[models.GrantKindMenu])
	assert.Equal(t, []string{"op.read"}, grants[models.GrantKindOperation])
	assert.Empty(t, grants[models.GrantKindApplication])

	require.NoError(t, repos.Grants.Replace(ctx, role.ID, models.GrantKindMenu, nil))
	grants, err = repos.Grants.ListByRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, grants[models.GrantKindMenu])
}

func TestOperationLogRepository(t *testing.T) {
	ctx := context.Background()
	repos := repository.New(setupTestDB(t))

	for _, e := range []models.OperationLog{
		{Operator: "admin", Action: models.ActionAdd, Target: "alice", Summary: "create user", ObjectType: models.ObjectTypeUser},
		{Operator: "admin", Action: models.ActionDelete, Target: "dev", Summary: "delete role", ObjectType: models.ObjectTypeRole},
		{Operator: "ops", Action: models.ActionModify, Target: "alice", Summary: "update user", ObjectType: models.ObjectTypeUser},
	} {
		e := e
		require.NoError(t, repos.Logs.Create(ctx, &e))
	}

	entries, total, err := repos.Logs.List(ctx, repository.OperationLogFilter{Operator: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "127.0.0.1", entries[0].OriginIP)

	_, total, err = repos.Logs.List(ctx, repository.OperationLogFilter{ObjectType: models.ObjectTypeUser, Search: "ALICE"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	entries, _, err = repos.Logs.List(ctx, repository.OperationLogFilter{Action: models.ActionDelete})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev", entries[0].Target)
}

func TestPolicyRuleRepository(t *testing.T) {
	ctx := context.Background()
	repos := repository.New(setupTestDB(t))

	require.NoError(t, repos.Rules.AddGrouping(ctx, policysync.Grouping("alice", "dev", "ops")))
	require.NoError(t, repos.Rules.AddGrouping(ctx, policysync.Grouping("alice", "dev")))
	require.NoError(t, repos.Rules.AddGrouping(ctx, policysync.Grouping("bob", "dev")))
	require.NoError(t, repos.Rules.ReplacePermissions(ctx, "dev", []string{"read", "write"}))
	require.NoError(t, repos.Rules.ReplacePermissions(ctx, "dev", []string{"read", "deploy"}))

	perms, err := repos.Rules.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, policysync.Permissions("dev", "deploy", "read"), perms)

	require.NoError(t, repos.Rules.RenameObject(ctx, "dev", "developers"))
	require.NoError(t, repos.Rules.RenameSubject(ctx, "dev", "developers"))

	grouping, err := repos.Rules.Grouping(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []policysync.GroupingRule{
		{Subject: "admin", Object: "superuser"},
		{Subject: "alice", Object: "developers"},
		{Subject: "alice", Object: "ops"},
		{Subject: "bob", Object: "developers"},
	}, grouping)

	perms, err = repos.Rules.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, policysync.Permissions("developers", "deploy", "read"), perms)

	require.NoError(t, repos.Rules.RemoveGrouping(ctx, policysync.Grouping("alice", "ops")))
	require.NoError(t, repos.Rules.RemoveGroupingForObject(ctx, "developers"))
	require.NoError(t, repos.Rules.RemovePermissionsForSubject(ctx, "developers"))
	require.NoError(t, repos.Rules.RemoveGroupingForSubject(ctx, "admin"))

	grouping, err = repos.Rules.Grouping(ctx)
	require.NoError(t, err)
	assert.Empty(t, grouping)
	perms, err = repos.Rules.Permissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, perms)
}
