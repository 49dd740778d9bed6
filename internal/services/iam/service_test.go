package iam

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/config"
	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/idp"
	"github.com/terraconstructs/iamsync/internal/idp/idptest"
	"github.com/terraconstructs/iamsync/internal/migrations"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/policysync/policysynctest"
	"github.com/terraconstructs/iamsync/internal/repository"
)

type batch struct {
	op   string
	cmds []policysync.Command
}

// recordingEnqueuer captures committed batches instead of dispatching them.
type recordingEnqueuer struct {
	mu      sync.Mutex
	batches []batch
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, op string, cmds []policysync.Command) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, batch{op: op, cmds: cmds})
	return "batch"
}

func (e *recordingEnqueuer) commands() []policysync.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []policysync.Command
	for _, b := range e.batches {
		out = append(out, b.cmds...)
	}
	return out
}

func (e *recordingEnqueuer) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = nil
}

type harness struct {
	svc      Service
	db       *bun.DB
	repos    *repository.Repositories
	provider *idptest.Provider
	gateway  *policysynctest.Gateway
	enqueuer *recordingEnqueuer
	logs     *test.Hook
}

var operator = Actor{Operator: "operator", OriginIP: "10.0.0.1"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	enq := &recordingEnqueuer{}
	provider := idptest.New()
	provider.SeedUser("admin")
	gateway := policysynctest.New()

	svc, err := NewIAMService(Dependencies{
		DB:               db,
		Runner:           coordinator.New(db, enq, coordinator.WithLogger(logger)),
		Provider:         provider,
		PermissionCenter: provider,
		StatusNotifier:   provider,
		Gateway:          gateway,
		Principals: config.PrincipalConfig{
			AdminUsername: "admin",
			SuperuserRole: "superuser",
			DefaultRole:   "normal",
		},
		IdP:    config.IdPConfig{DefaultClientRole: "default-roles", PasswordLength: 12},
		Logger: logger,
	})
	require.NoError(t, err)

	return &harness{
		svc:      svc,
		db:       db,
		repos:    repository.New(db),
		provider: provider,
		gateway:  gateway,
		enqueuer: enq,
		logs:     hook,
	}
}

func (h *harness) createUser(t *testing.T, username string) UserView {
	t.Helper()
	res := h.svc.CreateUser(context.Background(), operator, CreateUserRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct-horse",
	})
	require.True(t, res.Result, res.Message)
	return res.Data.(UserView)
}

func (h *harness) createRole(t *testing.T, name string) RoleView {
	t.Helper()
	res := h.svc.CreateRole(context.Background(), operator, RoleRequest{Name: name})
	require.True(t, res.Result, res.Message)
	return res.Data.(RoleView)
}

func (h *harness) role(t *testing.T, name string) *models.Role {
	t.Helper()
	r, err := h.repos.Roles.GetByName(context.Background(), name)
	require.NoError(t, err)
	return r
}

func (h *harness) admin(t *testing.T) *models.User {
	t.Helper()
	u, err := h.repos.Users.GetByUsername(context.Background(), "admin")
	require.NoError(t, err)
	return u
}

func (h *harness) auditCount(t *testing.T, action models.OperationAction) int {
	t.Helper()
	n, err := h.db.NewSelect().Model((*models.OperationLog)(nil)).Where("action = ?", action).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	view := h.createUser(t, "alice")
	assert.Equal(t, []string{"normal"}, view.Roles)
	assert.NotEmpty(t, view.ExternalID)
	assert.Empty(t, view.TemporaryPassword)

	stored, err := h.repos.Users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalID)
	assert.Equal(t, view.ExternalID, *stored.ExternalID)

	roles, err := h.repos.Memberships.RolesOfUser(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "normal", roles[0].Name)

	assert.Equal(t, 1, h.auditCount(t, models.ActionAdd))
	assert.Equal(t, []policysync.Command{
		policysync.AddGroupingRules{Rules: []policysync.GroupingRule{{Subject: "alice", Object: "normal"}}},
	}, h.enqueuer.commands())

	mirror, err := h.repos.Rules.Grouping(ctx)
	require.NoError(t, err)
	assert.Contains(t, mirror, policysync.GroupingRule{Subject: "alice", Object: "normal"})

	assert.Equal(t, 1, h.provider.CallCount("AssignClientRole"))
}

func TestCreateUserGeneratesTemporaryPassword(t *testing.T) {
	h := newHarness(t)

	res := h.svc.CreateUser(context.Background(), operator, CreateUserRequest{Username: "bob"})
	require.True(t, res.Result, res.Message)

	view := res.Data.(UserView)
	require.NotEmpty(t, view.TemporaryPassword)

	_, password, ok := h.provider.User("bob")
	require.True(t, ok)
	assert.Equal(t, view.TemporaryPassword, password)
}

func TestCreateUserRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "alice")
	h.enqueuer.reset()

	tests := []struct {
		name string
		req  CreateUserRequest
		kind error
	}{
		{"admin username", CreateUserRequest{Username: "admin"}, errs.ErrAuthorizationInvariant},
		{"duplicate", CreateUserRequest{Username: "alice"}, errs.ErrValidation},
		{"bad characters", CreateUserRequest{Username: "al ice"}, errs.ErrValidation},
		{"missing username", CreateUserRequest{}, errs.ErrValidation},
		{"bad email", CreateUserRequest{Username: "carol", Email: "nope"}, errs.ErrValidation},
		{"short password", CreateUserRequest{Username: "carol", Password: "short"}, errs.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.svc.CreateUser(ctx, operator, tt.req)
			assert.False(t, res.Result)
			assert.Nil(t, res.Data)
			assert.NotEmpty(t, res.Message)
			assert.ErrorIs(t, res.Err(), tt.kind)
		})
	}
	assert.Empty(t, h.enqueuer.commands())
}

func TestCreateUserIdPFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.FailOn("CreateUser", &idp.RemoteError{Method: "POST", Path: "/users", Status: 503})

	res := h.svc.CreateUser(ctx, operator, CreateUserRequest{Username: "alice", Password: "correct-horse"})
	require.False(t, res.Result)
	assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)

	found, err := h.repos.Users.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Empty(t, h.enqueuer.commands())
	assert.Zero(t, h.auditCount(t, models.ActionAdd))
}

func TestCreateUserCompensatesIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.FailOn("AssignClientRole", errors.New("connection reset"))

	res := h.svc.CreateUser(ctx, operator, CreateUserRequest{Username: "alice", Password: "correct-horse"})
	require.False(t, res.Result)
	assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)

	assert.False(t, h.provider.Has("alice"), "identity must be deleted again")
	assert.Equal(t, 1, h.provider.CallCount("DeleteUser"))
	found, err := h.repos.Users.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Empty(t, h.enqueuer.commands())
}

func TestAdminIsProtected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	admin := h.admin(t)
	normal := h.role(t, "normal")

	results := map[string]Result{
		"delete":   h.svc.DeleteUser(ctx, operator, admin.ID),
		"status":   h.svc.SetUserStatus(ctx, operator, admin.ID, models.UserStatusDisabled),
		"roles":    h.svc.SetUserRoles(ctx, operator, admin.ID, []string{normal.ID}),
		"password": h.svc.ResetPassword(ctx, operator, admin.ID, "correct-horse"),
	}
	for name, res := range results {
		t.Run(name, func(t *testing.T) {
			assert.False(t, res.Result)
			assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)
		})
	}

	stored := h.admin(t)
	assert.Equal(t, models.UserStatusEnabled, stored.Status)
	assert.Empty(t, h.enqueuer.commands())
	assert.Zero(t, h.provider.CallCount("NotifyStatus"))
}

func TestSetUserRoles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")
	normal, superuser := h.role(t, "normal"), h.role(t, "superuser")
	h.enqueuer.reset()

	t.Run("adding superuser elevates", func(t *testing.T) {
		res := h.svc.SetUserRoles(ctx, operator, user.ID, []string{normal.ID, superuser.ID})
		require.True(t, res.Result, res.Message)

		assert.Equal(t, 1, h.provider.CallCount("Elevate"))
		assert.True(t, h.provider.Elevated("alice"))

		roles, err := h.repos.Memberships.RolesOfUser(ctx, user.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"normal", "superuser"}, roleNames(roles))

		assert.Equal(t, []policysync.Command{
			policysync.AddGroupingRules{Rules: []policysync.GroupingRule{{Subject: "alice", Object: "superuser"}}},
		}, h.enqueuer.commands())
	})

	t.Run("removing superuser demotes and orders removals first", func(t *testing.T) {
		h.enqueuer.reset()
		dev := h.createRole(t, "dev")

		res := h.svc.SetUserRoles(ctx, operator, user.ID, []string{normal.ID, dev.ID})
		require.True(t, res.Result, res.Message)
		assert.Equal(t, 1, h.provider.CallCount("Demote"))
		assert.False(t, h.provider.Elevated("alice"))

		assert.Equal(t, []policysync.Command{
			policysync.RemoveGroupingRules{Rules: []policysync.GroupingRule{{Subject: "alice", Object: "superuser"}}},
			policysync.AddGroupingRules{Rules: []policysync.GroupingRule{{Subject: "alice", Object: "dev"}}},
		}, h.enqueuer.commands())
	})

	t.Run("unchanged set issues nothing", func(t *testing.T) {
		h.enqueuer.reset()
		roles, err := h.repos.Memberships.RolesOfUser(ctx, user.ID)
		require.NoError(t, err)

		res := h.svc.SetUserRoles(ctx, operator, user.ID, roleIDsOf(roles))
		require.True(t, res.Result, res.Message)
		assert.Empty(t, h.enqueuer.commands())
	})

	t.Run("unknown role id", func(t *testing.T) {
		res := h.svc.SetUserRoles(ctx, operator, user.ID, []string{normal.ID, "missing"})
		assert.ErrorIs(t, res.Err(), errs.ErrValidation)
	})

	t.Run("elevation failure rolls back", func(t *testing.T) {
		h.enqueuer.reset()
		h.provider.FailOn("Elevate", errors.New("timeout"))
		t.Cleanup(func() { h.provider.FailOn("Elevate", nil) })

		res := h.svc.SetUserRoles(ctx, operator, user.ID, []string{superuser.ID})
		assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)

		roles, err := h.repos.Memberships.RolesOfUser(ctx, user.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"dev", "normal"}, roleNames(roles))
		assert.Empty(t, h.enqueuer.commands())
	})
}

func TestSetUserRolesRevertsElevationWhenMirrorWriteFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")
	normal, superuser := h.role(t, "normal"), h.role(t, "superuser")
	h.enqueuer.reset()

	_, err := h.db.ExecContext(ctx, `CREATE TRIGGER reject_superuser_grouping
		BEFORE INSERT ON policy_rules
		WHEN NEW.ptype = 'g' AND NEW.v1 = 'superuser'
		BEGIN SELECT RAISE(ABORT, 'policy mirror unavailable'); END`)
	require.NoError(t, err)

	res := h.svc.SetUserRoles(ctx, operator, user.ID, []string{normal.ID, superuser.ID})
	require.False(t, res.Result)
	assert.ErrorIs(t, res.Err(), errs.ErrPersistence)

	assert.Equal(t, 1, h.provider.CallCount("Elevate"))
	assert.Equal(t, 1, h.provider.CallCount("Demote"))
	assert.False(t, h.provider.Elevated("alice"))

	roles, err := h.repos.Memberships.RolesOfUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"normal"}, roleNames(roles))
	assert.Empty(t, h.enqueuer.commands())

	reverted := false
	for _, e := range h.logs.AllEntries() {
		if e.Message == "reverted superuser change after aborted operation" {
			reverted = true
		}
	}
	assert.True(t, reverted)
}

// abortingRunner fails every mutation after fn succeeded, as a failed commit would.
type abortingRunner struct {
	inner Runner
}

func (r abortingRunner) Run(ctx context.Context, op string, fn func(ctx context.Context, s *coordinator.Scope) error) error {
	return r.inner.Run(ctx, op, func(ctx context.Context, s *coordinator.Scope) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		return errs.Persistence(errors.New("disk I/O error"), "commit %s", op)
	})
}

func TestSetUserStatusRevertsNotificationOnAbort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")

	svc, err := NewIAMService(Dependencies{
		DB:               h.db,
		Runner:           abortingRunner{inner: coordinator.New(h.db, h.enqueuer)},
		Provider:         h.provider,
		PermissionCenter: h.provider,
		StatusNotifier:   h.provider,
		Gateway:          h.gateway,
		Principals:       config.PrincipalConfig{AdminUsername: "admin", SuperuserRole: "superuser", DefaultRole: "normal"},
	})
	require.NoError(t, err)

	res := svc.SetUserStatus(ctx, operator, user.ID, models.UserStatusDisabled)
	assert.ErrorIs(t, res.Err(), errs.ErrPersistence)

	assert.Equal(t, 2, h.provider.CallCount("NotifyStatus"))
	idpUser, _, _ := h.provider.User("alice")
	assert.True(t, idpUser.Enabled)

	stored, err := h.repos.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusEnabled, stored.Status)
}

func TestSetUserStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")

	res := h.svc.SetUserStatus(ctx, operator, user.ID, models.UserStatusDisabled)
	require.True(t, res.Result, res.Message)
	idpUser, _, _ := h.provider.User("alice")
	assert.False(t, idpUser.Enabled)

	t.Run("notifier failure rolls back", func(t *testing.T) {
		h.provider.FailOn("NotifyStatus", errors.New("unavailable"))
		t.Cleanup(func() { h.provider.FailOn("NotifyStatus", nil) })

		res := h.svc.SetUserStatus(ctx, operator, user.ID, models.UserStatusEnabled)
		assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)

		stored, err := h.repos.Users.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.UserStatusDisabled, stored.Status)
	})

	t.Run("unknown status", func(t *testing.T) {
		res := h.svc.SetUserStatus(ctx, operator, user.ID, "locked")
		assert.ErrorIs(t, res.Err(), errs.ErrValidation)
	})
}

func TestUpdateUserAndResetPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")

	res := h.svc.UpdateUser(ctx, operator, user.ID, UpdateUserRequest{DisplayName: "Alice A.", Email: "a@example.com"})
	require.True(t, res.Result, res.Message)
	assert.Equal(t, "Alice A.", res.Data.(UserView).DisplayName)

	idpUser, _, _ := h.provider.User("alice")
	assert.Equal(t, "Alice A.", idpUser.DisplayName)

	res = h.svc.ResetPassword(ctx, operator, user.ID, "another-secret")
	require.True(t, res.Result, res.Message)
	_, password, _ := h.provider.User("alice")
	assert.Equal(t, "another-secret", password)

	res = h.svc.ResetPassword(ctx, operator, user.ID, "short")
	assert.ErrorIs(t, res.Err(), errs.ErrValidation)

	assert.Equal(t, 2, h.auditCount(t, models.ActionModify))
	assert.Empty(t, h.enqueuer.commands()[1:], "profile changes issue no policy commands")

	res = h.svc.UpdateUser(ctx, operator, "missing", UpdateUserRequest{})
	assert.ErrorIs(t, res.Err(), errs.ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := h.createUser(t, "alice")
	dev := h.createRole(t, "dev")
	require.True(t, h.svc.SetUserRoles(ctx, operator, user.ID, []string{h.role(t, "normal").ID, dev.ID}).Result)
	h.enqueuer.reset()

	res := h.svc.DeleteUser(ctx, operator, user.ID)
	require.True(t, res.Result, res.Message)

	assert.False(t, h.provider.Has("alice"))
	_, err := h.repos.Users.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	cmds := h.enqueuer.commands()
	require.Len(t, cmds, 1)
	remove, ok := cmds[0].(policysync.RemoveGroupingRules)
	require.True(t, ok)
	assert.ElementsMatch(t, policysync.Grouping("alice", "dev", "normal"), remove.Rules)
	assert.Equal(t, 1, h.auditCount(t, models.ActionDelete))

	t.Run("missing identity is fatal", func(t *testing.T) {
		orphan := &models.User{Username: "ghost"}
		require.NoError(t, h.repos.Users.Create(ctx, orphan))

		res := h.svc.DeleteUser(ctx, operator, orphan.ID)
		assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)
		_, err := h.repos.Users.GetByID(ctx, orphan.ID)
		assert.NoError(t, err)
	})
}

func TestBuiltInRolesRejectChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	normal := h.role(t, "normal")

	res := h.svc.UpdateRole(ctx, operator, normal.ID, RoleRequest{Name: "renamed"})
	assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)

	res = h.svc.DeleteRole(ctx, operator, normal.ID)
	assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)

	res = h.svc.SetRoleResourceGrants(ctx, operator, h.role(t, "superuser").ID, ResourceGrantsRequest{OperationIDs: []string{"op1"}})
	assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)

	_, err := h.repos.Roles.GetByName(ctx, "normal")
	assert.NoError(t, err)
	assert.Empty(t, h.enqueuer.commands())
}

func TestDeleteRole(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob, carol := h.createUser(t, "bob"), h.createUser(t, "carol")
	r := h.createRole(t, "R")

	require.True(t, h.svc.SetRoleUsers(ctx, operator, r.ID, []string{bob.ID, carol.ID}).Result)
	require.True(t, h.svc.SetRoleResourceGrants(ctx, operator, r.ID, ResourceGrantsRequest{OperationIDs: []string{"op1", "op2"}}).Result)
	h.enqueuer.reset()

	res := h.svc.DeleteRole(ctx, operator, r.ID)
	require.True(t, res.Result, res.Message)

	_, err := h.repos.Roles.GetByID(ctx, r.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	grants, err := h.repos.Grants.ListByRole(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, grants[models.GrantKindOperation])
	members, err := h.repos.Memberships.UsersOfRole(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.Equal(t, []policysync.Command{
		policysync.RemoveGroupingRules{Rules: []policysync.GroupingRule{
			{Subject: "bob", Object: "R"},
			{Subject: "carol", Object: "R"},
		}},
		policysync.RemovePermissionRulesForSubject{Role: "R"},
	}, h.enqueuer.commands())

	perms, err := h.repos.Rules.Permissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestUpdateRoleRename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := h.createUser(t, "bob")
	r := h.createRole(t, "dev")
	require.True(t, h.svc.SetRoleUsers(ctx, operator, r.ID, []string{bob.ID}).Result)
	require.True(t, h.svc.SetRoleResourceGrants(ctx, operator, r.ID, ResourceGrantsRequest{OperationIDs: []string{"deploy"}}).Result)
	h.enqueuer.reset()

	res := h.svc.UpdateRole(ctx, operator, r.ID, RoleRequest{Name: "developers", Description: "devs"})
	require.True(t, res.Result, res.Message)

	assert.Equal(t, []policysync.Command{
		policysync.RemoveGroupingRulesMatching{Expr: `object == "dev"`},
		policysync.AddGroupingRules{Rules: []policysync.GroupingRule{{Subject: "bob", Object: "developers"}}},
		policysync.ReplacePermissionRules{Role: "developers", Rules: []policysync.PermissionRule{{Role: "developers", Operation: "deploy"}}},
		policysync.RemovePermissionRulesForSubject{Role: "dev"},
	}, h.enqueuer.commands())

	grouping, err := h.repos.Rules.Grouping(ctx)
	require.NoError(t, err)
	assert.Contains(t, grouping, policysync.GroupingRule{Subject: "bob", Object: "developers"})
	assert.NotContains(t, grouping, policysync.GroupingRule{Subject: "bob", Object: "dev"})

	t.Run("description only issues nothing", func(t *testing.T) {
		h.enqueuer.reset()
		res := h.svc.UpdateRole(ctx, operator, r.ID, RoleRequest{Name: "developers", Description: "changed"})
		require.True(t, res.Result, res.Message)
		assert.Empty(t, h.enqueuer.commands())
	})
}

func TestSetRoleResourceGrants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.createRole(t, "ops")
	h.enqueuer.reset()

	res := h.svc.SetRoleResourceGrants(ctx, operator, r.ID, ResourceGrantsRequest{
		MenuIDs:        []string{"m1"},
		OperationIDs:   []string{"op1", "op2", "op1"},
		ApplicationIDs: []string{"app"},
	})
	require.True(t, res.Result, res.Message)

	assert.Equal(t, []policysync.Command{
		policysync.ReplacePermissionRules{Role: "ops", Rules: policysync.Permissions("ops", "op1", "op2")},
	}, h.enqueuer.commands())

	res = h.svc.GetRoleResources(ctx, r.ID)
	require.True(t, res.Result, res.Message)
	resources := res.Data.(RoleResources)
	assert.Equal(t, []string{"m1"}, resources.MenuIDs)
	assert.ElementsMatch(t, []string{"op1", "op2"}, resources.OperationIDs)
	assert.Equal(t, []string{"app"}, resources.ApplicationIDs)

	res = h.svc.SetRoleResourceGrants(ctx, operator, r.ID, ResourceGrantsRequest{OperationIDs: []string{"op3"}})
	require.True(t, res.Result, res.Message)
	perms, err := h.repos.Rules.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []policysync.PermissionRule{{Role: "ops", Operation: "op3"}}, perms)
}

func TestSetRoleUsersSuperuserGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := h.createUser(t, "bob")
	admin := h.admin(t)
	superuser := h.role(t, "superuser")
	dev := h.createRole(t, "dev")
	h.enqueuer.reset()

	res := h.svc.SetRoleUsers(ctx, operator, superuser.ID, []string{bob.ID})
	assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)

	res = h.svc.SetRoleUsers(ctx, operator, dev.ID, []string{admin.ID, bob.ID})
	assert.ErrorIs(t, res.Err(), errs.ErrAuthorizationInvariant)

	res = h.svc.SetRoleUsers(ctx, operator, dev.ID, []string{"missing"})
	assert.ErrorIs(t, res.Err(), errs.ErrValidation)
	assert.Empty(t, h.enqueuer.commands())

	res = h.svc.SetRoleUsers(ctx, operator, superuser.ID, []string{admin.ID, bob.ID})
	require.True(t, res.Result, res.Message)
	assert.True(t, h.provider.Elevated("bob"))
	assert.Equal(t, []policysync.Command{
		policysync.AddGroupingRules{Rules: []policysync.GroupingRule{{Subject: "bob", Object: "superuser"}}},
	}, h.enqueuer.commands())

	h.enqueuer.reset()
	res = h.svc.SetRoleUsers(ctx, operator, superuser.ID, []string{admin.ID})
	require.True(t, res.Result, res.Message)
	assert.False(t, h.provider.Elevated("bob"))
	assert.Equal(t, []policysync.Command{
		policysync.RemoveGroupingRules{Rules: []policysync.GroupingRule{{Subject: "bob", Object: "superuser"}}},
	}, h.enqueuer.commands())
}

func TestSetRoleUsersRevertsElevationsOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob, carol := h.createUser(t, "bob"), h.createUser(t, "carol")
	admin := h.admin(t)
	superuser := h.role(t, "superuser")
	h.enqueuer.reset()

	h.provider.FailOnFor("Elevate", "carol", errors.New("timeout"))

	res := h.svc.SetRoleUsers(ctx, operator, superuser.ID, []string{admin.ID, bob.ID, carol.ID})
	require.False(t, res.Result)
	assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)

	assert.False(t, h.provider.Elevated("bob"), "bob must be demoted again")
	assert.False(t, h.provider.Elevated("carol"))
	assert.Equal(t, 2, h.provider.CallCount("Elevate"))
	assert.Equal(t, 1, h.provider.CallCount("Demote"))

	members, err := h.repos.Memberships.UsersOfRole(ctx, superuser.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, usernamesOf(members))
	assert.Empty(t, h.enqueuer.commands())
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := h.createUser(t, "bob")
	h.createUser(t, "carol")

	res := h.svc.ListUsers(ctx, 1, 2, "")
	require.True(t, res.Result, res.Message)
	page := res.Data.(UserPage)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	res = h.svc.ListUsers(ctx, 1, 10, "bo")
	require.True(t, res.Result, res.Message)
	page = res.Data.(UserPage)
	require.Len(t, page.Items, 1)
	assert.Equal(t, []string{"normal"}, page.Items[0].Roles)

	res = h.svc.GetUser(ctx, bob.ID)
	require.True(t, res.Result, res.Message)
	assert.Equal(t, "bob", res.Data.(UserView).Username)

	res = h.svc.FindUser(ctx, "nobody")
	require.True(t, res.Result)
	assert.Nil(t, res.Data)

	res = h.svc.ListRoles(ctx)
	require.True(t, res.Result, res.Message)
	assert.Len(t, res.Data.([]RoleView), 2)

	res = h.svc.GetRole(ctx, h.role(t, "normal").ID)
	require.True(t, res.Result, res.Message)
	assert.Len(t, res.Data.(RoleView).UserIDs, 2)

	res = h.svc.GetRole(ctx, "missing")
	assert.ErrorIs(t, res.Err(), errs.ErrNotFound)

	res = h.svc.ListOperationLogs(ctx, repository.OperationLogFilter{Action: models.ActionAdd})
	require.True(t, res.Result, res.Message)
	logs := res.Data.(OperationLogPage)
	assert.Equal(t, 2, logs.Total)
	assert.Equal(t, "operator", logs.Items[0].Operator)
	assert.Equal(t, "10.0.0.1", logs.Items[0].OriginIP)
}

func TestCheckPermission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gateway.Seed(policysync.Grouping("bob", "ops"), policysync.Permissions("ops", "deploy"))

	res := h.svc.CheckPermission(ctx, "bob", "deploy")
	require.True(t, res.Result, res.Message)
	assert.True(t, res.Data.(PermissionCheck).Allowed)

	res = h.svc.CheckPermission(ctx, "bob", "destroy")
	require.True(t, res.Result, res.Message)
	assert.False(t, res.Data.(PermissionCheck).Allowed)

	res = h.svc.CheckPermission(ctx, "", "deploy")
	assert.ErrorIs(t, res.Err(), errs.ErrValidation)
}

func TestIdPAdministration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res := h.svc.CreateClientRole(ctx, operator, "auditors", "read only")
	require.True(t, res.Result, res.Message)
	role := res.Data.(*idp.ClientRole)

	res = h.svc.ListClientRoles(ctx)
	require.True(t, res.Result, res.Message)
	assert.Len(t, res.Data.([]idp.ClientRole), 1)

	res = h.svc.DeleteClientRole(ctx, operator, role.ID)
	require.True(t, res.Result, res.Message)
	assert.Equal(t, 1, h.auditCount(t, models.ActionDelete))

	res = h.svc.ListIdPUsers(ctx, 1, 10, "")
	require.True(t, res.Result, res.Message)
	assert.Equal(t, 1, res.Data.(IdPUserPage).Total)

	h.provider.SeedPermissions([]idp.Permission{{ID: "p1", Name: "view"}}, "token", "view")
	res = h.svc.EvaluatePermissions(ctx, "token", []string{"view"})
	require.True(t, res.Result, res.Message)

	res = h.svc.EvaluatePermissions(ctx, "", nil)
	assert.ErrorIs(t, res.Err(), errs.ErrValidation)

	h.provider.FailOn("ListClientRoles", &idp.RemoteError{Status: 500})
	res = h.svc.ListClientRoles(ctx)
	assert.ErrorIs(t, res.Err(), errs.ErrExternalDependency)
}

func TestPanicBecomesPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	svc := h.svc.(*iamService)

	res := svc.execute(context.Background(), "Boom", func(context.Context) (any, string, error) {
		panic("boom")
	})
	assert.False(t, res.Result)
	assert.ErrorIs(t, res.Err(), errs.ErrPersistence)
	assert.Equal(t, logrus.ErrorLevel, h.logs.LastEntry().Level)
}
