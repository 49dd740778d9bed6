package iam

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/repository"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// pageOf converts a 1-based page number into an offset window.
func pageOf(page, pageSize int) repository.Page {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return repository.Page{Offset: (page - 1) * pageSize, Limit: pageSize}
}

func (s *iamService) readRepos() *repository.Repositories {
	return repository.New(s.db)
}

func (s *iamService) ListUsers(ctx context.Context, page, pageSize int, search string) Result {
	return s.execute(ctx, "ListUsers", func(ctx context.Context) (any, string, error) {
		r := s.readRepos()
		users, total, err := r.Users.List(ctx, repository.UserFilter{Search: search, Page: pageOf(page, pageSize)})
		if err != nil {
			return nil, "", errs.Persistence(err, "list users")
		}
		roles, err := r.Memberships.RolesOfUsers(ctx, userIDsOf(users))
		if err != nil {
			return nil, "", errs.Persistence(err, "list users")
		}

		out := UserPage{Total: total, Items: make([]UserView, 0, len(users))}
		for i := range users {
			out.Items = append(out.Items, toUserView(&users[i], roles[users[i].ID]))
		}
		return out, "ok", nil
	})
}

func (s *iamService) GetUser(ctx context.Context, id string) Result {
	return s.execute(ctx, "GetUser", func(ctx context.Context) (any, string, error) {
		r := s.readRepos()
		user, err := r.Users.GetByID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		roles, err := r.Memberships.RolesOfUser(ctx, user.ID)
		if err != nil {
			return nil, "", err
		}
		return toUserView(user, roles), "ok", nil
	}, attribute.String(telemetry.AttrUserID, id))
}

func (s *iamService) FindUser(ctx context.Context, username string) Result {
	return s.execute(ctx, "FindUser", func(ctx context.Context) (any, string, error) {
		r := s.readRepos()
		user, err := r.Users.FindByUsername(ctx, strings.TrimSpace(username))
		if err != nil {
			return nil, "", err
		}
		if user == nil {
			return nil, "user not found", nil
		}
		roles, err := r.Memberships.RolesOfUser(ctx, user.ID)
		if err != nil {
			return nil, "", err
		}
		return toUserView(user, roles), "ok", nil
	}, attribute.String(telemetry.AttrUsername, username))
}

func (s *iamService) ListRoles(ctx context.Context) Result {
	return s.execute(ctx, "ListRoles", func(ctx context.Context) (any, string, error) {
		roles, _, err := s.readRepos().Roles.List(ctx, "", repository.Page{})
		if err != nil {
			return nil, "", errs.Persistence(err, "list roles")
		}
		out := make([]RoleView, 0, len(roles))
		for i := range roles {
			out = append(out, toRoleView(&roles[i], nil))
		}
		return out, "ok", nil
	})
}

func (s *iamService) GetRole(ctx context.Context, id string) Result {
	return s.execute(ctx, "GetRole", func(ctx context.Context) (any, string, error) {
		r := s.readRepos()
		role, err := r.Roles.GetByID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		members, err := r.Memberships.UsersOfRole(ctx, role.ID)
		if err != nil {
			return nil, "", err
		}
		view := toRoleView(role, members)
		if view.UserIDs == nil {
			view.UserIDs = []string{}
		}
		return view, "ok", nil
	}, attribute.String(telemetry.AttrRoleID, id))
}

func (s *iamService) ListOperationLogs(ctx context.Context, filter repository.OperationLogFilter) Result {
	return s.execute(ctx, "ListOperationLogs", func(ctx context.Context) (any, string, error) {
		switch {
		case filter.Limit <= 0:
			filter.Limit = DefaultPageSize
		case filter.Limit > MaxPageSize:
			filter.Limit = MaxPageSize
		}
		entries, total, err := s.readRepos().Logs.List(ctx, filter)
		if err != nil {
			return nil, "", errs.Persistence(err, "list operation logs")
		}
		return OperationLogPage{Total: total, Items: entries}, "ok", nil
	}, attribute.String(telemetry.AttrOperator, filter.Operator))
}

func (s *iamService) CheckPermission(ctx context.Context, username, operation string) Result {
	return s.execute(ctx, "CheckPermission", func(ctx context.Context) (any, string, error) {
		if strings.TrimSpace(username) == "" || strings.TrimSpace(operation) == "" {
			return nil, "", errs.Validation("username and operation are required")
		}
		allowed, err := s.gateway.Enforce(ctx, username, operation)
		if err != nil {
			return nil, "", errs.External(err, "enforce %s on %s", username, operation)
		}
		return PermissionCheck{Username: username, Operation: operation, Allowed: allowed}, "ok", nil
	}, attribute.String(telemetry.AttrUsername, username), attribute.String(telemetry.AttrPolicyOp, operation))
}
