package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/idp"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

// Operation log object types of identity-provider objects.
const (
	ObjectTypeClientRole = "client_role"
	ObjectTypePermission = "permission"
)

// PermissionRoleToggle reports the outcome of TogglePermissionRole.
type PermissionRoleToggle struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
	Attached     bool   `json:"attached"`
}

// IdPUserPage is one page of identity-provider users.
type IdPUserPage struct {
	Total int        `json:"total"`
	Items []idp.User `json:"items"`
}

func (s *iamService) ListIdPUsers(ctx context.Context, page, pageSize int, search string) Result {
	return s.execute(ctx, "ListIdPUsers", func(ctx context.Context) (any, string, error) {
		p := pageOf(page, pageSize)
		total, users, err := s.provider.ListUsers(ctx, p.Offset/p.Limit+1, p.Limit, search)
		if err != nil {
			return nil, "", external(err, "list identity provider users")
		}
		if users == nil {
			users = []idp.User{}
		}
		return IdPUserPage{Total: total, Items: users}, "ok", nil
	})
}

func (s *iamService) ListClientRoles(ctx context.Context) Result {
	return s.execute(ctx, "ListClientRoles", func(ctx context.Context) (any, string, error) {
		roles, err := s.provider.ListClientRoles(ctx)
		if err != nil {
			return nil, "", external(err, "list client roles")
		}
		return roles, "ok", nil
	})
}

func (s *iamService) ListClientRoleMembers(ctx context.Context, roleID string, page, pageSize int) Result {
	return s.execute(ctx, "ListClientRoleMembers", func(ctx context.Context) (any, string, error) {
		if strings.TrimSpace(roleID) == "" {
			return nil, "", errs.Validation("role id is required")
		}
		p := pageOf(page, pageSize)
		users, err := s.provider.ListClientRoleMembers(ctx, roleID, p.Offset/p.Limit+1, p.Limit)
		if err != nil {
			return nil, "", remoteLookup(err, "list members of client role %s", roleID)
		}
		if users == nil {
			users = []idp.User{}
		}
		return users, "ok", nil
	}, attribute.String(telemetry.AttrRoleID, roleID))
}

func (s *iamService) CreateClientRole(ctx context.Context, actor Actor, name, description string) Result {
	return s.execute(ctx, "CreateClientRole", func(ctx context.Context) (any, string, error) {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, "", errs.Validation("name is required")
		}
		if name == s.idpSettings.ReservedClientRole {
			return nil, "", errs.Invariant("client role %q is reserved", name)
		}
		data, err := s.mutate(ctx, "CreateClientRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			role, err := s.provider.CreateClientRoleWithPolicy(ctx, name, description)
			if err != nil {
				return nil, external(err, "create client role %q", name)
			}
			s.record(ctx, sc, actor, models.ActionAdd, ObjectTypeClientRole, name,
				fmt.Sprintf("create client role [%s]", name))
			return role, nil
		})
		if err != nil {
			return nil, "", err
		}
		return data, "client role created", nil
	}, attribute.String(telemetry.AttrRoleName, name), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) DeleteClientRole(ctx context.Context, actor Actor, id string) Result {
	return s.execute(ctx, "DeleteClientRole", func(ctx context.Context) (any, string, error) {
		if strings.TrimSpace(id) == "" {
			return nil, "", errs.Validation("id is required")
		}
		_, err := s.mutate(ctx, "DeleteClientRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			if err := s.provider.DeleteClientRole(ctx, id); err != nil {
				return nil, external(err, "delete client role %s", id)
			}
			s.record(ctx, sc, actor, models.ActionDelete, ObjectTypeClientRole, id,
				fmt.Sprintf("delete client role [%s]", id))
			return nil, nil
		})
		if err != nil {
			return nil, "", err
		}
		return nil, "client role deleted", nil
	}, attribute.String(telemetry.AttrRoleID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) ListPermissions(ctx context.Context) Result {
	return s.execute(ctx, "ListPermissions", func(ctx context.Context) (any, string, error) {
		perms, err := s.provider.ListPermissions(ctx)
		if err != nil {
			return nil, "", external(err, "list permissions")
		}
		return perms, "ok", nil
	})
}

func (s *iamService) EvaluatePermissions(ctx context.Context, token string, names []string) Result {
	return s.execute(ctx, "EvaluatePermissions", func(ctx context.Context) (any, string, error) {
		if strings.TrimSpace(token) == "" {
			return nil, "", errs.Validation("token is required")
		}
		decisions, err := s.provider.EvaluatePermissions(ctx, token, names)
		if err != nil {
			return nil, "", external(err, "evaluate permissions")
		}
		return decisions, "ok", nil
	})
}

func (s *iamService) TogglePermissionRole(ctx context.Context, actor Actor, roleID, permissionID string) Result {
	return s.execute(ctx, "TogglePermissionRole", func(ctx context.Context) (any, string, error) {
		if strings.TrimSpace(roleID) == "" || strings.TrimSpace(permissionID) == "" {
			return nil, "", errs.Validation("role id and permission id are required")
		}
		data, err := s.mutate(ctx, "TogglePermissionRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			attached, err := s.provider.TogglePermissionRole(ctx, roleID, permissionID)
			if err != nil {
				return nil, remoteLookup(err, "change role %s on permission %s", roleID, permissionID)
			}
			verb := "detach"
			if attached {
				verb = "attach"
			}
			s.record(ctx, sc, actor, models.ActionModify, ObjectTypePermission, permissionID,
				fmt.Sprintf("%s client role [%s] on permission [%s]", verb, roleID, permissionID))
			return PermissionRoleToggle{RoleID: roleID, PermissionID: permissionID, Attached: attached}, nil
		})
		if err != nil {
			return nil, "", err
		}
		return data, "permission updated", nil
	}, attribute.String(telemetry.AttrRoleID, roleID), attribute.String(telemetry.AttrOperator, actor.Operator))
}

// remoteLookup reports identity-provider objects that do not exist as not
// found and every other failure as external.
func remoteLookup(err error, format string, args ...any) error {
	if errors.Is(err, idp.ErrRoleNotFound) || errors.Is(err, idp.ErrPermissionNotFound) || errors.Is(err, idp.ErrPolicyNotFound) {
		return errs.NotFound("%s", err.Error())
	}
	return external(err, format, args...)
}
