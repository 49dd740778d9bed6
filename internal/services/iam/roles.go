package iam

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/diff"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

func (s *iamService) CreateRole(ctx context.Context, actor Actor, req RoleRequest) Result {
	return s.execute(ctx, "CreateRole", func(ctx context.Context) (any, string, error) {
		if err := req.Validate(); err != nil {
			return nil, "", err
		}
		data, err := s.mutate(ctx, "CreateRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			role := &models.Role{Name: strings.TrimSpace(req.Name), Description: req.Description}
			if err := r.Roles.Create(ctx, role); err != nil {
				return nil, err
			}
			s.record(ctx, sc, actor, models.ActionAdd, models.ObjectTypeRole, role.Name,
				fmt.Sprintf("create role [%s]", role.Name))
			return toRoleView(role, nil), nil
		})
		if err != nil {
			return nil, "", err
		}
		return data, "role created", nil
	}, attribute.String(telemetry.AttrRoleName, req.Name), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) UpdateRole(ctx context.Context, actor Actor, id string, req RoleRequest) Result {
	return s.execute(ctx, "UpdateRole", func(ctx context.Context) (any, string, error) {
		if err := req.Validate(); err != nil {
			return nil, "", err
		}
		data, err := s.mutate(ctx, "UpdateRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			role, err := r.Roles.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if role.BuiltIn {
				return nil, errs.Invariant("built-in role %q cannot be modified", role.Name)
			}

			oldName, newName := role.Name, strings.TrimSpace(req.Name)
			role.Name, role.Description = newName, req.Description
			if err := r.Roles.Update(ctx, role); err != nil {
				return nil, err
			}
			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeRole, newName,
				fmt.Sprintf("update role [%s]", newName))

			if oldName == newName {
				return toRoleView(role, nil), nil
			}

			members, err := r.Memberships.UsersOfRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			grants, err := r.Grants.ListByRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			if err := r.Rules.RenameObject(ctx, oldName, newName); err != nil {
				return nil, err
			}
			if err := r.Rules.RenameSubject(ctx, oldName, newName); err != nil {
				return nil, err
			}

			sc.Defer(
				policysync.RemoveGroupingRulesMatching{Expr: policysync.ObjectIs(oldName)},
				policysync.AddGroupingRules{Rules: policysync.Members(newName, usernamesOf(members)...)},
				policysync.ReplacePermissionRules{
					Role:  newName,
					Rules: policysync.Permissions(newName, grants[models.GrantKindOperation]...),
				},
				policysync.RemovePermissionRulesForSubject{Role: oldName},
			)
			return toRoleView(role, members), nil
		})
		if err != nil {
			return nil, "", err
		}
		return data, "role updated", nil
	}, attribute.String(telemetry.AttrRoleID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) DeleteRole(ctx context.Context, actor Actor, id string) Result {
	return s.execute(ctx, "DeleteRole", func(ctx context.Context) (any, string, error) {
		_, err := s.mutate(ctx, "DeleteRole", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			role, err := r.Roles.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if role.BuiltIn {
				return nil, errs.Invariant("built-in role %q cannot be deleted", role.Name)
			}

			members, err := r.Memberships.UsersOfRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			captured := policysync.Members(role.Name, usernamesOf(members)...)

			if err := r.Roles.Delete(ctx, role.ID); err != nil {
				return nil, err
			}
			if err := r.Rules.RemoveGroupingForObject(ctx, role.Name); err != nil {
				return nil, err
			}
			if err := r.Rules.RemovePermissionsForSubject(ctx, role.Name); err != nil {
				return nil, err
			}
			s.record(ctx, sc, actor, models.ActionDelete, models.ObjectTypeRole, role.Name,
				fmt.Sprintf("delete role [%s]", role.Name))

			if len(captured) > 0 {
				sc.Defer(policysync.RemoveGroupingRules{Rules: captured})
			}
			sc.Defer(policysync.RemovePermissionRulesForSubject{Role: role.Name})
			return nil, nil
		})
		if err != nil {
			return nil, "", err
		}
		return nil, "role deleted", nil
	}, attribute.String(telemetry.AttrRoleID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) SetRoleResourceGrants(ctx context.Context, actor Actor, id string, req ResourceGrantsRequest) Result {
	return s.execute(ctx, "SetRoleResourceGrants", func(ctx context.Context) (any, string, error) {
		if err := req.Validate(); err != nil {
			return nil, "", err
		}
		data, err := s.mutate(ctx, "SetRoleResourceGrants", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			role, err := r.Roles.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.isSuperuserRole(role.Name) {
				return nil, errs.Invariant("grants of %q cannot be changed", role.Name)
			}

			wanted := req.byKind()
			for _, kind := range models.GrantKinds {
				if err := r.Grants.Replace(ctx, role.ID, kind, wanted[kind]); err != nil {
					return nil, err
				}
			}
			operations, _ := diff.Compute(nil, req.OperationIDs)
			if err := r.Rules.ReplacePermissions(ctx, role.Name, operations); err != nil {
				return nil, err
			}
			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeRole, role.Name,
				fmt.Sprintf("set resources of role [%s]", role.Name))

			sc.Defer(policysync.ReplacePermissionRules{
				Role:  role.Name,
				Rules: policysync.Permissions(role.Name, operations...),
			})
			return resourcesOf(r.Grants.ListByRole(ctx, role.ID))
		})
		if err != nil {
			return nil, "", err
		}
		return data, "role resources updated", nil
	}, attribute.String(telemetry.AttrRoleID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) GetRoleResources(ctx context.Context, id string) Result {
	return s.execute(ctx, "GetRoleResources", func(ctx context.Context) (any, string, error) {
		r := s.readRepos()
		if _, err := r.Roles.GetByID(ctx, id); err != nil {
			return nil, "", err
		}
		data, err := resourcesOf(r.Grants.ListByRole(ctx, id))
		if err != nil {
			return nil, "", err
		}
		return data, "ok", nil
	}, attribute.String(telemetry.AttrRoleID, id))
}

func (s *iamService) SetRoleUsers(ctx context.Context, actor Actor, id string, userIDs []string) Result {
	return s.execute(ctx, "SetRoleUsers", func(ctx context.Context) (any, string, error) {
		requested, _ := diff.Compute(nil, userIDs)

		var applied []centerChange
		data, err := s.mutate(ctx, "SetRoleUsers", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			role, err := r.Roles.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}

			wanted, err := r.Users.GetByIDs(ctx, requested)
			if err != nil {
				return nil, err
			}
			if len(wanted) != len(requested) {
				return nil, errs.Validation("unknown user ids: %s", strings.Join(missingIDs(requested, userIDsOf(wanted)), ", "))
			}

			superuser := s.isSuperuserRole(role.Name)
			adminListed := false
			for _, u := range wanted {
				if s.isAdmin(u.Username) {
					adminListed = true
				}
			}
			switch {
			case superuser && !adminListed:
				return nil, errs.Invariant("%q must remain in role %q", s.principals.AdminUsername, role.Name)
			case !superuser && adminListed:
				return nil, errs.Invariant("%q cannot join role %q", s.principals.AdminUsername, role.Name)
			}

			current, err := r.Memberships.UsersOfRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			toAdd, toRemove := diff.Compute(userIDsOf(current), requested)

			names := make(map[string]string, len(current)+len(wanted))
			for _, u := range append(current, wanted...) {
				names[u.ID] = u.Username
			}

			if superuser {
				for _, username := range lookup(names, toAdd) {
					if err := s.changeSuperuser(ctx, &applied, username, true); err != nil {
						return nil, err
					}
				}
				for _, username := range lookup(names, toRemove) {
					if err := s.changeSuperuser(ctx, &applied, username, false); err != nil {
						return nil, err
					}
				}
			}

			if err := r.Memberships.RemoveUsers(ctx, role.ID, toRemove...); err != nil {
				return nil, err
			}
			if err := r.Memberships.AddUsers(ctx, role.ID, toAdd...); err != nil {
				return nil, err
			}

			removed := policysync.Members(role.Name, lookup(names, toRemove)...)
			added := policysync.Members(role.Name, lookup(names, toAdd)...)
			if err := r.Rules.RemoveGrouping(ctx, removed); err != nil {
				return nil, err
			}
			if err := r.Rules.AddGrouping(ctx, added); err != nil {
				return nil, err
			}

			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeRole, role.Name,
				fmt.Sprintf("set users of role [%s]: [%s]", role.Name, strings.Join(usernamesOf(wanted), ",")))

			if len(removed) > 0 {
				sc.Defer(policysync.RemoveGroupingRules{Rules: removed})
			}
			if len(added) > 0 {
				sc.Defer(policysync.AddGroupingRules{Rules: added})
			}
			return toRoleView(role, wanted), nil
		})
		if err != nil {
			s.revertSuperuser(ctx, "SetRoleUsers", applied)
			return nil, "", err
		}
		return data, "role users updated", nil
	}, attribute.String(telemetry.AttrRoleID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func resourcesOf(grants map[models.GrantKind][]string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return RoleResources{
		MenuIDs:        grants[models.GrantKindMenu],
		OperationIDs:   grants[models.GrantKindOperation],
		ApplicationIDs: grants[models.GrantKindApplication],
	}, nil
}

func usernamesOf(users []models.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
