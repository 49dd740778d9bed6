package iam

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/diff"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/idp"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

func (s *iamService) CreateUser(ctx context.Context, actor Actor, req CreateUserRequest) Result {
	return s.execute(ctx, "CreateUser", func(ctx context.Context) (any, string, error) {
		if err := req.Validate(); err != nil {
			return nil, "", err
		}
		if s.isAdmin(req.Username) {
			return nil, "", errs.Invariant("username %q is reserved", req.Username)
		}

		var externalID string
		data, err := s.mutate(ctx, "CreateUser", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)

			existing, err := r.Users.FindByUsername(ctx, req.Username)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return nil, errs.Validation("user %q already exists", req.Username)
			}

			role, err := r.Roles.GetByName(ctx, s.principals.DefaultRole)
			if err != nil {
				return nil, errs.Persistence(err, "default role %q unavailable", s.principals.DefaultRole)
			}

			password, temporary := req.Password, false
			if password == "" {
				if password, err = idp.GeneratePassword(s.idpSettings.PasswordLength); err != nil {
					return nil, err
				}
				temporary = true
			}

			externalID, err = s.provider.CreateUser(ctx, idp.UserProfile{
				Username:    req.Username,
				DisplayName: req.DisplayName,
				Email:       req.Email,
				Phone:       req.Phone,
				Enabled:     true,
				Password:    password,
				Temporary:   temporary,
			})
			if err != nil {
				return nil, external(err, "create identity for %q", req.Username)
			}
			if s.idpSettings.DefaultClientRole != "" {
				if err := s.provider.AssignClientRole(ctx, externalID, s.idpSettings.DefaultClientRole); err != nil {
					return nil, external(err, "assign default client role to %q", req.Username)
				}
			}

			user := &models.User{
				Username:    req.Username,
				DisplayName: req.DisplayName,
				Email:       req.Email,
				Phone:       req.Phone,
				Status:      models.UserStatusEnabled,
				ExternalID:  &externalID,
			}
			if err := r.Users.Create(ctx, user); err != nil {
				return nil, err
			}
			if err := r.Memberships.Add(ctx, user.ID, role.ID); err != nil {
				return nil, err
			}
			grouping := policysync.Grouping(user.Username, role.Name)
			if err := r.Rules.AddGrouping(ctx, grouping); err != nil {
				return nil, err
			}

			s.record(ctx, sc, actor, models.ActionAdd, models.ObjectTypeUser, user.Username,
				fmt.Sprintf("create user [%s]", user.Username))
			sc.Defer(policysync.AddGroupingRules{Rules: grouping})

			view := toUserView(user, []models.Role{*role})
			if temporary {
				view.TemporaryPassword = password
			}
			return view, nil
		})
		if err != nil {
			if externalID != "" {
				s.compensateIdentity(ctx, req.Username, externalID)
			}
			return nil, "", err
		}
		return data, "user created", nil
	}, attribute.String(telemetry.AttrUsername, req.Username), attribute.String(telemetry.AttrOperator, actor.Operator))
}

// compensateIdentity deletes an identity whose local user was never committed.
func (s *iamService) compensateIdentity(ctx context.Context, username, externalID string) {
	ctx = context.WithoutCancel(ctx)
	span := trace.SpanFromContext(ctx)
	log := s.logger.WithFields(logrus.Fields{"op": "CreateUser", "user": username})
	if err := s.provider.DeleteUser(ctx, externalID); err != nil {
		log.WithError(err).Error("failed to delete identity after aborted user creation")
		return
	}
	telemetry.AddEvent(span, "idp.compensated", attribute.String(telemetry.AttrUsername, username))
	log.Warn("deleted identity after aborted user creation")
}

// centerChange is a superuser elevation or demotion already applied at the
// permission center.
type centerChange struct {
	username string
	elevated bool
}

// changeSuperuser elevates or demotes username and records the change in applied.
func (s *iamService) changeSuperuser(ctx context.Context, applied *[]centerChange, username string, elevate bool) error {
	if elevate {
		if err := s.center.Elevate(ctx, username); err != nil {
			return external(err, "elevate %q", username)
		}
	} else {
		if err := s.center.Demote(ctx, username); err != nil {
			return external(err, "demote %q", username)
		}
	}
	*applied = append(*applied, centerChange{username: username, elevated: elevate})
	return nil
}

// revertSuperuser undoes applied in reverse order after the mutation that
// made them was rolled back. Failures are logged and the rest still run.
func (s *iamService) revertSuperuser(ctx context.Context, op string, applied []centerChange) {
	ctx = context.WithoutCancel(ctx)
	span := trace.SpanFromContext(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		c := applied[i]
		log := s.logger.WithFields(logrus.Fields{"op": op, "user": c.username, "elevated": c.elevated})
		var err error
		if c.elevated {
			err = s.center.Demote(ctx, c.username)
		} else {
			err = s.center.Elevate(ctx, c.username)
		}
		if err != nil {
			log.WithError(err).Error("failed to revert superuser change after aborted operation")
			continue
		}
		telemetry.AddEvent(span, "idp.compensated", attribute.String(telemetry.AttrUsername, c.username))
		log.Warn("reverted superuser change after aborted operation")
	}
}

func (s *iamService) UpdateUser(ctx context.Context, actor Actor, id string, req UpdateUserRequest) Result {
	return s.execute(ctx, "UpdateUser", func(ctx context.Context) (any, string, error) {
		if err := req.Validate(); err != nil {
			return nil, "", err
		}
		data, err := s.mutate(ctx, "UpdateUser", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			user, err := r.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			user.DisplayName, user.Email, user.Phone = req.DisplayName, req.Email, req.Phone
			if err := r.Users.Update(ctx, user); err != nil {
				return nil, err
			}

			if user.ExternalID != nil && *user.ExternalID != "" {
				patch := idp.UserPatch{DisplayName: &req.DisplayName, Email: &req.Email, Phone: &req.Phone}
				if err := s.provider.UpdateUser(ctx, *user.ExternalID, patch); err != nil {
					return nil, external(err, "update identity of %q", user.Username)
				}
			}

			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeUser, user.Username,
				fmt.Sprintf("update user [%s]", user.Username))

			roles, err := r.Memberships.RolesOfUser(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			return toUserView(user, roles), nil
		})
		if err != nil {
			return nil, "", err
		}
		return data, "user updated", nil
	}, attribute.String(telemetry.AttrUserID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) ResetPassword(ctx context.Context, actor Actor, id, password string) Result {
	return s.execute(ctx, "ResetPassword", func(ctx context.Context) (any, string, error) {
		if err := validatePassword(password); err != nil {
			return nil, "", err
		}
		_, err := s.mutate(ctx, "ResetPassword", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			user, err := r.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.isAdmin(user.Username) {
				return nil, errs.Invariant("the password of %q cannot be reset", user.Username)
			}

			identity, err := s.identityOf(ctx, user)
			if err != nil {
				return nil, err
			}
			if err := s.provider.ResetPassword(ctx, identity, password); err != nil {
				return nil, external(err, "reset password of %q", user.Username)
			}

			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeUser, user.Username,
				fmt.Sprintf("reset password of user [%s]", user.Username))
			return nil, nil
		})
		if err != nil {
			return nil, "", err
		}
		return nil, "password reset", nil
	}, attribute.String(telemetry.AttrUserID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

// identityOf resolves the identity-provider id of user, by reference first
// and by exact username otherwise. A missing identity is an external failure.
func (s *iamService) identityOf(ctx context.Context, user *models.User) (string, error) {
	if user.ExternalID != nil && *user.ExternalID != "" {
		return *user.ExternalID, nil
	}
	found, err := s.provider.FindUserByExactName(ctx, user.Username)
	if err != nil {
		return "", external(err, "look up identity of %q", user.Username)
	}
	if found == nil {
		return "", external(idp.ErrUserNotFound, "identity of %q not found", user.Username)
	}
	return found.ID, nil
}

func (s *iamService) DeleteUser(ctx context.Context, actor Actor, id string) Result {
	return s.execute(ctx, "DeleteUser", func(ctx context.Context) (any, string, error) {
		_, err := s.mutate(ctx, "DeleteUser", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			user, err := r.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.isAdmin(user.Username) {
				return nil, errs.Invariant("user %q cannot be deleted", user.Username)
			}

			roles, err := r.Memberships.RolesOfUser(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			captured := policysync.Grouping(user.Username, roleNames(roles)...)

			found, err := s.provider.FindUserByExactName(ctx, user.Username)
			if err != nil {
				return nil, external(err, "look up identity of %q", user.Username)
			}
			if found == nil {
				return nil, external(idp.ErrUserNotFound, "identity of %q not found", user.Username)
			}
			if err := s.provider.DeleteUser(ctx, found.ID); err != nil {
				return nil, external(err, "delete identity of %q", user.Username)
			}

			if err := r.Users.Delete(ctx, user.ID); err != nil {
				return nil, err
			}
			if err := r.Rules.RemoveGroupingForSubject(ctx, user.Username); err != nil {
				return nil, err
			}

			s.record(ctx, sc, actor, models.ActionDelete, models.ObjectTypeUser, user.Username,
				fmt.Sprintf("delete user [%s]", user.Username))
			if len(captured) > 0 {
				sc.Defer(policysync.RemoveGroupingRules{Rules: captured})
			}
			return nil, nil
		})
		if err != nil {
			return nil, "", err
		}
		return nil, "user deleted", nil
	}, attribute.String(telemetry.AttrUserID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) SetUserRoles(ctx context.Context, actor Actor, id string, roleIDs []string) Result {
	return s.execute(ctx, "SetUserRoles", func(ctx context.Context) (any, string, error) {
		requested, _ := diff.Compute(nil, roleIDs)

		var applied []centerChange
		data, err := s.mutate(ctx, "SetUserRoles", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			user, err := r.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.isAdmin(user.Username) {
				return nil, errs.Invariant("the roles of %q cannot be changed", user.Username)
			}

			wanted, err := r.Roles.GetByIDs(ctx, requested)
			if err != nil {
				return nil, err
			}
			if len(wanted) != len(requested) {
				return nil, errs.Validation("unknown role ids: %s", strings.Join(missingIDs(requested, roleIDsOf(wanted)), ", "))
			}

			current, err := r.Memberships.RolesOfUser(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			toAdd, toRemove := diff.Compute(roleIDsOf(current), requested)

			names := make(map[string]string, len(current)+len(wanted))
			for _, role := range append(current, wanted...) {
				names[role.ID] = role.Name
			}

			for _, roleID := range toAdd {
				if s.isSuperuserRole(names[roleID]) {
					if err := s.changeSuperuser(ctx, &applied, user.Username, true); err != nil {
						return nil, err
					}
				}
			}
			for _, roleID := range toRemove {
				if s.isSuperuserRole(names[roleID]) {
					if err := s.changeSuperuser(ctx, &applied, user.Username, false); err != nil {
						return nil, err
					}
				}
			}

			if err := r.Memberships.Remove(ctx, user.ID, toRemove...); err != nil {
				return nil, err
			}
			if err := r.Memberships.Add(ctx, user.ID, toAdd...); err != nil {
				return nil, err
			}

			removed := policysync.Grouping(user.Username, lookup(names, toRemove)...)
			added := policysync.Grouping(user.Username, lookup(names, toAdd)...)
			if err := r.Rules.RemoveGrouping(ctx, removed); err != nil {
				return nil, err
			}
			if err := r.Rules.AddGrouping(ctx, added); err != nil {
				return nil, err
			}

			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeRole, user.Username,
				fmt.Sprintf("set roles of user [%s]: [%s]", user.Username, strings.Join(roleNames(wanted), ",")))

			if len(removed) > 0 {
				sc.Defer(policysync.RemoveGroupingRules{Rules: removed})
			}
			if len(added) > 0 {
				sc.Defer(policysync.AddGroupingRules{Rules: added})
			}
			return toUserView(user, wanted), nil
		})
		if err != nil {
			s.revertSuperuser(ctx, "SetUserRoles", applied)
			return nil, "", err
		}
		return data, "user roles updated", nil
	}, attribute.String(telemetry.AttrUserID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

func (s *iamService) SetUserStatus(ctx context.Context, actor Actor, id string, status models.UserStatus) Result {
	return s.execute(ctx, "SetUserStatus", func(ctx context.Context) (any, string, error) {
		if err := validateStatus(status); err != nil {
			return nil, "", err
		}
		var notified string
		var previous models.UserStatus
		data, err := s.mutate(ctx, "SetUserStatus", func(ctx context.Context, sc *coordinator.Scope) (any, error) {
			r := repos(sc)
			user, err := r.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if s.isAdmin(user.Username) {
				return nil, errs.Invariant("the status of %q cannot be changed", user.Username)
			}

			previous = user.Status
			if err := r.Users.SetStatus(ctx, user.ID, status); err != nil {
				return nil, err
			}
			user.Status = status

			s.record(ctx, sc, actor, models.ActionModify, models.ObjectTypeUser, user.Username,
				fmt.Sprintf("set status of user [%s] to [%s]", user.Username, status))

			roles, err := r.Memberships.RolesOfUser(ctx, user.ID)
			if err != nil {
				return nil, err
			}

			// A failed notification rolls the status change back.
			if err := s.notifier.NotifyStatus(ctx, user.Username, user.Enabled()); err != nil {
				return nil, external(err, "notify status of %q", user.Username)
			}
			notified = user.Username
			return toUserView(user, roles), nil
		})
		if err != nil {
			if notified != "" && previous != status {
				s.revertStatus(ctx, notified, previous)
			}
			return nil, "", err
		}
		return data, "user status updated", nil
	}, attribute.String(telemetry.AttrUserID, id), attribute.String(telemetry.AttrOperator, actor.Operator))
}

// revertStatus restores the previous status of username at the identity
// provider when a status change was notified but not committed.
func (s *iamService) revertStatus(ctx context.Context, username string, previous models.UserStatus) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{"op": "SetUserStatus", "user": username})
	if err := s.notifier.NotifyStatus(ctx, username, previous == models.UserStatusEnabled); err != nil {
		log.WithError(err).Error("failed to revert status notification after aborted operation")
		return
	}
	log.Warn("reverted status notification after aborted operation")
}

// ========================================
// helpers
// ========================================

func roleNames(roles []models.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Name)
	}
	return out
}

func roleIDsOf(roles []models.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.ID)
	}
	return out
}

func userIDsOf(users []models.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func lookup(m map[string]string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// missingIDs returns the requested ids that were not found.
func missingIDs(requested, found []string) []string {
	missing, _ := diff.Compute(found, requested)
	return missing
}
