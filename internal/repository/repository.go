package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/errs"
)

// Repositories bundles every repository bound to one connection or transaction.
type Repositories struct {
	Users       UserRepository
	Roles       RoleRepository
	Memberships MembershipRepository
	Grants      GrantRepository
	Logs        OperationLogRepository
	Rules       PolicyRuleRepository
}

// New binds all repositories to db, which may be a *bun.DB or a bun.Tx.
func New(db bun.IDB) *Repositories {
	return &Repositories{
		Users:       NewBunUserRepository(db),
		Roles:       NewBunRoleRepository(db),
		Memberships: NewBunMembershipRepository(db),
		Grants:      NewBunGrantRepository(db),
		Logs:        NewBunOperationLogRepository(db),
		Rules:       NewBunPolicyRuleRepository(db),
	}
}

// mapError converts driver errors into domain kinds.
func mapError(err error, what string, args ...any) error {
	if err == nil {
		return nil
	}
	subject := fmt.Sprintf(what, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errs.NotFound("%s not found", subject)
	case bunx.IsUniqueViolation(err):
		return errs.Validation("%s already exists", subject)
	}
	return fmt.Errorf("%s: %w", subject, err)
}

func applyPage(q *bun.SelectQuery, p Page) *bun.SelectQuery {
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	return q
}

func requireAffected(result sql.Result, what string, args ...any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return errs.NotFound("%s not found", fmt.Sprintf(what, args...))
	}
	return nil
}
