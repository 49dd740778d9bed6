package iam

import (
	"time"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
)

// Actor identifies who performed a mutation, for the operation log.
type Actor struct {
	Operator string
	OriginIP string
}

// SystemActor is used when no caller identity is available.
var SystemActor = Actor{Operator: "system", OriginIP: "127.0.0.1"}

// Result is the uniform outcome of every operation.
type Result struct {
	Result  bool   `json:"result"`
	Data    any    `json:"data"`
	Message string `json:"message"`

	err error
}

// Err returns the failure cause, nil on success. Its kind is testable
// with errors.Is against the errs sentinels.
func (r Result) Err() error {
	return r.err
}

func success(data any, message string) Result {
	return Result{Result: true, Data: data, Message: message}
}

func failure(err error) Result {
	return Result{Result: false, Message: errs.Message(err), err: err}
}

// UserView is the external representation of a user.
type UserView struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	DisplayName string            `json:"display_name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone"`
	Status      models.UserStatus `json:"status"`
	ExternalID  string            `json:"external_id,omitempty"`
	Roles       []string          `json:"roles"`
	RoleIDs     []string          `json:"role_ids"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	// TemporaryPassword is set only in the response to a create without password.
	TemporaryPassword string `json:"temporary_password,omitempty"`
}

// UserPage is one page of users.
type UserPage struct {
	Total int        `json:"total"`
	Items []UserView `json:"items"`
}

// RoleView is the external representation of a role.
type RoleView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	BuiltIn     bool      `json:"built_in"`
	UserIDs     []string  `json:"user_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleResources lists the granted resource ids of a role by kind.
type RoleResources struct {
	MenuIDs        []string `json:"menu_ids"`
	OperationIDs   []string `json:"operation_ids"`
	ApplicationIDs []string `json:"application_ids"`
}

// OperationLogPage is one page of audit entries.
type OperationLogPage struct {
	Total int                   `json:"total"`
	Items []models.OperationLog `json:"items"`
}

// PermissionCheck is the answer to CheckPermission.
type PermissionCheck struct {
	Username  string `json:"username"`
	Operation string `json:"operation"`
	Allowed   bool   `json:"allowed"`
}

func toUserView(u *models.User, roles []models.Role) UserView {
	v := UserView{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Phone:       u.Phone,
		Status:      u.Status,
		Roles:       make([]string, 0, len(roles)),
		RoleIDs:     make([]string, 0, len(roles)),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
	if u.ExternalID != nil {
		v.ExternalID = *u.ExternalID
	}
	for _, r := range roles {
		v.Roles = append(v.Roles, r.Name)
		v.RoleIDs = append(v.RoleIDs, r.ID)
	}
	return v
}

func toRoleView(r *models.Role, members []models.User) RoleView {
	v := RoleView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		BuiltIn:     r.BuiltIn,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if members != nil {
		v.UserIDs = make([]string, 0, len(members))
		for _, m := range members {
			v.UserIDs = append(v.UserIDs, m.ID)
		}
	}
	return v
}
