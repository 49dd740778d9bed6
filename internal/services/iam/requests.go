package iam

import (
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
)

// MinPasswordLength is the shortest password accepted on reset.
const MinPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

var notBlank = validation.NewStringRuleWithError(
	func(s string) bool { return strings.TrimSpace(s) != "" },
	validation.NewError("validation_not_blank", "must not be blank"),
)

// CreateUserRequest is the input of CreateUser. An empty Password makes the
// identity provider issue a generated temporary one.
type CreateUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
}

func (r *CreateUserRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Username,
			validation.Required.Error("username is required"),
			validation.Length(1, 150),
			validation.Match(usernamePattern).Error("may contain only letters, digits and _ . @ -"),
		),
		validation.Field(&r.DisplayName, validation.Length(0, 150)),
		validation.Field(&r.Email, is.EmailFormat, validation.Length(0, 254)),
		validation.Field(&r.Phone, validation.Length(0, 32)),
		validation.Field(&r.Password, validation.Length(MinPasswordLength, 128)),
	)
	return wrapValidation(err)
}

// UpdateUserRequest replaces the profile fields of a user.
type UpdateUserRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

func (r *UpdateUserRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.DisplayName, validation.Length(0, 150)),
		validation.Field(&r.Email, is.EmailFormat, validation.Length(0, 254)),
		validation.Field(&r.Phone, validation.Length(0, 32)),
	)
	return wrapValidation(err)
}

// RoleRequest is the input of CreateRole and UpdateRole.
type RoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *RoleRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Name,
			validation.Required.Error("name is required"),
			notBlank,
			validation.Length(1, 150),
		),
		validation.Field(&r.Description, validation.Length(0, 500)),
	)
	return wrapValidation(err)
}

// ResourceGrantsRequest fully replaces the grants of a role.
type ResourceGrantsRequest struct {
	MenuIDs        []string `json:"menu_ids"`
	OperationIDs   []string `json:"operation_ids"`
	ApplicationIDs []string `json:"application_ids"`
}

func (r *ResourceGrantsRequest) Validate() error {
	each := validation.Each(validation.Required, validation.Length(1, 255))
	err := validation.ValidateStruct(r,
		validation.Field(&r.MenuIDs, each),
		validation.Field(&r.OperationIDs, each),
		validation.Field(&r.ApplicationIDs, each),
	)
	return wrapValidation(err)
}

func (r *ResourceGrantsRequest) byKind() map[models.GrantKind][]string {
	return map[models.GrantKind][]string{
		models.GrantKindMenu:        r.MenuIDs,
		models.GrantKindOperation:   r.OperationIDs,
		models.GrantKindApplication: r.ApplicationIDs,
	}
}

func validatePassword(password string) error {
	err := validation.Validate(password,
		validation.Required.Error("password is required"),
		validation.Length(MinPasswordLength, 128).Error("password must be between 8 and 128 characters"),
	)
	return wrapValidation(err)
}

func validateStatus(status models.UserStatus) error {
	if !status.Valid() {
		return errs.Validation("unknown status %q", status)
	}
	return nil
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	return errs.Validation("%s", err.Error())
}
