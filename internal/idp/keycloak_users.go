package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// userRepresentation is the Keycloak wire shape of a user.
type userRepresentation struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username,omitempty"`
	FirstName        *string             `json:"firstName,omitempty"`
	Email            *string             `json:"email,omitempty"`
	Enabled          *bool               `json:"enabled,omitempty"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	Credentials      []credential        `json:"credentials,omitempty"`
}

type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

func (u userRepresentation) toUser() User {
	out := User{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedTimestamp}
	if u.FirstName != nil {
		out.DisplayName = *u.FirstName
	}
	if u.Email != nil {
		out.Email = *u.Email
	}
	if u.Enabled != nil {
		out.Enabled = *u.Enabled
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateUser creates a user and returns its identity-provider id.
func (k *Keycloak) CreateUser(ctx context.Context, profile UserProfile) (string, error) {
	enabled := profile.Enabled
	rep := userRepresentation{
		Username:  profile.Username,
		FirstName: optional(profile.DisplayName),
		Email:     optional(profile.Email),
		Enabled:   &enabled,
	}
	if profile.Phone != "" {
		rep.Attributes = map[string][]string{"phone": {profile.Phone}}
	}
	if profile.Password != "" {
		rep.Credentials = []credential{{Type: "password", Value: profile.Password, Temporary: profile.Temporary}}
	}

	header, err := k.do(ctx, request{method: http.MethodPost, path: "/users", body: rep}, nil)
	if err != nil {
		return "", fmt.Errorf("create user %q: %w", profile.Username, err)
	}
	if id := idFromLocation(header); id != "" {
		return id, nil
	}

	// Older servers omit Location; fall back to a lookup
	u, err := k.FindUserByExactName(ctx, profile.Username)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("create user %q: %w", profile.Username, ErrUserNotFound)
	}
	return u.ID, nil
}

// DeleteUser removes a user. A missing user yields ErrUserNotFound.
func (k *Keycloak) DeleteUser(ctx context.Context, id string) error {
	_, err := k.do(ctx, request{method: http.MethodDelete, path: "/users/" + url.PathEscape(id)}, nil)
	return userError(err, id)
}

// UpdateUser applies patch to the user.
func (k *Keycloak) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	rep := userRepresentation{
		FirstName: patch.DisplayName,
		Email:     patch.Email,
		Enabled:   patch.Enabled,
	}
	if patch.Phone != nil {
		rep.Attributes = map[string][]string{"phone": {*patch.Phone}}
	}
	_, err := k.do(ctx, request{method: http.MethodPut, path: "/users/" + url.PathEscape(id), body: rep}, nil)
	return userError(err, id)
}

// ResetPassword sets a permanent password.
func (k *Keycloak) ResetPassword(ctx context.Context, id, password string) error {
	_, err := k.do(ctx, request{
		method: http.MethodPut,
		path:   "/users/" + url.PathEscape(id) + "/reset-password",
		body:   credential{Type: "password", Value: password},
	}, nil)
	return userError(err, id)
}

// ListUsers returns one page of users with their client roles. The roles
// are fetched concurrently, bounded by the configured worker count.
func (k *Keycloak) ListUsers(ctx context.Context, page, pageSize int, search string) (int, []User, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	query := url.Values{
		"first": {strconv.Itoa((page - 1) * pageSize)},
		"max":   {strconv.Itoa(pageSize)},
	}
	countQuery := url.Values{}
	if search != "" {
		query.Set("search", search)
		countQuery.Set("search", search)
	}

	var reps []userRepresentation
	if _, err := k.do(ctx, request{method: http.MethodGet, path: "/users", query: query}, &reps); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return 0, []User{}, nil
		}
		return 0, nil, fmt.Errorf("list users: %w", err)
	}

	var total int
	if _, err := k.do(ctx, request{method: http.MethodGet, path: "/users/count", query: countQuery}, &total); err != nil {
		return 0, nil, fmt.Errorf("count users: %w", err)
	}

	users := make([]User, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	if k.cfg.ListWorkers > 0 {
		g.SetLimit(k.cfg.ListWorkers)
	}
	for i, rep := range reps {
		users[i] = rep.toUser()
		g.Go(func() error {
			roles, err := k.GetClientRolesOfUser(gctx, rep.ID)
			if err != nil {
				return err
			}
			users[i].Roles = roles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, fmt.Errorf("list user roles: %w", err)
	}
	return total, users, nil
}

// FindUserByExactName returns nil, nil when no user has that username.
func (k *Keycloak) FindUserByExactName(ctx context.Context, username string) (*User, error) {
	var reps []userRepresentation
	_, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   "/users",
		query:  url.Values{"username": {username}, "exact": {"true"}},
	}, &reps)
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", username, err)
	}
	for _, rep := range reps {
		if rep.Username == username {
			u := rep.toUser()
			return &u, nil
		}
	}
	return nil, nil
}

func userError(err error, id string) error {
	if err == nil {
		return nil
	}
	if IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("user %s: %w", id, errors.Join(ErrUserNotFound, err))
	}
	return fmt.Errorf("user %s: %w", id, err)
}
