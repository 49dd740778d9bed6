// Package idptest provides an in-memory identity provider for tests.
package idptest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/terraconstructs/iamsync/internal/idp"
)

// Provider is an in-memory idp.Provider. It also implements
// idp.PermissionCenter and idp.StatusNotifier so a test can wire one
// value into every collaborator slot.
type Provider struct {
	mu          sync.Mutex
	users       map[string]*account // by id
	roles       map[string]idp.ClientRole
	permissions []idp.Permission
	attached    map[string]map[string]bool // permission id -> policy ids
	granted     map[string][]string        // token -> permission names
	elevated    map[string]bool
	calls       []string
	failures    map[string]error
}

type account struct {
	user     idp.User
	password string
	roles    map[string]bool
}

var (
	_ idp.Provider         = (*Provider)(nil)
	_ idp.PermissionCenter = (*Provider)(nil)
	_ idp.StatusNotifier   = (*Provider)(nil)
)

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		users:    make(map[string]*account),
		roles:    make(map[string]idp.ClientRole),
		attached: make(map[string]map[string]bool),
		granted:  make(map[string][]string),
		elevated: make(map[string]bool),
		failures: make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (p *Provider) FailOn(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// FailOnFor makes method fail only when called for subject, a username.
func (p *Provider) FailOnFor(method, subject string, err error) {
	p.FailOn(method+"/"+subject, err)
}

// Calls returns the method names invoked so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount returns how many times method was invoked.
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Has reports whether a user with username exists.
func (p *Provider) Has(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byName(username) != nil
}

// User returns a copy of the named user.
func (p *Provider) User(username string) (idp.User, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.byName(username)
	if a == nil {
		return idp.User{}, "", false
	}
	return a.user, a.password, true
}

// Elevated reports whether username currently holds superuser rights.
func (p *Provider) Elevated(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elevated[username]
}

// SeedUser installs an account without recording a call.
func (p *Provider) SeedUser(username string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	p.users[id] = &account{user: idp.User{ID: id, Username: username, Enabled: true}, roles: map[string]bool{}}
	return id
}

// SeedPermissions installs client permissions and the names granted to token.
func (p *Provider) SeedPermissions(perms []idp.Permission, token string, granted ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permissions = append(p.permissions, perms...)
	p.granted[token] = append(p.granted[token], granted...)
}

func (p *Provider) record(method string) error {
	p.calls = append(p.calls, method)
	return p.failures[method]
}

func (p *Provider) recordFor(method, subject string) error {
	if err := p.record(method); err != nil {
		return err
	}
	return p.failures[method+"/"+subject]
}

func (p *Provider) byName(username string) *account {
	for _, a := range p.users {
		if a.user.Username == username {
			return a
		}
	}
	return nil
}

func (p *Provider) get(id string) (*account, error) {
	a, ok := p.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, idp.ErrUserNotFound)
	}
	return a, nil
}

// ========================================
// idp.Provider
// ========================================

func (p *Provider) CreateUser(_ context.Context, profile idp.UserProfile) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateUser"); err != nil {
		return "", err
	}
	if p.byName(profile.Username) != nil {
		return "", &idp.RemoteError{Method: "POST", Path: "/users", Status: 409, Body: "User exists with same username"}
	}
	id := uuid.NewString()
	p.users[id] = &account{
		user: idp.User{
			ID:          id,
			Username:    profile.Username,
			DisplayName: profile.DisplayName,
			Email:       profile.Email,
			Enabled:     profile.Enabled,
		},
		password: profile.Password,
		roles:    map[string]bool{},
	}
	return id, nil
}

func (p *Provider) DeleteUser(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteUser"); err != nil {
		return err
	}
	if _, err := p.get(id); err != nil {
		return err
	}
	delete(p.users, id)
	return nil
}

func (p *Provider) UpdateUser(_ context.Context, id string, patch idp.UserPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("UpdateUser"); err != nil {
		return err
	}
	a, err := p.get(id)
	if err != nil {
		return err
	}
	if patch.DisplayName != nil {
		a.user.DisplayName = *patch.DisplayName
	}
	if patch.Email != nil {
		a.user.Email = *patch.Email
	}
	if patch.Enabled != nil {
		a.user.Enabled = *patch.Enabled
	}
	return nil
}

func (p *Provider) ResetPassword(_ context.Context, id, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ResetPassword"); err != nil {
		return err
	}
	a, err := p.get(id)
	if err != nil {
		return err
	}
	a.password = password
	return nil
}

func (p *Provider) ListUsers(_ context.Context, page, pageSize int, search string) (int, []idp.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ListUsers"); err != nil {
		return 0, nil, err
	}
	var matched []idp.User
	for _, a := range p.users {
		if search == "" || strings.Contains(a.user.Username, search) {
			u := a.user
			u.Roles = p.rolesOf(a)
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Username < matched[j].Username })

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return len(matched), []idp.User{}, nil
	}
	end := min(start+pageSize, len(matched))
	return len(matched), matched[start:end], nil
}

func (p *Provider) FindUserByExactName(_ context.Context, username string) (*idp.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("FindUserByExactName"); err != nil {
		return nil, err
	}
	a := p.byName(username)
	if a == nil {
		return nil, nil
	}
	u := a.user
	return &u, nil
}

func (p *Provider) rolesOf(a *account) []idp.ClientRole {
	out := make([]idp.ClientRole, 0, len(a.roles))
	for name := range a.roles {
		role, ok := p.roles[name]
		if !ok {
			role = idp.ClientRole{Name: name}
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Provider) GetClientRolesOfUser(_ context.Context, id string) ([]idp.ClientRole, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetClientRolesOfUser"); err != nil {
		return nil, err
	}
	a, err := p.get(id)
	if err != nil {
		return nil, err
	}
	return p.rolesOf(a), nil
}

func (p *Provider) AssignClientRole(_ context.Context, id, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AssignClientRole"); err != nil {
		return err
	}
	a, err := p.get(id)
	if err != nil {
		return err
	}
	a.roles[role] = true
	return nil
}

func (p *Provider) RemoveClientRole(_ context.Context, id, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("RemoveClientRole"); err != nil {
		return err
	}
	a, err := p.get(id)
	if err != nil {
		return err
	}
	delete(a.roles, role)
	return nil
}

func (p *Provider) ListClientRoles(_ context.Context) ([]idp.ClientRole, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ListClientRoles"); err != nil {
		return nil, err
	}
	out := make([]idp.ClientRole, 0, len(p.roles))
	for _, r := range p.roles {
		r.Permissions = nil
		for _, perm := range p.permissions {
			if r.PolicyID != "" && p.attached[perm.ID][r.PolicyID] {
				r.Permissions = append(r.Permissions, perm)
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) CreateClientRoleWithPolicy(_ context.Context, name, description string) (*idp.ClientRole, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateClientRoleWithPolicy"); err != nil {
		return nil, err
	}
	if _, ok := p.roles[name]; ok {
		return nil, &idp.RemoteError{Method: "POST", Path: "/roles", Status: 409}
	}
	id := uuid.NewString()
	role := idp.ClientRole{ID: id, Name: name, Description: description, PolicyID: "policy-" + id}
	p.roles[name] = role
	return &role, nil
}

func (p *Provider) DeleteClientRole(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteClientRole"); err != nil {
		return err
	}
	for name, r := range p.roles {
		if r.ID == id {
			delete(p.roles, name)
			return nil
		}
	}
	return &idp.RemoteError{Method: "DELETE", Path: "/roles-by-id/" + id, Status: 404}
}

func (p *Provider) ListClientRoleMembers(_ context.Context, roleID string, page, pageSize int) ([]idp.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ListClientRoleMembers"); err != nil {
		return nil, err
	}
	role, ok := p.roleByID(roleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", idp.ErrRoleNotFound, roleID)
	}
	var members []idp.User
	for _, a := range p.users {
		if a.roles[role.Name] {
			members = append(members, a.user)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(members) {
		return []idp.User{}, nil
	}
	return members[start:min(start+pageSize, len(members))], nil
}

func (p *Provider) roleByID(id string) (idp.ClientRole, bool) {
	for _, r := range p.roles {
		if r.ID == id {
			return r, true
		}
	}
	return idp.ClientRole{}, false
}

func (p *Provider) TogglePermissionRole(_ context.Context, roleID, permissionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("TogglePermissionRole"); err != nil {
		return false, err
	}
	found := false
	for _, perm := range p.permissions {
		if perm.ID == permissionID {
			found = true
		}
	}
	if !found {
		return false, fmt.Errorf("%w: %s", idp.ErrPermissionNotFound, permissionID)
	}
	role, ok := p.roleByID(roleID)
	if !ok || role.PolicyID == "" {
		return false, fmt.Errorf("%w: role %s", idp.ErrPolicyNotFound, roleID)
	}
	if p.attached[permissionID] == nil {
		p.attached[permissionID] = make(map[string]bool)
	}
	if p.attached[permissionID][role.PolicyID] {
		delete(p.attached[permissionID], role.PolicyID)
		return false, nil
	}
	p.attached[permissionID][role.PolicyID] = true
	return true, nil
}

func (p *Provider) ListPermissions(_ context.Context) ([]idp.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ListPermissions"); err != nil {
		return nil, err
	}
	return append([]idp.Permission(nil), p.permissions...), nil
}

func (p *Provider) EvaluatePermissions(_ context.Context, token string, names []string) ([]idp.PermissionDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("EvaluatePermissions"); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool)
	for _, n := range p.granted[token] {
		allowed[n] = true
	}
	wanted := p.permissions
	if len(names) > 0 {
		wanted = make([]idp.Permission, 0, len(names))
		for _, n := range names {
			wanted = append(wanted, idp.Permission{Name: n})
		}
	}
	out := make([]idp.PermissionDecision, 0, len(wanted))
	for _, perm := range wanted {
		out = append(out, idp.PermissionDecision{Permission: perm, Allowed: allowed[perm.Name]})
	}
	return out, nil
}

// ========================================
// idp.PermissionCenter / idp.StatusNotifier
// ========================================

func (p *Provider) Elevate(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.recordFor("Elevate", username); err != nil {
		return err
	}
	p.elevated[username] = true
	return nil
}

func (p *Provider) Demote(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.recordFor("Demote", username); err != nil {
		return err
	}
	delete(p.elevated, username)
	return nil
}

func (p *Provider) NotifyStatus(_ context.Context, username string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.recordFor("NotifyStatus", username); err != nil {
		return err
	}
	if a := p.byName(username); a != nil {
		a.user.Enabled = enabled
	}
	return nil
}
