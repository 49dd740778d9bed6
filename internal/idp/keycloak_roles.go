package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/terraconstructs/iamsync/internal/telemetry"
)

type roleRepresentation struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole"`
}

func (r roleRepresentation) toRole() ClientRole {
	return ClientRole{ID: r.ID, Name: r.Name, Description: r.Description}
}

func (k *Keycloak) userRoleMappingPath(ctx context.Context, userID string) (string, error) {
	client, err := k.clientID(ctx)
	if err != nil {
		return "", err
	}
	return "/users/" + url.PathEscape(userID) + "/role-mappings/clients/" + client, nil
}

// GetClientRolesOfUser lists the managed-client roles mapped to a user.
func (k *Keycloak) GetClientRolesOfUser(ctx context.Context, id string) ([]ClientRole, error) {
	path, err := k.userRoleMappingPath(ctx, id)
	if err != nil {
		return nil, err
	}
	var reps []roleRepresentation
	if _, err := k.do(ctx, request{method: http.MethodGet, path: path}, &reps); err != nil {
		return nil, userError(err, id)
	}
	roles := make([]ClientRole, 0, len(reps))
	for _, r := range reps {
		roles = append(roles, r.toRole())
	}
	return roles, nil
}

// AssignClientRole maps the named client role to a user.
func (k *Keycloak) AssignClientRole(ctx context.Context, id, role string) error {
	return k.changeRoleMapping(ctx, http.MethodPost, id, role)
}

// RemoveClientRole unmaps the named client role from a user.
func (k *Keycloak) RemoveClientRole(ctx context.Context, id, role string) error {
	return k.changeRoleMapping(ctx, http.MethodDelete, id, role)
}

func (k *Keycloak) changeRoleMapping(ctx context.Context, method, id, roleName string) error {
	role, err := k.clientRole(ctx, roleName)
	if err != nil {
		return err
	}
	path, err := k.userRoleMappingPath(ctx, id)
	if err != nil {
		return err
	}
	body := []roleRepresentation{{ID: role.ID, Name: role.Name, ClientRole: true}}
	_, err = k.do(ctx, request{method: method, path: path, body: body}, nil)
	return userError(err, id)
}

// clientRole looks up a client role by name through the cache.
func (k *Keycloak) clientRole(ctx context.Context, name string) (ClientRole, error) {
	if role, ok := k.roles.Get(name); ok {
		return role, nil
	}
	client, err := k.clientID(ctx)
	if err != nil {
		return ClientRole{}, err
	}
	var rep roleRepresentation
	_, err = k.do(ctx, request{
		method: http.MethodGet,
		path:   "/clients/" + client + "/roles/" + url.PathEscape(name),
	}, &rep)
	if err != nil {
		return ClientRole{}, fmt.Errorf("client role %q: %w", name, err)
	}
	role := rep.toRole()
	k.roles.Add(name, role)
	return role, nil
}

// clientRoles lists the managed-client roles except the reserved one and
// refreshes the role cache.
func (k *Keycloak) clientRoles(ctx context.Context, client string) ([]ClientRole, error) {
	var reps []roleRepresentation
	_, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   "/clients/" + client + "/roles",
		query:  url.Values{"briefRepresentation": {"false"}},
	}, &reps)
	if err != nil {
		return nil, fmt.Errorf("list client roles: %w", err)
	}
	roles := make([]ClientRole, 0, len(reps))
	for _, r := range reps {
		if r.Name == k.cfg.ReservedClientRole {
			continue
		}
		role := r.toRole()
		k.roles.Add(role.Name, role)
		roles = append(roles, role)
	}
	return roles, nil
}

// ListClientRoles lists the managed-client roles except the reserved one.
// Each role carries the id of its policy and the permissions depending on it.
func (k *Keycloak) ListClientRoles(ctx context.Context) ([]ClientRole, error) {
	client, err := k.clientID(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := k.clientRoles(ctx, client)
	if err != nil {
		return nil, err
	}
	policies, err := k.rolePolicies(ctx, client)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(policies))
	for _, p := range policies {
		byName[p.Name] = p.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	if k.cfg.ListWorkers > 0 {
		g.SetLimit(k.cfg.ListWorkers)
	}
	for i := range roles {
		policyID, ok := byName[roles[i].Name]
		if !ok {
			continue
		}
		roles[i].PolicyID = policyID
		g.Go(func() error {
			var reps []permissionRepresentation
			_, err := k.do(gctx, request{
				method: http.MethodGet,
				path:   authzPath(client) + "/policy/" + url.PathEscape(policyID) + "/dependentPolicies",
			}, &reps)
			if err != nil {
				return fmt.Errorf("permissions of role %q: %w", roles[i].Name, err)
			}
			roles[i].Permissions = make([]Permission, 0, len(reps))
			for _, p := range reps {
				roles[i].Permissions = append(roles[i].Permissions, p.toPermission())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListClientRoleMembers returns one page of the users mapped to a client role.
func (k *Keycloak) ListClientRoleMembers(ctx context.Context, roleID string, page, pageSize int) ([]User, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	client, err := k.clientID(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := k.clientRoles(ctx, client)
	if err != nil {
		return nil, err
	}
	name := ""
	for _, r := range roles {
		if r.ID == roleID {
			name = r.Name
			break
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}

	var reps []userRepresentation
	_, err = k.do(ctx, request{
		method: http.MethodGet,
		path:   "/clients/" + client + "/roles/" + url.PathEscape(name) + "/users",
		query: url.Values{
			"first": {strconv.Itoa((page - 1) * pageSize)},
			"max":   {strconv.Itoa(pageSize)},
		},
	}, &reps)
	if err != nil {
		return nil, fmt.Errorf("members of client role %q: %w", name, err)
	}
	users := make([]User, 0, len(reps))
	for _, rep := range reps {
		users = append(users, rep.toUser())
	}
	return users, nil
}

// CreateClientRoleWithPolicy creates a client role together with a
// role-based authorization policy of the same name that requires it.
func (k *Keycloak) CreateClientRoleWithPolicy(ctx context.Context, name, description string) (*ClientRole, error) {
	client, err := k.clientID(ctx)
	if err != nil {
		return nil, err
	}
	_, err = k.do(ctx, request{
		method: http.MethodPost,
		path:   "/clients/" + client + "/roles",
		body:   roleRepresentation{Name: name, Description: description, ClientRole: true},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create client role %q: %w", name, err)
	}

	k.roles.Remove(name)
	role, err := k.clientRole(ctx, name)
	if err != nil {
		return nil, err
	}

	policy := map[string]any{
		"type":             "role",
		"logic":            "POSITIVE",
		"decisionStrategy": "UNANIMOUS",
		"name":             name,
		"roles":            []map[string]any{{"id": role.ID, "required": true}},
	}
	_, err = k.do(ctx, request{
		method: http.MethodPost,
		path:   authzPath(client) + "/policy/role",
		body:   policy,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create policy for role %q: %w", name, err)
	}
	return &role, nil
}

// DeleteClientRole deletes a role by id. Policies built on it go with it.
func (k *Keycloak) DeleteClientRole(ctx context.Context, id string) error {
	_, err := k.do(ctx, request{method: http.MethodDelete, path: "/roles-by-id/" + url.PathEscape(id)}, nil)
	if err != nil {
		return fmt.Errorf("delete client role %s: %w", id, err)
	}
	for _, name := range k.roles.Keys() {
		if role, ok := k.roles.Peek(name); ok && role.ID == id {
			k.roles.Remove(name)
		}
	}
	return nil
}

// ========================================
// Authorization permissions
// ========================================

type permissionRepresentation struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Type             string `json:"type"`
	Logic            string `json:"logic,omitempty"`
	DecisionStrategy string `json:"decisionStrategy"`
}

func (p permissionRepresentation) toPermission() Permission {
	return Permission{
		ID:               p.ID,
		Name:             p.Name,
		Description:      p.Description,
		Type:             p.Type,
		DecisionStrategy: p.DecisionStrategy,
	}
}

// permissionUpdate is the body of a permission update. Keycloak replaces
// resources, policies and scopes with what is sent.
type permissionUpdate struct {
	permissionRepresentation
	Resources []string `json:"resources"`
	Policies  []string `json:"policies"`
	Scopes    []string `json:"scopes"`
}

// policyRepresentation is a generic authorization policy. Role policies keep
// their role references as a JSON string under config["roles"].
type policyRepresentation struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// firstRoleID returns the first role a role policy requires.
func (p policyRepresentation) firstRoleID() string {
	var refs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(p.Config["roles"]), &refs); err != nil || len(refs) == 0 {
		return ""
	}
	return refs[0].ID
}

func authzPath(client string) string {
	return "/clients/" + client + "/authz/resource-server"
}

// rolePolicies lists the role-based policies of the managed client.
func (k *Keycloak) rolePolicies(ctx context.Context, client string) ([]policyRepresentation, error) {
	var reps []policyRepresentation
	_, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   authzPath(client) + "/policy",
		query:  url.Values{"permission": {"false"}},
	}, &reps)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	out := reps[:0]
	for _, p := range reps {
		if p.Type == "role" {
			out = append(out, p)
		}
	}
	return out, nil
}

// permissions lists every permission of the managed client.
func (k *Keycloak) permissions(ctx context.Context, client string) ([]permissionRepresentation, error) {
	var reps []permissionRepresentation
	_, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   authzPath(client) + "/permission",
	}, &reps)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return reps, nil
}

// ListPermissions lists the managed client's permissions except the default one.
func (k *Keycloak) ListPermissions(ctx context.Context) ([]Permission, error) {
	client, err := k.clientID(ctx)
	if err != nil {
		return nil, err
	}
	reps, err := k.permissions(ctx, client)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, 0, len(reps))
	for _, p := range reps {
		if p.Name == k.cfg.DefaultPermission {
			continue
		}
		out = append(out, p.toPermission())
	}
	return out, nil
}

// TogglePermissionRole flips the membership of a role's policy in a
// permission. The permission keeps its resources and loses its scopes.
func (k *Keycloak) TogglePermissionRole(ctx context.Context, roleID, permissionID string) (bool, error) {
	client, err := k.clientID(ctx)
	if err != nil {
		return false, err
	}
	authz := authzPath(client)

	all, err := k.permissions(ctx, client)
	if err != nil {
		return false, err
	}
	var perm *permissionRepresentation
	for i := range all {
		if all[i].ID == permissionID {
			perm = &all[i]
			break
		}
	}
	if perm == nil {
		return false, fmt.Errorf("%w: %s", ErrPermissionNotFound, permissionID)
	}

	var resources []struct {
		ID string `json:"_id"`
	}
	if _, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   authz + "/policy/" + url.PathEscape(permissionID) + "/resources",
	}, &resources); err != nil {
		return false, fmt.Errorf("resources of permission %s: %w", permissionID, err)
	}
	var associated []policyRepresentation
	if _, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   authz + "/policy/" + url.PathEscape(permissionID) + "/associatedPolicies",
	}, &associated); err != nil {
		return false, fmt.Errorf("policies of permission %s: %w", permissionID, err)
	}

	policies, err := k.rolePolicies(ctx, client)
	if err != nil {
		return false, err
	}
	policyID := ""
	for _, p := range policies {
		if p.firstRoleID() == roleID {
			policyID = p.ID
			break
		}
	}
	if policyID == "" {
		return false, fmt.Errorf("%w: role %s", ErrPolicyNotFound, roleID)
	}

	body := permissionUpdate{
		permissionRepresentation: *perm,
		Resources:                make([]string, 0, len(resources)),
		Policies:                 make([]string, 0, len(associated)+1),
		Scopes:                   []string{},
	}
	for _, r := range resources {
		body.Resources = append(body.Resources, r.ID)
	}
	attached := true
	for _, p := range associated {
		if p.ID == policyID {
			attached = false
			continue
		}
		body.Policies = append(body.Policies, p.ID)
	}
	if attached {
		body.Policies = append(body.Policies, policyID)
	}

	_, err = k.do(ctx, request{
		method: http.MethodPut,
		path:   authz + "/permission/" + url.PathEscape(perm.Type) + "/" + url.PathEscape(permissionID),
		body:   body,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("update permission %s: %w", permissionID, err)
	}
	return attached, nil
}

// EvaluatePermissions asks the token endpoint which of the named
// permissions the bearer of token holds, using the UMA ticket grant. With
// no names every permission of the client is evaluated. A denial from the
// server is reported as all-denied, not as an error.
func (k *Keycloak) EvaluatePermissions(ctx context.Context, token string, names []string) ([]PermissionDecision, error) {
	all, err := k.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}

	wanted := all
	if len(names) > 0 {
		byName := make(map[string]Permission, len(all))
		for _, p := range all {
			byName[p.Name] = p
		}
		wanted = make([]Permission, 0, len(names))
		for _, n := range names {
			p, ok := byName[n]
			if !ok {
				p = Permission{Name: n}
			}
			wanted = append(wanted, p)
		}
	}

	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:uma-ticket"},
		"audience":      {k.cfg.ManagedClientID},
		"response_mode": {"permissions"},
	}
	for _, n := range names {
		form.Add("permission", n)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "idp.EvaluatePermissions",
		attribute.String(telemetry.AttrIdPEndpoint, k.tokenURL),
	)
	defer span.End()

	req := request{method: http.MethodPost, path: "/protocol/openid-connect/token", body: form}
	var granted []struct {
		Name string `json:"rsname"`
	}
	client := &http.Client{
		Timeout:   k.plain.Timeout,
		Transport: bearerTransport{token: token, base: k.plain.Transport},
	}
	_, _, err = k.send(ctx, client, k.tokenURL, req, &granted)
	if err != nil && !IsStatus(err, http.StatusForbidden) && !IsStatus(err, http.StatusUnauthorized) {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("evaluate permissions: %w", err)
	}

	allowed := make(map[string]bool, len(granted))
	for _, g := range granted {
		allowed[g.Name] = true
	}
	out := make([]PermissionDecision, 0, len(wanted))
	for _, p := range wanted {
		out = append(out, PermissionDecision{Permission: p, Allowed: allowed[p.Name]})
	}
	return out, nil
}

// bearerTransport adds the caller's token to each request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(t.token, "Bearer "))
	return base.RoundTrip(req)
}
