package idp

import (
	"context"
	"fmt"
)

// PermissionCenter grants and revokes platform-wide superuser rights.
type PermissionCenter interface {
	Elevate(ctx context.Context, username string) error
	Demote(ctx context.Context, username string) error
}

// StatusNotifier tells the identity provider that an account was enabled or disabled.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, username string, enabled bool) error
}

// ClientRoleCenter implements PermissionCenter by mapping the superuser
// client role on the identity-provider user.
type ClientRoleCenter struct {
	provider Provider
	role     string
}

// NewClientRoleCenter returns a PermissionCenter that manages role on provider.
func NewClientRoleCenter(provider Provider, role string) *ClientRoleCenter {
	return &ClientRoleCenter{provider: provider, role: role}
}

func (c *ClientRoleCenter) Elevate(ctx context.Context, username string) error {
	u, err := findRequired(ctx, c.provider, username)
	if err != nil {
		return err
	}
	if err := c.provider.AssignClientRole(ctx, u.ID, c.role); err != nil {
		return fmt.Errorf("elevate %q: %w", username, err)
	}
	return nil
}

func (c *ClientRoleCenter) Demote(ctx context.Context, username string) error {
	u, err := findRequired(ctx, c.provider, username)
	if err != nil {
		return err
	}
	if err := c.provider.RemoveClientRole(ctx, u.ID, c.role); err != nil {
		return fmt.Errorf("demote %q: %w", username, err)
	}
	return nil
}

// EnabledNotifier implements StatusNotifier by patching the enabled flag.
type EnabledNotifier struct {
	provider Provider
}

// NewEnabledNotifier returns a StatusNotifier backed by provider.
func NewEnabledNotifier(provider Provider) *EnabledNotifier {
	return &EnabledNotifier{provider: provider}
}

func (n *EnabledNotifier) NotifyStatus(ctx context.Context, username string, enabled bool) error {
	u, err := findRequired(ctx, n.provider, username)
	if err != nil {
		return err
	}
	if err := n.provider.UpdateUser(ctx, u.ID, UserPatch{Enabled: &enabled}); err != nil {
		return fmt.Errorf("set enabled=%t for %q: %w", enabled, username, err)
	}
	return nil
}

// findRequired resolves username and treats absence as an error.
func findRequired(ctx context.Context, provider Provider, username string) (*User, error) {
	u, err := provider.FindUserByExactName(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return u, nil
}
