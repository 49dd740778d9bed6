package idp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRemoteUnavailable covers network failures, 5xx and 429 responses.
	ErrRemoteUnavailable = errors.New("identity provider unavailable")

	// ErrRemoteRejected covers 4xx responses other than 429.
	ErrRemoteRejected = errors.New("identity provider rejected request")

	// ErrUserNotFound means the addressed identity-provider user does not exist.
	ErrUserNotFound = errors.New("identity provider user not found")

	// ErrRoleNotFound means the addressed client role does not exist.
	ErrRoleNotFound = errors.New("client role not found")

	// ErrPermissionNotFound means the addressed permission does not exist.
	ErrPermissionNotFound = errors.New("permission not found")

	// ErrPolicyNotFound means no role-based policy requires the addressed role.
	ErrPolicyNotFound = errors.New("role policy not found")
)

var errDisabled = fmt.Errorf("%w: no identity provider configured", ErrRemoteUnavailable)

// RemoteError describes a failed admin API call. Status is zero when the
// request never produced a response.
type RemoteError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("idp %s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("idp %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("idp %s %s: status %d", e.Method, e.Path, e.Status)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is maps the status onto ErrRemoteUnavailable or ErrRemoteRejected.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteUnavailable:
		return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
	case ErrRemoteRejected:
		return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
	}
	return false
}

// IsStatus reports whether err is a RemoteError with the given status.
func IsStatus(err error, status int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == status
}
