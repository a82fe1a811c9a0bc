package session

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var ErrNoSession = errors.New("no session")

// AuthError marks a response (or a failed refresh) as an authentication failure:
// the session is no longer valid and the UI should treat it as a logout.
type AuthError struct {
	Status        int   // status of the rejected protected call (401 | 403)
	RefreshStatus int   // status of the refresh call; 0 when it was not reached
	Err           error // why the refresh failed, if it did not simply return {result: false}
}

func (e *AuthError) Error() string {
	msg := "session expired"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	if e.RefreshStatus != 0 {
		return fmt.Sprintf("%s: refresh rejected (status %d)", msg, e.RefreshStatus)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) StatusCode() int { return e.Status }

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Classify returns an *AuthError if resp was rejected with 401 or 403, nil otherwise.
func Classify(resp *http.Response) error {
	if resp != nil && isAuthStatus(resp.StatusCode) {
		return &AuthError{Status: resp.StatusCode}
	}
	return nil
}

// IsAuthError reports whether err (or anything it wraps) is an auth failure,
// either by type or by carrying a 401/403 status.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return isAuthStatus(sc.StatusCode())
	}
	return false
}

// Recover calls onExpire and reports true if err is an auth failure.
// Any other error is left to the caller's generic error path.
func Recover(err error, onExpire func()) bool {
	if !IsAuthError(err) {
		return false
	}
	if onExpire != nil {
		onExpire()
	}
	return true
}
