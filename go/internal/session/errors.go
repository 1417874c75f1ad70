package session

import "errors"

var (
	// Handshake failures
	ErrInvalidCredential = errors.New("invalid access code, please check and try again")
	ErrNoCredential      = errors.New("no access code found, please log in")
	ErrLockTimeout       = errors.New("timed out waiting for session approval")
	ErrTeamFetchFailed   = errors.New("session approved, but failed to fetch team data")
	ErrSuperseded        = errors.New("login attempt superseded by a newer one")
	ErrGrantMismatch     = errors.New("session approval was for a different team, please try again")

	// State errors
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAlreadyAuthenticated = errors.New("already authenticated, log out first")
)

// DeniedError is returned when the server refuses the session lock,
// typically because another device already holds it.
type DeniedError struct {
	Reason string
	cause  error
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return "session denied"
	}
	return e.Reason
}

func (e *DeniedError) Unwrap() error {
	return e.cause
}

// IsDenied reports whether err is a lock denial (including a lock timeout)
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}
