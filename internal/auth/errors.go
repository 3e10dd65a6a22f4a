package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// responses never reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrEmailTaken          = errors.New("email already in use")
	ErrInvalidToken        = errors.New("invalid or expired access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidTicket       = errors.New("invalid or expired ticket")
	ErrForbidden           = errors.New("insufficient role")
	ErrNotFound            = errors.New("not found")
)

// LockedError reports a temporarily locked account along with when the lock
// lifts.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "account temporarily locked"
}
