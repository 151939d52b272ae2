package wxapi

import (
	"errors"
	"fmt"

	"wxgate/internal/token"
)

// ErrNoTicket is returned when a component token is requested before the
// platform has pushed a verify ticket.
var ErrNoTicket = errors.New("component verify ticket not received yet")

// Error codes that mean the access token must be refreshed.
const (
	codeInvalidCredential = 40001
	codeInvalidToken      = 40014
	codeTokenExpired      = 42001
)

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// Is matches token.ErrTokenInvalid for the token-rejection codes.
func (e *APIError) Is(target error) bool {
	if target != token.ErrTokenInvalid {
		return false
	}
	switch e.Code {
	case codeInvalidCredential, codeInvalidToken, codeTokenExpired:
		return true
	}
	return false
}
