package auth

import "errors"

var (
	ErrMissingToken       = errors.New("auth: missing bearer token")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrSessionRevoked     = errors.New("auth: session revoked")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrStorage            = errors.New("auth: storage failure")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Stable machine-readable codes returned to clients.
const (
	CodeMissingToken       = "MISSING_TOKEN"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeSessionRevoked     = "SESSION_REVOKED"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountInactive    = "ACCOUNT_INACTIVE"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeUnavailable        = "AUTH_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInternal           = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMissingToken, CodeMissingToken},
	{ErrInvalidToken, CodeInvalidToken},
	{ErrSessionRevoked, CodeSessionRevoked},
	{ErrForbidden, CodeForbidden},
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrAccountInactive, CodeAccountInactive},
	{ErrAccountLocked, CodeAccountLocked},
	{ErrStorage, CodeUnavailable},
	{ErrNotFound, CodeNotFound},
	{ErrConflict, CodeConflict},
	{ErrInvalidInput, CodeInvalidInput},
}

// CodeOf maps err to its client-facing code. Unknown errors map to CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
