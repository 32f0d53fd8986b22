package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ledgerdesk.org/internal/audit"
	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
	"ledgerdesk.org/internal/ratelimit"
)

const (
	codeRateLimited      = "RATE_LIMITED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error      errorDetail `json:"error"`
	RetryAfter string      `json:"retry_after,omitempty"`
	RequestID  string      `json:"request_id,omitempty"`
}

// failures maps every client-visible error to its status and a fixed
// message. Messages never carry err.Error().
var failures = []struct {
	err    error
	status int
	msg    string
}{
	{auth.ErrMissingToken, http.StatusUnauthorized, "bearer token required"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "token is invalid or expired"},
	{auth.ErrSessionRevoked, http.StatusUnauthorized, "session is no longer active"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid email or password"},
	{auth.ErrAccountInactive, http.StatusUnauthorized, "account is inactive"},
	{auth.ErrAccountLocked, http.StatusUnauthorized, "account is locked"},
	{auth.ErrForbidden, http.StatusForbidden, "access denied"},
	{auth.ErrNotFound, http.StatusNotFound, "resource not found"},
	{auth.ErrConflict, http.StatusConflict, "resource already exists"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "invalid input"},
	{auth.ErrStorage, http.StatusServiceUnavailable, "authentication is temporarily unavailable"},
	{ratelimit.ErrRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded"},
}

func statusFor(err error) (status int, code, msg string) {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				return f.status, codeRateLimited, f.msg
			}
			return f.status, auth.CodeOf(err), f.msg
		}
	}
	return http.StatusInternalServerError, auth.CodeInternal, "internal error"
}

// writeServiceError renders err through the failure table. Server-side
// failures are logged with the underlying cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		obs.LoggerFrom(r.Context()).ErrorContext(r.Context(), "request_failed", "code", code, "error", err)
	}
	writeError(w, r, status, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     errorDetail{Code: code, Message: msg},
		RequestID: audit.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeBadBody(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, auth.CodeInvalidInput, "request body too large")
		return
	}
	if errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, errEmptyBody.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "malformed JSON body")
}
