package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"ledgerdesk.org/internal/audit"
	"ledgerdesk.org/internal/ratelimit"
)

// rateLimit charges one request to the caller's identity: the token subject
// when a bearer token verifies, the client address otherwise.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := a.limiter.CheckAndRecord(r.Context(), a.limitIdentity(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			a.writeRateLimited(w, r, exceeded.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// throttleLogin slows down credential stuffing per client address.
func (a *API) throttleLogin(next http.Handler) http.Handler {
	if a.throttle == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.throttle.Allow("login:" + a.ip(r)) {
			a.writeRateLimited(w, r, a.now().Add(time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limitIdentity(r *http.Request) string {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		if claims, err := a.tokens.VerifyAccessToken(token); err == nil {
			return "sub:" + claims.Subject
		}
	}
	return "ip:" + a.ip(r)
}

func (a *API) writeRateLimited(w http.ResponseWriter, r *http.Request, retryAt time.Time) {
	secs := int64(math.Ceil(retryAt.Sub(a.now()).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:      errorDetail{Code: codeRateLimited, Message: "rate limit exceeded"},
		RetryAfter: retryAt.UTC().Format(time.RFC3339),
		RequestID:  audit.RequestID(r.Context()),
	})
}
