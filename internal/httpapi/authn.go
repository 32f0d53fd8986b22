package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "
)

// authenticate runs token verification and the session check. Any failure,
// including a slow or broken session store, denies the request.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.deny(w, r, err)
			return
		}
		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.deny(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = obs.WithLogger(ctx, obs.LoggerFrom(ctx).With("principal_id", id.PrincipalID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require authorizes the authenticated identity against the resource built by
// res. A nil res targets the scope as a whole.
func (a *API) require(scope auth.Scope, res func(*http.Request) auth.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				a.deny(w, r, auth.ErrMissingToken)
				return
			}
			target := auth.Resource{}
			if res != nil {
				target = res(r)
			}
			target.Scope = scope
			if err := auth.Authorize(id, target); err != nil {
				a.deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, err error) {
	_, code, _ := statusFor(err)
	obs.GateDenied(code)
	writeServiceError(w, r, err)
}

func partnerResource(r *http.Request) auth.Resource {
	return auth.Resource{PartnerID: chi.URLParam(r, "partnerID")}
}

func ownerResource(r *http.Request) auth.Resource {
	return auth.Resource{OwnerID: chi.URLParam(r, "principalID")}
}

// extractBearerToken accepts "Bearer <token>" with any scheme casing. Anything
// else counts as no token at all.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrMissingToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return token, nil
}
