package httpapi

import (
	"net/http"
	"strings"

	"ledgerdesk.org/internal/audit"
	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type meResponse struct {
	Principal auth.PrincipalSummary `json:"principal"`
	SessionID string                `json:"session_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadBody(w, r, err)
		return
	}

	ctx := r.Context()
	res, err := a.auth.Login(ctx, auth.Credentials{
		Email:         req.Email,
		Password:      req.Password,
		OriginAddress: a.ip(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		_, code, _ := statusFor(err)
		obs.LoginAttempt(strings.ToLower(code))
		_ = audit.LogEvent(ctx, "auth.login.failed", map[string]any{
			"email":  strings.ToLower(strings.TrimSpace(req.Email)),
			"reason": code,
		})
		writeServiceError(w, r, err)
		return
	}

	obs.LoginAttempt("success")
	_ = audit.LogEvent(ctx, "auth.login.succeeded", map[string]any{
		"principal_id": res.Principal.ID,
		"role":         string(res.Principal.Role),
		"session_id":   res.SessionID,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleLogout needs a verifiable token but not a live session, so repeating
// it succeeds.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.auth.Logout(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	fields := map[string]any{}
	if claims, err := a.tokens.VerifyAccessToken(token); err == nil {
		fields["principal_id"] = claims.Subject
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", fields)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadBody(w, r, err)
		return
	}
	res, err := a.auth.Refresh(r.Context(), req.RefreshToken, a.ip(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"principal_id": res.Principal.ID,
		"session_id":   res.SessionID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	p, err := a.auth.Principal(r.Context(), id.PrincipalID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Principal: p.Summary(), SessionID: id.SessionID})
}
