package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ledgerdesk.org/internal/audit"
	"ledgerdesk.org/internal/auth"
)

type provisionRequest struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	DisplayName        string `json:"display_name"`
	Role               string `json:"role"`
	PartnerID          string `json:"partner_id"`
	MustChangePassword bool   `json:"must_change_password"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type principalView struct {
	auth.PrincipalSummary
	Status auth.Status `json:"status"`
}

func viewOf(p *auth.Principal) principalView {
	return principalView{PrincipalSummary: p.Summary(), Status: p.Status}
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadBody(w, r, err)
		return
	}
	p, err := a.auth.Provision(r.Context(), auth.NewPrincipal{
		Username:           req.Username,
		Email:              req.Email,
		Password:           req.Password,
		DisplayName:        req.DisplayName,
		Role:               req.Role,
		PartnerID:          req.PartnerID,
		MustChangePassword: req.MustChangePassword,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "principal.provisioned", map[string]any{
		"target_id":  p.ID,
		"role":       string(p.Role),
		"partner_id": p.PartnerID,
	})
	w.Header().Set("Location", "/v1/admin/principals/"+p.ID)
	writeJSON(w, http.StatusCreated, viewOf(p))
}

func (a *API) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := a.auth.Principal(r.Context(), chi.URLParam(r, "principalID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// handleSetStatus locks, disables or reactivates an account. Anything but
// active revokes the principal's sessions.
func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadBody(w, r, err)
		return
	}
	status, err := auth.ParseStatus(req.Status)
	if err != nil || req.Status == "" {
		writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "status must be active, locked or disabled")
		return
	}
	id := chi.URLParam(r, "principalID")
	if err := a.auth.SetStatus(r.Context(), id, status); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "principal.status_changed", map[string]any{
		"target_id": id,
		"status":    string(status),
	})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}
