package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerdesk.org/internal/auth"
)

// The handlers below only confirm what the gate let through. Business data
// behind these routes is served elsewhere.

type accessView struct {
	Resource   string    `json:"resource"`
	ID         string    `json:"id"`
	ViewerID   string    `json:"viewer_id"`
	ViewerRole auth.Role `json:"viewer_role"`
	AsOf       time.Time `json:"as_of"`
}

func (a *API) handlePartnerSummary(w http.ResponseWriter, r *http.Request) {
	a.writeAccess(w, r, "partner_summary", chi.URLParam(r, "partnerID"))
}

func (a *API) handlePayroll(w http.ResponseWriter, r *http.Request) {
	a.writeAccess(w, r, "payroll", chi.URLParam(r, "principalID"))
}

func (a *API) writeAccess(w http.ResponseWriter, r *http.Request, resource, id string) {
	viewer, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, accessView{
		Resource:   resource,
		ID:         id,
		ViewerID:   viewer.PrincipalID,
		ViewerRole: viewer.Role,
		AsOf:       a.now().UTC(),
	})
}
