package auth

import "time"

// Principal is an account that can authenticate against the API.
type Principal struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	DisplayName        string     `json:"display_name"`
	Role               Role       `json:"role"`
	PartnerID          string     `json:"partner_id,omitempty"`
	Status             Status     `json:"status"`
	FailedLogins       int        `json:"failed_logins"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
	MustChangePassword bool       `json:"must_change_password"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// lockActive reports whether the principal is locked out at now.
// A lock without an expiry is permanent until an administrator clears it.
func (p *Principal) lockActive(now time.Time) bool {
	if p.Status != StatusLocked {
		return false
	}
	return p.LockedUntil == nil || now.Before(*p.LockedUntil)
}

// Session binds an issued token pair to a principal. Token values are stored as
// SHA-256 digests, never in the clear.
type Session struct {
	ID               string
	PrincipalID      string
	AccessTokenHash  string
	RefreshTokenHash string
	OriginAddress    string
	UserAgent        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Revoked          bool
	RevokedAt        *time.Time
}

// FailureState is the outcome of recording a failed login.
type FailureState struct {
	FailedLogins int
	Status       Status
	LockedUntil  *time.Time
}

// NewPrincipal carries the fields an administrator supplies when provisioning an account.
type NewPrincipal struct {
	Username           string
	Email              string
	Password           string
	DisplayName        string
	Role               string
	PartnerID          string
	MustChangePassword bool
}
