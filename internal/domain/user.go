package domain

import "fmt"

// AppUser is the profile document stored for every signed-in account.
type AppUser struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName,omitempty"`
	PhotoURL      string `json:"photoURL,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
	IsInstitution bool   `json:"isInstitution"`
}

// InstitutionID is the user's own UID when the user is an institution.
func (u AppUser) InstitutionID() string {
	if u.IsInstitution {
		return u.UID
	}
	return ""
}

// CanPublish reports whether the user may publish bulletins and events.
func (u AppUser) CanPublish() bool {
	return u.IsAdmin || u.IsInstitution
}

// Role is a privilege a user can claim or be granted.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleInstitution Role = "institution"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleInstitution:
		return Role(s), nil
	}
	return "", &ValidationError{Fields: map[string]string{"role": fmt.Sprintf("unknown role %q", s)}}
}

// Field is the user document field holding the role flag.
func (r Role) Field() string {
	if r == RoleAdmin {
		return "isAdmin"
	}
	return "isInstitution"
}
