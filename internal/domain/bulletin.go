package domain

import (
	"strings"
	"time"
)

// Severity is the alert level of a bulletin.
type Severity string

const (
	SeverityUrgent   Severity = "urgent"
	SeverityElevated Severity = "eleve"
	SeverityNormal   Severity = "normal"
)

// ParseSeverity normalizes user input to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return SeverityUrgent, true
	case "eleve", "elevated", "élevé":
		return SeverityElevated, true
	case "normal":
		return SeverityNormal, true
	default:
		return "", false
	}
}

// Bulletin is a weather alert.
type Bulletin struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Severity            Severity  `json:"severity"`
	Images              []string  `json:"images,omitempty"`
	TargetInstitutionID string    `json:"targetInstitutionId,omitempty"`
	EndDate             string    `json:"endDate"`
	Tips                []string  `json:"tips,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Targeted reports whether the bulletin is restricted to one institution.
func (b Bulletin) Targeted() bool {
	return b.TargetInstitutionID != ""
}

// Expired reports whether the end date is at or before now.
func (b Bulletin) Expired(now time.Time) bool {
	end, ok := ParseEndDate(b.EndDate)
	if !ok {
		return false
	}
	return !end.After(now)
}

var endDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseEndDate parses an ISO-8601 date or date-time. Values without a zone are UTC.
func ParseEndDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range endDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CanView reports whether viewer may list b: general bulletins are public,
// targeted ones are limited to the target institution and administrators.
func (b Bulletin) CanView(viewer *AppUser) bool {
	if !b.Targeted() {
		return true
	}
	if viewer == nil {
		return false
	}
	return viewer.IsAdmin || viewer.UID == b.TargetInstitutionID
}

// FilterBulletins returns the bulletins viewer may list, optionally narrowed to
// one severity and to a case-insensitive search over title and description.
func FilterBulletins(bulletins []Bulletin, viewer *AppUser, severity Severity, query string) []Bulletin {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Bulletin, 0, len(bulletins))
	for _, b := range bulletins {
		if !b.CanView(viewer) {
			continue
		}
		if severity != "" && b.Severity != severity {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(b.Title), query) &&
			!strings.Contains(strings.ToLower(b.Description), query) {
			continue
		}
		out = append(out, b)
	}
	sortNewestFirst(out, func(b Bulletin) (time.Time, string) { return b.CreatedAt, b.ID })
	return out
}
