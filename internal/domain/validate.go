package domain

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 10000
)

// NormalizeBulletin trims free text, normalizes the severity and drops blank
// tips and images, then validates the result.
func NormalizeBulletin(b *Bulletin) error {
	verr := &ValidationError{}

	b.Title = strings.TrimSpace(b.Title)
	b.Description = strings.TrimSpace(b.Description)
	b.TargetInstitutionID = strings.TrimSpace(b.TargetInstitutionID)
	b.EndDate = strings.TrimSpace(b.EndDate)
	b.Tips = compact(b.Tips)
	b.Images = compact(b.Images)

	checkText(verr, "title", b.Title, maxTitleLen)
	checkText(verr, "description", b.Description, maxDescriptionLen)

	if sev, ok := ParseSeverity(string(b.Severity)); ok {
		b.Severity = sev
	} else {
		verr.add("severity", "must be one of urgent, eleve, normal")
	}

	if b.EndDate == "" {
		verr.add("endDate", "is required")
	} else if _, ok := ParseEndDate(b.EndDate); !ok {
		verr.add("endDate", "must be an ISO-8601 date or date-time")
	}

	return verr.orNil()
}

// NormalizeEvent trims free text and drops blank images, then validates.
func NormalizeEvent(e *Event) error {
	verr := &ValidationError{}

	e.Title = strings.TrimSpace(e.Title)
	e.Description = strings.TrimSpace(e.Description)
	e.Images = compact(e.Images)

	checkText(verr, "title", e.Title, maxTitleLen)
	checkText(verr, "description", e.Description, maxDescriptionLen)

	for i := range e.Links {
		l := &e.Links[i]
		l.Title = strings.TrimSpace(l.Title)
		l.URL = strings.TrimSpace(l.URL)
		field := fmt.Sprintf("links[%d]", i)
		if l.Title == "" {
			verr.add(field, "title is required")
			continue
		}
		if !validURL(l.URL) {
			verr.add(field, "url must be an absolute http(s) URL")
		}
	}

	return verr.orNil()
}

func checkText(verr *ValidationError, field, v string, limit int) {
	switch {
	case v == "":
		verr.add(field, "is required")
	case utf8.RuneCountInString(v) > limit:
		verr.add(field, fmt.Sprintf("must be at most %d characters", limit))
	}
}

func compact(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
