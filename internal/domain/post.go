package domain

import (
	"slices"
	"strings"
	"time"
)

// Kind discriminates the Post union.
type Kind string

const (
	KindBulletin Kind = "bulletin"
	KindEvent    Kind = "event"
)

// Post is either a bulletin or an event. Exactly one of the pointers is set.
type Post struct {
	Kind     Kind      `json:"type"`
	Bulletin *Bulletin `json:"bulletin,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

// BulletinPost tags b as a post.
func BulletinPost(b Bulletin) Post {
	return Post{Kind: KindBulletin, Bulletin: &b}
}

// EventPost tags e as a post.
func EventPost(e Event) Post {
	return Post{Kind: KindEvent, Event: &e}
}

func (p Post) ID() string {
	switch {
	case p.Bulletin != nil:
		return p.Bulletin.ID
	case p.Event != nil:
		return p.Event.ID
	}
	return ""
}

func (p Post) CreatedAt() time.Time {
	switch {
	case p.Bulletin != nil:
		return p.Bulletin.CreatedAt
	case p.Event != nil:
		return p.Event.CreatedAt
	}
	return time.Time{}
}

func (p Post) Title() string {
	switch {
	case p.Bulletin != nil:
		return p.Bulletin.Title
	case p.Event != nil:
		return p.Event.Title
	}
	return ""
}

func (p Post) Description() string {
	switch {
	case p.Bulletin != nil:
		return p.Bulletin.Description
	case p.Event != nil:
		return p.Event.Description
	}
	return ""
}

// TargetInstitutionID is empty for events and general bulletins.
func (p Post) TargetInstitutionID() string {
	if p.Bulletin != nil {
		return p.Bulletin.TargetInstitutionID
	}
	return ""
}

// sortNewestFirst orders items by descending timestamp. Zero timestamps are the
// oldest possible value; ties fall back to ascending ID so output is stable.
func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortStableFunc(items, func(a, b T) int {
		ta, ia := key(a)
		tb, ib := key(b)
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return strings.Compare(ia, ib)
	})
}

// Images are the image URLs attached to the post.
func (p Post) Images() []string {
	switch {
	case p.Bulletin != nil:
		return p.Bulletin.Images
	case p.Event != nil:
		return p.Event.Images
	}
	return nil
}
