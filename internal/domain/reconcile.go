package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// SeenSet holds the identifiers of posts acknowledged on this device.
type SeenSet map[string]struct{}

// NewSeenSet builds a set from ids.
func NewSeenSet(ids ...string) SeenSet {
	s := make(SeenSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s SeenSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// With returns a copy of s that also contains id.
func (s SeenSet) With(id string) SeenSet {
	out := make(SeenSet, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

// IDs returns the identifiers in ascending order.
func (s SeenSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes the set as a sorted array.
func (s SeenSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

// UnmarshalJSON decodes an array of identifiers.
func (s *SeenSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewSeenSet(ids...)
	return nil
}

// VisibleAsNew is the new-content visibility rule: a targeted bulletin is
// visible only to the viewer whose UID equals the target; everything else is
// visible to everyone.
func VisibleAsNew(p Post, viewer *AppUser) bool {
	target := p.TargetInstitutionID()
	if target == "" {
		return true
	}
	return viewer != nil && viewer.UID == target
}

// NewPosts merges bulletins and events into the ordered list of posts viewer
// has not acknowledged and may see. Posts without an ID, already seen, expired
// at now, or repeating an earlier ID are dropped. The result is sorted newest
// first with unresolved (zero) timestamps last.
func NewPosts(bulletins []Bulletin, events []Event, seen SeenSet, viewer *AppUser, now time.Time) []Post {
	candidates := make([]Post, 0, len(bulletins)+len(events))
	for _, b := range bulletins {
		candidates = append(candidates, BulletinPost(b))
	}
	for _, e := range events {
		candidates = append(candidates, EventPost(e))
	}

	out := make([]Post, 0, len(candidates))
	taken := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		id := p.ID()
		if id == "" || seen.Has(id) {
			continue
		}
		if !VisibleAsNew(p, viewer) {
			continue
		}
		if p.Bulletin != nil && p.Bulletin.Expired(now) {
			continue
		}
		if _, dup := taken[id]; dup {
			continue
		}
		taken[id] = struct{}{}
		out = append(out, p)
	}

	sortNewestFirst(out, func(p Post) (time.Time, string) { return p.CreatedAt(), p.ID() })
	return out
}
