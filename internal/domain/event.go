package domain

import "time"

// Link is a titled URL attached to an event.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Event is an informational, non-expiring announcement.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Images      []string  `json:"images,omitempty"`
	Links       []Link    `json:"links,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SortEvents orders events newest first.
func SortEvents(events []Event) {
	sortNewestFirst(events, func(e Event) (time.Time, string) { return e.CreatedAt, e.ID })
}
