package domain

// GeneralTopic receives notifications for events and general bulletins.
const GeneralTopic = "newPosts"

// InstitutionTopic is the push topic of one institution.
func InstitutionTopic(uid string) string {
	return "institution_" + uid
}

// Notification is an outbound push request.
type Notification struct {
	Topic  string `json:"topic"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Kind   Kind   `json:"type"`
	PostID string `json:"postId"`
}

// NotificationFor addresses a notification for a freshly published post.
func NotificationFor(p Post) Notification {
	topic := GeneralTopic
	if target := p.TargetInstitutionID(); target != "" {
		topic = InstitutionTopic(target)
	}
	return Notification{
		Topic:  topic,
		Title:  p.Title(),
		Body:   p.Description(),
		Kind:   p.Kind,
		PostID: p.ID(),
	}
}
