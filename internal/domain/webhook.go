package domain

// WebhookRequest is the parsed body of a LINE webhook delivery.
type WebhookRequest struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is a single platform notification within a webhook delivery.
// Only message events carrying text are relayed; everything else is ignored.
type Event struct {
	Type       string       `json:"type"`
	ReplyToken string       `json:"replyToken"`
	Source     EventSource  `json:"source"`
	Message    EventMessage `json:"message"`
}

type EventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// IsTextMessage reports whether the event is a user text message the relay
// should answer.
func (e Event) IsTextMessage() bool {
	return e.Type == "message" && e.Message.Type == "text"
}

// SessionKey returns the stable per-user conversation key, combining the
// platform name with the sending user's id so one user maps to one history
// regardless of which process handles the request.
func (e Event) SessionKey() string {
	return "line:" + e.Source.UserID
}
