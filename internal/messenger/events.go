package messenger

// Webhook envelope types for Graph API page subscriptions. Facebook batches
// events: one request can carry multiple entries, each with multiple
// messaging events.

type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

type MessagingEvent struct {
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"` // the page
	Timestamp int64       `json:"timestamp"`
	Message   *Message    `json:"message,omitempty"`
}

type Participant struct {
	ID string `json:"id"`
}

type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	URL string `json:"url"`
}

// FirstImageURL returns the URL of the first image attachment, or "" when the
// message carries none. Only the first image in a message is processed.
func (m *Message) FirstImageURL() string {
	if m == nil {
		return ""
	}
	for _, att := range m.Attachments {
		if att.Type == "image" && att.Payload.URL != "" {
			return att.Payload.URL
		}
	}
	return ""
}
