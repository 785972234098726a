package domain

import "time"

// Importance mirrors the mail client importance header.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// Email is a single ingested message. Emails are immutable once stored;
// everything downstream (phase results, chains, tasks) references them by ID.
type Email struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"message_id"` // RFC 5322 Message-ID, unique per store
	ConversationID string     `json:"conversation_id,omitempty"`
	SenderEmail    string     `json:"sender_email"`
	SenderName     string     `json:"sender_name,omitempty"`
	Recipients     []string   `json:"recipients"`
	Subject        string     `json:"subject"`
	BodyText       string     `json:"body_text"`
	ReceivedAt     time.Time  `json:"received_at"` // UTC
	HasAttachments bool       `json:"has_attachments"`
	Importance     Importance `json:"importance"`
}

// Validate reports whether the email carries the fields the pipeline
// cannot work without. Failing emails are recorded and never retried.
func (e Email) Validate() error {
	switch {
	case e.MessageID == "":
		return ErrMissingMessageID
	case e.SenderEmail == "":
		return ErrMissingSender
	case e.ReceivedAt.IsZero():
		return ErrMissingReceivedAt
	}
	return nil
}
