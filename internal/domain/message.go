package domain

import (
	"strings"
	"time"
)

const MaxMessageLen = 4000

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageReaction MessageType = "reaction"
	MessageSystem   MessageType = "system"
	MessageFile     MessageType = "file"
)

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ChatMessage is an entry of the session message log.
type ChatMessage struct {
	ID         string        `json:"id"`
	From       ParticipantID `json:"from"`
	Content    string        `json:"content,omitempty"`
	Type       MessageType   `json:"type"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	ReplyTo    string        `json:"reply_to,omitempty"`
	Room       RoomID        `json:"room,omitempty"`
	SentAt     time.Time     `json:"sent_at"`
}

// Validate requires either content or an attachment.
func (m ChatMessage) Validate() error {
	content := strings.TrimSpace(m.Content)
	if content == "" && m.Attachment == nil {
		return ErrEmptyMessage
	}
	if len(content) > MaxMessageLen {
		return ErrMessageTooLong
	}
	if m.Attachment != nil && strings.TrimSpace(m.Attachment.URL) == "" {
		return ErrEmptyMessage
	}
	return nil
}
