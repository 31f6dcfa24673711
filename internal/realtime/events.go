package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event kinds relayed to room members.
const (
	EventKindEdit = "code-update"
	EventKindChat = "receive-message"
)

var (
	// ErrInvalidEvent reports an event that cannot be relayed.
	ErrInvalidEvent = errors.New("invalid realtime event")
	// ErrSessionNotFound reports an unknown or disconnected session.
	ErrSessionNotFound = errors.New("realtime session not found")
	// ErrSessionExists reports a duplicate session registration.
	ErrSessionExists = errors.New("realtime session already registered")
	// ErrInvalidSession reports a registration without a connection id.
	ErrInvalidSession = errors.New("invalid realtime session")
)

// EditPayload carries the full text of a live edit.
type EditPayload struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

// ChatPayload carries a chat message scoped to a document.
type ChatPayload struct {
	DocumentID string    `json:"documentId"`
	User       string    `json:"user"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is one of the relay's closed set of variants. Exactly one payload is set and it matches Kind.
type Event struct {
	Kind       string
	DocumentID string
	Edit       *EditPayload
	Chat       *ChatPayload
}

// NewEditEvent builds a validated edit event.
func NewEditEvent(documentID string, content string) (Event, error) {
	event := Event{
		Kind:       EventKindEdit,
		DocumentID: documentID,
		Edit:       &EditPayload{DocumentID: documentID, Content: content},
	}
	return event, event.Validate()
}

// NewChatEvent builds a validated chat event.
func NewChatEvent(documentID string, user string, text string, timestamp time.Time) (Event, error) {
	event := Event{
		Kind:       EventKindChat,
		DocumentID: documentID,
		Chat:       &ChatPayload{DocumentID: documentID, User: user, Text: text, Timestamp: timestamp.UTC()},
	}
	return event, event.Validate()
}

// Validate checks the event against its variant's invariants.
func (e Event) Validate() error {
	if strings.TrimSpace(e.DocumentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case EventKindEdit:
		if e.Edit == nil || e.Chat != nil {
			return fmt.Errorf("%w: edit event requires an edit payload", ErrInvalidEvent)
		}
		if e.Edit.DocumentID != e.DocumentID {
			return fmt.Errorf("%w: payload document mismatch", ErrInvalidEvent)
		}
	case EventKindChat:
		if e.Chat == nil || e.Edit != nil {
			return fmt.Errorf("%w: chat event requires a chat payload", ErrInvalidEvent)
		}
		if e.Chat.DocumentID != e.DocumentID {
			return fmt.Errorf("%w: payload document mismatch", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Chat.User) == "" {
			return fmt.Errorf("%w: chat user is required", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Chat.Text) == "" {
			return fmt.Errorf("%w: chat text is required", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Payload returns the variant payload for encoding.
func (e Event) Payload() any {
	if e.Edit != nil {
		return e.Edit
	}
	return e.Chat
}
