package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleError marks synthetic transcript entries: provider failures and cancellations.
	RoleError Role = "error"
)

// Message is a single transcript entry.
type Message struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

type MessageOption func(*Message)

func WithTime(time time.Time) MessageOption {
	return func(message *Message) {
		message.Timestamp = time
	}
}

func WithID(id string) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func NewMessage(role Role, content string, options ...MessageOption) Message {
	ret := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		option(&ret)
	}
	return ret
}

func NewUserMessage(text string, options ...MessageOption) Message {
	return NewMessage(RoleUser, text, options...)
}

func NewAssistantMessage(text string, options ...MessageOption) Message {
	return NewMessage(RoleAssistant, text, options...)
}

func NewErrorMessage(text string, options ...MessageOption) Message {
	return NewMessage(RoleError, text, options...)
}

func (m Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}
