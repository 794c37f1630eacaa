package conversation

import (
	"time"

	"github.com/huandu/go-clone"
)

// DefaultTitle is given to conversations the user has not named.
const DefaultTitle = "New Conversation"

// Settings are the provider parameters a conversation is run with.
type Settings struct {
	ModelID     string  `json:"model" yaml:"model"`
	ProviderID  string  `json:"provider" yaml:"provider"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"maxTokens" yaml:"maxTokens"`
}

// Selection is the provider/model pair a conversation talks to.
type Selection struct {
	ProviderID string
	ModelID    string
}

func (s Settings) Selection() Selection {
	return Selection{ProviderID: s.ProviderID, ModelID: s.ModelID}
}

// Conversation is a titled transcript plus its attachments and settings.
//
// ID is empty until the store assigns one on the first save and never changes
// afterwards. Messages are kept in insertion order.
type Conversation struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Title       string       `json:"title" yaml:"title"`
	Messages    []Message    `json:"messages" yaml:"messages"`
	Attachments []Attachment `json:"attachments" yaml:"attachments"`
	Settings    Settings     `json:"settings" yaml:"settings"`
	CreatedAt   time.Time    `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

func New(settings Settings) *Conversation {
	now := time.Now()
	return &Conversation{
		Title:       DefaultTitle,
		Messages:    []Message{},
		Attachments: []Attachment{},
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Conversation)
}

func (c *Conversation) IsPersisted() bool {
	return c.ID != ""
}

// Append adds a message to the end of the transcript and returns its index.
func (c *Conversation) Append(msg Message) int {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	return len(c.Messages) - 1
}

// AppendToMessage extends the content of the message at idx.
func (c *Conversation) AppendToMessage(idx int, text string) {
	c.Messages[idx].Content += text
	c.UpdatedAt = time.Now()
}

// ProviderHistory returns the transcript as sent to a provider, without
// synthetic error entries.
func (c *Conversation) ProviderHistory() []Message {
	ret := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleError {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}

// CountRole returns how many messages have the given role.
func (c *Conversation) CountRole(role Role) int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

// Clear empties the transcript and attachments and resets the title.
func (c *Conversation) Clear() {
	c.Messages = []Message{}
	c.Attachments = []Attachment{}
	c.Title = DefaultTitle
	c.UpdatedAt = time.Now()
}

func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		UpdatedAt:    c.UpdatedAt,
	}
}

// Summary is the listing entry of a stored conversation.
type Summary struct {
	ID           string    `json:"id" yaml:"id"`
	Title        string    `json:"title" yaml:"title"`
	MessageCount int       `json:"messageCount" yaml:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}
