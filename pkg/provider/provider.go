package provider

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/pkg/errors"
)

// Request is one query sent to a provider. The JSON names are the ones the chat
// backend expects.
type Request struct {
	Question    string                    `json:"question"`
	ModelID     string                    `json:"model_name"`
	ProviderID  string                    `json:"provider"`
	Temperature float64                   `json:"temperature"`
	MaxTokens   int                       `json:"max_tokens,omitempty"`
	Stream      bool                      `json:"stream"`
	History     []conversation.Message    `json:"history,omitempty"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// NewRequest builds the query for question against the conversation c. History
// is the transcript without synthetic error entries.
func NewRequest(c *conversation.Conversation, question string, stream bool) Request {
	return Request{
		Question:    question,
		ModelID:     c.Settings.ModelID,
		ProviderID:  c.Settings.ProviderID,
		Temperature: c.Settings.Temperature,
		MaxTokens:   c.Settings.MaxTokens,
		Stream:      stream,
		History:     c.ProviderHistory(),
		Attachments: c.Attachments,
	}
}

// Completer returns a complete reply in one call. Every provider implements it.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Streamer returns the reply as a newline-delimited JSON body of
// {"response": ...} and {"error": ...} records. The caller closes the body.
type Streamer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// ChannelDispatcher starts an exchange whose reply arrives as envelopes on the
// shared channel, routed by conversationID.
type ChannelDispatcher interface {
	Dispatch(ctx context.Context, conversationID string, req Request) error
}

type Provider interface {
	Completer
	ID() string
}

// Registry maps provider ids to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	ret := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		ret.Register(p)
	}
	return ret
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "%q", id)
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
