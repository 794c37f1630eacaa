package exchange

import "strings"

// Kind is the transport an exchange receives its reply over.
type Kind string

const (
	KindStream  Kind = "stream"
	KindChannel Kind = "channel"
	KindNone    Kind = "none"
)

// Pending is the in-flight part of an exchange: the accumulated assistant text of
// one submit-to-settle cycle.
//
// Pending does no locking of its own. It is owned by a session, which serializes
// every call under its own lock.
type Pending struct {
	// ConversationKey routes channel envelopes to this exchange.
	ConversationKey string
	Token           *Token
	Kind            Kind

	text      strings.Builder
	fragments int
}

func NewPending(conversationKey string, kind Kind, token *Token) *Pending {
	return &Pending{
		ConversationKey: conversationKey,
		Token:           token,
		Kind:            kind,
	}
}

// Append adds a fragment to the accumulated text and reports whether it was the
// first one of the exchange. The text is append-only.
func (p *Pending) Append(fragment string) bool {
	p.text.WriteString(fragment)
	p.fragments++
	return p.fragments == 1
}

func (p *Pending) Text() string {
	return p.text.String()
}

func (p *Pending) Fragments() int {
	return p.fragments
}
