package channel

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/confab/pkg/exchange"
	"github.com/pkg/errors"
)

type EnvelopeType string

const (
	// TypeStream carries one chunk of assistant text.
	TypeStream EnvelopeType = "stream"
	// TypeStreamEnd settles the exchange successfully.
	TypeStreamEnd EnvelopeType = "stream_end"
	// TypeStreamError settles the exchange as failed; Chunk holds the error text.
	TypeStreamError EnvelopeType = "stream_error"
	// TypeQuery is sent by the client to start an exchange.
	TypeQuery EnvelopeType = "query"
)

var (
	ErrNotConnected        = errors.New("channel is not connected")
	ErrAlreadyRegistered   = errors.New("conversation already has an active registration")
	ErrMalformedEnvelope   = errors.New("malformed channel envelope")
	ErrMissingDialer       = errors.New("channel has no dialer")
	ErrEmptyConversationID = errors.New("envelope has no conversation id")
)

// Envelope is one message on the shared channel.
type Envelope struct {
	Type           EnvelopeType    `json:"type"`
	ConversationID string          `json:"conversationId"`
	Chunk          string          `json:"chunk,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
}

func (e Envelope) isInbound() bool {
	switch e.Type {
	case TypeStream, TypeStreamEnd, TypeStreamError:
		return true
	default:
		return false
	}
}

// Sink receives the routed envelopes of one exchange. The token passed back is the
// one the sink was registered with.
type Sink interface {
	OnChunk(tok *exchange.Token, chunk string)
	OnEnd(tok *exchange.Token)
	OnError(tok *exchange.Token, message string)
}

// Conn is a connected duplex transport carrying envelopes.
//
// ReadEnvelope blocks until an envelope arrives. It returns an error wrapping
// ErrMalformedEnvelope for a frame that could not be decoded; the connection stays
// usable in that case. Any other error means the connection is gone.
type Conn interface {
	ReadEnvelope(ctx context.Context) (Envelope, error)
	WriteEnvelope(ctx context.Context, env Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
