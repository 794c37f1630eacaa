package session

import "github.com/pkg/errors"

var (
	ErrExchangeInProgress = errors.New("conversation already has an active exchange")
	ErrNoActiveExchange   = errors.New("conversation has no active exchange")
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrEmptyTitle         = errors.New("title is empty")
	ErrAttachmentIndex    = errors.New("attachment index out of range")
	ErrExecutionHandleNil = errors.New("execution handle is nil")
)

// State is where a session is in the submit-to-settle cycle. Settling returns
// the session to Idle at once; how it settled is its Outcome.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Observer is told about fragments and settled exchanges, outside of any
// session lock and in the order they were applied.
type Observer interface {
	OnFragment(conversationKey string, text string)
	OnSettled(conversationKey string, outcome Outcome, err error)
}

type nopObserver struct{}

func (nopObserver) OnFragment(string, string) {}
func (nopObserver) OnSettled(string, Outcome, error) {}
