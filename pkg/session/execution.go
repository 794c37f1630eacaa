package session

import (
	"sync"

	"github.com/go-go-golems/confab/pkg/exchange"
)

// ExecutionHandle represents a single in-flight exchange.
//
// It is cancelable and waitable. Settling happens exactly once, whichever of
// completion, failure or cancellation comes first.
type ExecutionHandle struct {
	ConversationKey string
	ExchangeID      string
	Kind            exchange.Kind

	done chan struct{}

	mu      sync.Mutex
	cancel  func() error
	outcome Outcome
	err     error
}

func newExecutionHandle(key string, tok *exchange.Token, kind exchange.Kind, cancel func() error) *ExecutionHandle {
	return &ExecutionHandle{
		ConversationKey: key,
		ExchangeID:      tok.ID(),
		Kind:            kind,
		done:            make(chan struct{}),
		cancel:          cancel,
	}
}

func (h *ExecutionHandle) setResult(outcome Outcome, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.outcome = outcome
	h.err = err
	h.cancel = nil
	close(h.done)
}

// Cancel cancels the exchange. It is safe to call multiple times.
func (h *ExecutionHandle) Cancel() error {
	if h == nil {
		return ErrExecutionHandleNil
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		return ErrNoActiveExchange
	}
	return cancel()
}

// Wait blocks until the exchange settles and returns how it ended. The error is
// nil on success, exchange.ErrCancelled on cancellation and the cause of a
// failure otherwise.
func (h *ExecutionHandle) Wait() (Outcome, error) {
	if h == nil {
		return OutcomeNone, ErrExecutionHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ExecutionHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
