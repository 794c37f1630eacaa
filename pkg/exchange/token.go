package exchange

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrCancelled is reported for an exchange the user cancelled. It is not a failure.
	ErrCancelled = errors.New("request cancelled")
	// ErrReleased is reported when data arrives for an exchange that already settled.
	ErrReleased = errors.New("exchange already settled")
)

// Token is the cooperative cancellation handle of a single exchange.
//
// Cancelling a token does not interrupt in-flight I/O on its own. Readers of an
// exchange (the stream decoder loop, the channel multiplexer) consult Active before
// every mutation and stop delivering once it reports false.
type Token struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	released  atomic.Bool
}

// NewToken creates a token whose context derives from parent.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Token) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Context is cancelled as soon as the token is cancelled or released.
func (t *Token) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Cancel marks the token cancelled and stops the transport context. It reports
// whether this call performed the cancellation; cancelling twice, or cancelling a
// released token, is a no-op.
func (t *Token) Cancel() bool {
	if t == nil || t.released.Load() {
		return false
	}
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// Release ends the token's lifetime after its exchange settled.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.released.Store(true)
	t.cancel()
}

func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

func (t *Token) Released() bool {
	return t != nil && t.released.Load()
}

// Active reports whether mutations for this exchange are still allowed.
func (t *Token) Active() bool {
	return t != nil && !t.cancelled.Load() && !t.released.Load()
}

// Err returns ErrCancelled or ErrReleased once the token is no longer active.
func (t *Token) Err() error {
	switch {
	case t == nil:
		return ErrReleased
	case t.cancelled.Load():
		return ErrCancelled
	case t.released.Load():
		return ErrReleased
	default:
		return nil
	}
}
