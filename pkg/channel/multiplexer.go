package channel

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/confab/pkg/exchange"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReconnectPolicy configures redialing after the connection dropped. MaxRetries
// of 0 retries forever.
type ReconnectPolicy struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries:    10,
		BackoffBase:   500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxBackoff:    30 * time.Second,
	}
}

// Backoff returns the delay before the given (zero-based) retry attempt.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.BackoffBase) * math.Pow(factor, float64(attempt)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

type registration struct {
	token *exchange.Token
	sink  Sink
}

// Multiplexer owns the one shared channel connection of the process and routes
// inbound envelopes to the exchange registered for their conversation.
type Multiplexer struct {
	dialer    Dialer
	reconnect *ReconnectPolicy
	onState   func(connected bool)

	mu        sync.RWMutex
	routes    map[string]registration
	conn      Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
	dropped atomic.Int64
}

type MultiplexerOption func(*Multiplexer)

// WithReconnect makes the multiplexer redial with capped exponential backoff
// after the connection is lost. Without it a lost connection stays down until
// Connect is called again.
func WithReconnect(policy ReconnectPolicy) MultiplexerOption {
	return func(m *Multiplexer) {
		m.reconnect = &policy
	}
}

// WithStateListener registers a callback invoked on every connected/disconnected
// transition.
func WithStateListener(f func(connected bool)) MultiplexerOption {
	return func(m *Multiplexer) {
		m.onState = f
	}
}

func NewMultiplexer(dialer Dialer, options ...MultiplexerOption) *Multiplexer {
	ret := &Multiplexer{
		dialer: dialer,
		routes: map[string]registration{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Connect dials the channel and starts reading from it. Connecting an already
// connected multiplexer is a no-op.
func (m *Multiplexer) Connect(ctx context.Context) error {
	if m.dialer == nil {
		return ErrMissingDialer
	}

	m.mu.Lock()
	// a running read loop is either connected or redialing
	if m.connected || m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "could not connect channel")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if m.connected || m.cancel != nil {
		// lost a race against a concurrent Connect
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.connected = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	log.Debug().Msg("Channel connected")
	m.notifyState(true)

	go m.readLoop(loopCtx, conn, done)
	return nil
}

// Disconnect closes the connection and stops any pending reconnection.
func (m *Multiplexer) Disconnect() error {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	wasConnected := m.connected
	m.cancel = nil
	m.done = nil
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	m.failRoutes("channel disconnected")

	if wasConnected {
		log.Debug().Msg("Channel disconnected")
		m.notifyState(false)
	}
	return errors.Wrap(err, "could not close channel")
}

func (m *Multiplexer) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Dropped returns how many inbound envelopes were discarded.
func (m *Multiplexer) Dropped() int64 {
	return m.dropped.Load()
}

// Register routes envelopes for conversationID to sink until Unregister is called
// with the same token. A registration whose token is no longer active is replaced.
func (m *Multiplexer) Register(conversationID string, tok *exchange.Token, sink Sink) error {
	if conversationID == "" {
		return ErrEmptyConversationID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.routes[conversationID]; ok && existing.token.Active() && existing.token != tok {
		return ErrAlreadyRegistered
	}
	m.routes[conversationID] = registration{token: tok, sink: sink}
	log.Debug().Str("conversation_id", conversationID).Str("token", tok.ID()).Msg("Registered channel exchange")
	return nil
}

// Unregister removes the registration of conversationID if it belongs to tok.
func (m *Multiplexer) Unregister(conversationID string, tok *exchange.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.routes[conversationID]
	if !ok || existing.token != tok {
		return
	}
	delete(m.routes, conversationID)
	log.Debug().Str("conversation_id", conversationID).Str("token", tok.ID()).Msg("Unregistered channel exchange")
}

// Dispatch routes one inbound envelope and reports whether it was delivered.
func (m *Multiplexer) Dispatch(env Envelope) bool {
	if !env.isInbound() {
		m.drop(env, "unrecognized type")
		return false
	}

	m.mu.RLock()
	reg, ok := m.routes[env.ConversationID]
	m.mu.RUnlock()
	if !ok {
		m.drop(env, "no registration")
		return false
	}
	if !reg.token.Active() {
		m.drop(env, "exchange no longer active")
		return false
	}

	switch env.Type {
	case TypeStream:
		reg.sink.OnChunk(reg.token, env.Chunk)
	case TypeStreamEnd:
		m.Unregister(env.ConversationID, reg.token)
		reg.sink.OnEnd(reg.token)
	case TypeStreamError:
		m.Unregister(env.ConversationID, reg.token)
		reg.sink.OnError(reg.token, env.Chunk)
	}
	return true
}

// Send writes an outbound envelope on the shared connection.
func (m *Multiplexer) Send(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	conn, connected := m.conn, m.connected
	m.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteEnvelope(ctx, env); err != nil {
		return errors.Wrapf(err, "could not send %s envelope", env.Type)
	}
	return nil
}

func (m *Multiplexer) drop(env Envelope, reason string) {
	n := m.dropped.Add(1)
	log.Debug().
		Str("conversation_id", env.ConversationID).
		Str("type", string(env.Type)).
		Str("reason", reason).
		Int64("dropped", n).
		Msg("Discarding channel envelope")
}

func (m *Multiplexer) notifyState(connected bool) {
	if m.onState != nil {
		m.onState(connected)
	}
}

func (m *Multiplexer) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		env, err := conn.ReadEnvelope(ctx)
		if err == nil {
			m.Dispatch(env)
			continue
		}
		if errors.Is(err, ErrMalformedEnvelope) {
			m.dropped.Add(1)
			log.Debug().Err(err).Msg("Skipping malformed channel envelope")
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("Channel connection lost")
		_ = conn.Close()
		if m.reconnect == nil {
			m.markDisconnected(conn, done, true)
			return
		}
		if !m.markDisconnected(conn, done, false) {
			return
		}
		conn = m.redial(ctx, done)
		if conn == nil {
			m.finishLoop(done)
			return
		}
	}
}

// finishLoop forgets the read loop identified by done, unless Disconnect or a new
// Connect already replaced it.
func (m *Multiplexer) finishLoop(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != done {
		return
	}
	m.cancel()
	m.cancel = nil
	m.done = nil
}

// markDisconnected flips the state to disconnected if conn is still the current
// connection. It reports false if Disconnect already took over. With final set,
// the read loop is forgotten in the same step, so a following Connect dials anew.
func (m *Multiplexer) markDisconnected(conn Conn, done chan struct{}, final bool) bool {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.connected = false
	if final && m.done == done {
		m.cancel()
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()

	m.failRoutes("channel connection lost")
	m.notifyState(false)
	return true
}

// failRoutes settles every registered exchange as failed. Their remaining
// envelopes will not arrive on a new connection.
func (m *Multiplexer) failRoutes(reason string) {
	m.mu.Lock()
	routes := m.routes
	m.routes = map[string]registration{}
	m.mu.Unlock()

	for id, reg := range routes {
		if !reg.token.Active() {
			continue
		}
		log.Debug().Str("conversation_id", id).Str("reason", reason).Msg("Failing channel exchange")
		reg.sink.OnError(reg.token, reason)
	}
}

func (m *Multiplexer) redial(ctx context.Context, done chan struct{}) Conn {
	policy := *m.reconnect
	for attempt := 0; policy.MaxRetries == 0 || attempt < policy.MaxRetries; attempt++ {
		backoff := policy.Backoff(attempt)
		log.Debug().Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Reconnecting channel")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Channel reconnect failed")
			continue
		}

		m.mu.Lock()
		if m.done != done {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		m.conn = conn
		m.connected = true
		m.mu.Unlock()

		log.Info().Int("attempt", attempt+1).Msg("Channel reconnected")
		m.notifyState(true)
		return conn
	}

	log.Error().Int("max_retries", policy.MaxRetries).Msg("Giving up on channel reconnection")
	return nil
}
