package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/confab/pkg/channel"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/exchange"
	"github.com/go-go-golems/confab/pkg/provider"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/streaming"
)

const defaultSaveTimeout = 30 * time.Second

// Session owns one conversation and the exchange in flight for it.
//
// Every mutation of the conversation happens under mu, so fragments, settle
// events and user actions for the same conversation never interleave. At most
// one exchange is pending at a time.
type Session struct {
	store       store.Store
	notifier    events.Notifier
	observer    Observer
	mux         *channel.Multiplexer
	saveTimeout time.Duration

	mu           sync.Mutex
	conv         *conversation.Conversation
	localKey     string
	state        State
	pending      *exchange.Pending
	assistantIdx int
	handle       *ExecutionHandle
	lastOutcome  Outcome
	detached     bool
	discarded    bool
	saveErr      error

	// saveMu serializes saves so that the id assigned by the first one is
	// used by every later one.
	saveMu sync.Mutex
	saves  *sync.WaitGroup
}

var _ channel.Sink = (*Session)(nil)

type Option func(*Session)

func WithStore(s store.Store) Option {
	return func(sess *Session) {
		sess.store = s
	}
}

func WithNotifier(n events.Notifier) Option {
	return func(sess *Session) {
		sess.notifier = n
	}
}

func WithObserver(o Observer) Option {
	return func(sess *Session) {
		sess.observer = o
	}
}

func WithMultiplexer(m *channel.Multiplexer) Option {
	return func(sess *Session) {
		sess.mux = m
	}
}

func WithSaveTimeout(d time.Duration) Option {
	return func(sess *Session) {
		sess.saveTimeout = d
	}
}

// withSaveGroup lets a manager wait for the saves of all its sessions.
func withSaveGroup(wg *sync.WaitGroup) Option {
	return func(sess *Session) {
		sess.saves = wg
	}
}

func NewSession(c *conversation.Conversation, options ...Option) *Session {
	if c == nil {
		c = conversation.New(conversation.Settings{})
	}
	ret := &Session{
		notifier:     events.NopNotifier,
		observer:     nopObserver{},
		saveTimeout:  defaultSaveTimeout,
		conv:         c,
		localKey:     "local-" + uuid.NewString(),
		assistantIdx: -1,
		saves:        &sync.WaitGroup{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Key is the routing key of the conversation: its id once persisted, a
// session-local key before.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyLocked()
}

func (s *Session) keyLocked() string {
	if s.conv.ID != "" {
		return s.conv.ID
	}
	return s.localKey
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastOutcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Conversation returns a copy of the conversation.
func (s *Session) Conversation() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// selectTransport decides how the reply of the next exchange is received.
func selectTransport(p provider.Provider, streamingEnabled bool, mux *channel.Multiplexer) exchange.Kind {
	if !streamingEnabled {
		return exchange.KindNone
	}
	if _, ok := p.(provider.Streamer); ok {
		return exchange.KindStream
	}
	if _, ok := p.(provider.ChannelDispatcher); ok && mux != nil && mux.Connected() {
		return exchange.KindChannel
	}
	return exchange.KindNone
}

// Submit appends the user message for text and starts an exchange with p.
// The reply is received in the background; use the returned handle to wait
// for it or cancel it.
func (s *Session) Submit(ctx context.Context, p provider.Provider, text string, streamingEnabled bool) (*ExecutionHandle, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrExchangeInProgress
	}

	kind := selectTransport(p, streamingEnabled, s.mux)
	tok := exchange.NewToken(ctx)
	key := s.keyLocked()

	if kind == exchange.KindChannel {
		if err := s.mux.Register(key, tok, s); err != nil {
			tok.Release()
			s.mu.Unlock()
			return nil, errors.Wrap(err, "could not register exchange")
		}
	}

	req := provider.NewRequest(s.conv, text, kind != exchange.KindNone)
	s.conv.Append(conversation.NewUserMessage(text))

	pending := exchange.NewPending(key, kind, tok)
	handle := newExecutionHandle(key, tok, kind, func() error {
		return s.cancel(tok)
	})

	s.pending = pending
	s.assistantIdx = -1
	s.handle = handle
	s.state = StateSending
	s.mu.Unlock()

	log.Debug().
		Str("conversation_id", key).
		Str("exchange_id", tok.ID()).
		Str("provider", p.ID()).
		Str("transport", string(kind)).
		Msg("Starting exchange")

	go s.run(p, req, pending)

	return handle, nil
}

func (s *Session) run(p provider.Provider, req provider.Request, pending *exchange.Pending) {
	tok := pending.Token
	ctx := tok.Context()

	var err error
	switch pending.Kind {
	case exchange.KindStream:
		err = s.runStream(ctx, p, req, tok)
		if err == nil {
			s.succeed(tok)
			return
		}
	case exchange.KindChannel:
		// the reply settles the exchange through OnEnd or OnError
		err = p.(provider.ChannelDispatcher).Dispatch(ctx, pending.ConversationKey, req)
		if err == nil {
			return
		}
	default:
		var text string
		text, err = p.Complete(ctx, req)
		if err == nil {
			s.complete(tok, text)
			return
		}
	}

	switch {
	case errors.Is(err, exchange.ErrCancelled), errors.Is(err, exchange.ErrReleased):
		// already settled
	case ctx.Err() != nil:
		// the caller's context went away; a no-op once settled
		_ = s.cancel(tok)
	default:
		s.fail(tok, err)
	}
}

func (s *Session) runStream(ctx context.Context, p provider.Provider, req provider.Request, tok *exchange.Token) error {
	body, err := p.(provider.Streamer).Stream(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	return streaming.Process(ctx, body, tok, func(rec streaming.Record) error {
		if rec.IsError() {
			return &provider.ProviderError{Provider: p.ID(), Message: rec.Text}
		}
		s.OnChunk(tok, rec.Text)
		return nil
	})
}

// current reports whether tok belongs to the pending exchange and may still
// mutate the conversation. Callers hold mu.
func (s *Session) current(tok *exchange.Token) bool {
	return s.pending != nil && s.pending.Token == tok && tok.Active()
}

// OnChunk applies one fragment: the first creates the assistant message, the
// following ones extend it.
func (s *Session) OnChunk(tok *exchange.Token, chunk string) {
	s.mu.Lock()
	if !s.current(tok) {
		s.mu.Unlock()
		log.Trace().Str("exchange_id", tok.ID()).Msg("Discarding fragment for settled exchange")
		return
	}
	if s.pending.Append(chunk) {
		s.assistantIdx = s.conv.Append(conversation.NewAssistantMessage(chunk))
	} else {
		s.conv.AppendToMessage(s.assistantIdx, chunk)
	}
	s.state = StateStreaming
	key := s.pending.ConversationKey
	s.mu.Unlock()

	s.observer.OnFragment(key, chunk)
}

func (s *Session) OnEnd(tok *exchange.Token) {
	s.succeed(tok)
}

func (s *Session) OnError(tok *exchange.Token, message string) {
	s.mu.Lock()
	providerID := s.conv.Settings.ProviderID
	s.mu.Unlock()
	s.fail(tok, &provider.ProviderError{Provider: providerID, Message: message})
}

// complete settles a non-streaming exchange with its full reply.
func (s *Session) complete(tok *exchange.Token, text string) {
	s.mu.Lock()
	if !s.current(tok) {
		s.mu.Unlock()
		return
	}
	s.assistantIdx = s.conv.Append(conversation.NewAssistantMessage(text))
	s.succeedLocked(tok)
}

func (s *Session) succeed(tok *exchange.Token) {
	s.mu.Lock()
	if !s.current(tok) {
		s.mu.Unlock()
		return
	}
	s.succeedLocked(tok)
}

// succeedLocked settles tok as a success. Callers hold mu; it is released
// before observers run.
func (s *Session) succeedLocked(tok *exchange.Token) {
	if s.assistantIdx < 0 {
		s.conv.Append(conversation.NewAssistantMessage(""))
	}
	key, handle := s.settleLocked(OutcomeSuccess)
	s.mu.Unlock()

	log.Debug().Str("conversation_id", key).Str("exchange_id", tok.ID()).Msg("Exchange completed")
	s.saveAsync()
	s.observer.OnSettled(key, OutcomeSuccess, nil)
	handle.setResult(OutcomeSuccess, nil)
}

func (s *Session) fail(tok *exchange.Token, err error) {
	s.mu.Lock()
	if !s.current(tok) {
		s.mu.Unlock()
		return
	}
	s.conv.Append(conversation.NewErrorMessage("Error: " + provider.UserMessage(err)))
	key, handle := s.settleLocked(OutcomeFailed)
	s.mu.Unlock()

	log.Warn().Err(err).Str("conversation_id", key).Str("exchange_id", tok.ID()).Msg("Exchange failed")
	s.notifier.Notify(context.Background(), events.Error(events.KindExchangeFailed, key, err))
	s.observer.OnSettled(key, OutcomeFailed, err)
	handle.setResult(OutcomeFailed, err)
}

// Cancel stops the pending exchange and records the cancellation in the
// transcript.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return ErrNoActiveExchange
	}
	tok := s.pending.Token
	s.mu.Unlock()
	return s.cancel(tok)
}

func (s *Session) cancel(tok *exchange.Token) error {
	s.mu.Lock()
	if !s.current(tok) {
		s.mu.Unlock()
		return ErrNoActiveExchange
	}
	tok.Cancel()
	s.conv.Append(conversation.NewErrorMessage(exchange.ErrCancelled.Error()))
	key, handle := s.settleLocked(OutcomeCancelled)
	s.mu.Unlock()

	log.Debug().Str("conversation_id", key).Str("exchange_id", tok.ID()).Msg("Exchange cancelled")
	s.notifier.Notify(context.Background(), events.Info(events.KindExchangeCancelled, key, exchange.ErrCancelled.Error()))
	s.observer.OnSettled(key, OutcomeCancelled, exchange.ErrCancelled)
	handle.setResult(OutcomeCancelled, exchange.ErrCancelled)
	return nil
}

// settleLocked ends the pending exchange with outcome and returns to Idle.
// Callers hold mu.
func (s *Session) settleLocked(outcome Outcome) (string, *ExecutionHandle) {
	p := s.pending
	if p.Kind == exchange.KindChannel && s.mux != nil {
		s.mux.Unregister(p.ConversationKey, p.Token)
	}
	p.Token.Release()

	s.lastOutcome = outcome
	s.pending = nil
	s.assistantIdx = -1
	s.state = StateIdle
	return p.ConversationKey, s.handle
}

// Wait blocks until the latest exchange settles.
func (s *Session) Wait() (Outcome, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return OutcomeNone, nil
	}
	return h.Wait()
}

// Save upserts the conversation and records the id assigned on the first save.
// The in-memory conversation is kept whatever the outcome.
func (s *Session) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		log.Debug().Str("conversation_id", s.conv.ID).Msg("Skipping save of discarded conversation")
		return nil
	}
	c := s.conv.Clone()
	s.mu.Unlock()

	id, err := s.store.Save(ctx, c)

	s.mu.Lock()
	s.saveErr = err
	if err == nil && s.conv.ID == "" {
		s.conv.ID = id
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("conversation_id", c.ID).Msg("Could not save conversation")
		s.notifier.Notify(ctx, events.Error(events.KindPersistenceFailed, c.ID, err))
		return err
	}
	log.Debug().Str("conversation_id", id).Int("messages", len(c.Messages)).Msg("Saved conversation")
	return nil
}

func (s *Session) saveAsync() {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if s.store == nil || detached {
		return
	}

	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		_ = s.Save(ctx)
	}()
}

// Flush waits for background saves and returns the error of the last save.
func (s *Session) Flush() error {
	s.saves.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

// detach cancels any pending exchange and stops further background saves.
// Saves already queued still run.
func (s *Session) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	_ = s.Cancel()
}

// discard detaches the session and drops its queued saves, so a deleted
// conversation is not written back. It returns once a save already talking
// to the store has finished.
func (s *Session) discard() {
	s.mu.Lock()
	s.discarded = true
	s.mu.Unlock()
	s.detach()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
}

func (s *Session) SetSelection(sel conversation.Selection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Settings.ProviderID = sel.ProviderID
	s.conv.Settings.ModelID = sel.ModelID
	s.conv.UpdatedAt = time.Now()
	return s.conv.IsPersisted()
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Title = title
	s.conv.UpdatedAt = time.Now()
}

func (s *Session) AddAttachment(att conversation.Attachment) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Attachments = append(s.conv.Attachments, att)
	return len(s.conv.Attachments) - 1
}

func (s *Session) RemoveAttachment(index int) (conversation.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conv.Attachments) {
		return conversation.Attachment{}, errors.Wrapf(ErrAttachmentIndex, "%d of %d", index, len(s.conv.Attachments))
	}
	removed := s.conv.Attachments[index]
	s.conv.Attachments = append(s.conv.Attachments[:index:index], s.conv.Attachments[index+1:]...)
	return removed, nil
}

// Clear empties the transcript. It is refused while an exchange is pending.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return ErrExchangeInProgress
	}
	s.conv.Clear()
	return nil
}
