package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/confab/pkg/channel"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/preferences"
	"github.com/go-go-golems/confab/pkg/provider"
	"github.com/go-go-golems/confab/pkg/store"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// Manager is the entry point of a chat client: it owns the active session and
// the collaborators every session needs.
type Manager struct {
	registry *provider.Registry
	store    store.Store
	prefs    *preferences.Synchronizer
	mux      *channel.Multiplexer
	notifier events.Notifier
	observer Observer

	temperature float64
	maxTokens   int
	noStream    bool

	mu     sync.Mutex
	active *Session
	saves  sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithManagerMultiplexer(m *channel.Multiplexer) ManagerOption {
	return func(mgr *Manager) {
		mgr.mux = m
	}
}

func WithManagerNotifier(n events.Notifier) ManagerOption {
	return func(mgr *Manager) {
		mgr.notifier = n
	}
}

func WithManagerObserver(o Observer) ManagerOption {
	return func(mgr *Manager) {
		mgr.observer = o
	}
}

// WithGenerationDefaults sets the temperature and token limit of new
// conversations.
func WithGenerationDefaults(temperature float64, maxTokens int) ManagerOption {
	return func(mgr *Manager) {
		mgr.temperature = temperature
		mgr.maxTokens = maxTokens
	}
}

// WithoutStreaming runs every exchange as a single completion, whatever the
// streaming preference says.
func WithoutStreaming() ManagerOption {
	return func(mgr *Manager) {
		mgr.noStream = true
	}
}

func NewManager(registry *provider.Registry, st store.Store, prefs *preferences.Synchronizer, options ...ManagerOption) *Manager {
	ret := &Manager{
		registry:    registry,
		store:       st,
		prefs:       prefs,
		notifier:    events.NopNotifier,
		observer:    nopObserver{},
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range options {
		o(ret)
	}
	ret.active = ret.newSession(ret.newConversation())
	return ret
}

func (m *Manager) newConversation() *conversation.Conversation {
	p := m.prefs.Current()
	return conversation.New(conversation.Settings{
		ModelID:     p.Model,
		ProviderID:  p.Provider,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	})
}

func (m *Manager) newSession(c *conversation.Conversation) *Session {
	return NewSession(c,
		WithStore(m.store),
		WithNotifier(m.notifier),
		WithObserver(m.observer),
		WithMultiplexer(m.mux),
		withSaveGroup(&m.saves),
	)
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// replace swaps in a session for c unless the active session is busy.
func (m *Manager) replace(c *conversation.Conversation) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active.Busy() {
		return nil, ErrExchangeInProgress
	}
	m.active.detach()
	m.active = m.newSession(c)
	return m.active, nil
}

// Submit sends text to the provider of the active conversation.
func (m *Manager) Submit(ctx context.Context, text string) (*ExecutionHandle, error) {
	s := m.current()
	c := s.Conversation()
	p, err := m.registry.Get(c.Settings.ProviderID)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, p, text, m.prefs.Current().Streaming && !m.noStream)
}

func (m *Manager) Cancel() error {
	return m.current().Cancel()
}

// Wait blocks until the latest exchange of the active conversation settles.
func (m *Manager) Wait() (Outcome, error) {
	return m.current().Wait()
}

// Flush waits for background saves and preference pushes.
func (m *Manager) Flush() error {
	m.saves.Wait()
	return errors.Wrap(m.prefs.Flush(), "preferences")
}

// Active returns a copy of the active conversation.
func (m *Manager) Active() *conversation.Conversation {
	return m.current().Conversation()
}

// ActiveSession exposes the active session, e.g. to wait for its saves.
func (m *Manager) ActiveSession() *Session {
	return m.current()
}

// SelectProvider switches the provider and model of the active conversation.
// A persisted conversation is saved with the new selection.
func (m *Manager) SelectProvider(providerID string, modelID string) error {
	if _, err := m.registry.Get(providerID); err != nil {
		return err
	}
	if strings.TrimSpace(modelID) == "" {
		return errors.New("model must not be empty")
	}
	s := m.current()
	if s.SetSelection(conversation.Selection{ProviderID: providerID, ModelID: modelID}) {
		s.saveAsync()
	}
	log.Debug().Str("provider", providerID).Str("model", modelID).Msg("Selected provider")
	return nil
}

// NewConversation starts an empty conversation with the preferred provider.
func (m *Manager) NewConversation() (*conversation.Conversation, error) {
	s, err := m.replace(m.newConversation())
	if err != nil {
		return nil, err
	}
	return s.Conversation(), nil
}

func (m *Manager) LoadConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	if m.current().Busy() {
		return nil, ErrExchangeInProgress
	}
	c, err := m.store.Load(ctx, id)
	if err != nil {
		m.notifier.Notify(ctx, events.Error(events.KindPersistenceFailed, id, err))
		return nil, err
	}
	s, err := m.replace(c)
	if err != nil {
		return nil, err
	}
	return s.Conversation(), nil
}

func (m *Manager) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		m.notifier.Notify(ctx, events.Error(events.KindPersistenceFailed, "", err))
		return nil, err
	}
	return list, nil
}

// DeleteConversation deletes id from the store. Deleting the active
// conversation cancels its exchange, drops its unwritten saves and replaces
// it with a new one, even when the store then fails to delete it.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrEmptyID
	}

	m.mu.Lock()
	var old *Session
	if m.active.Conversation().ID == id {
		old = m.active
		m.active = m.newSession(m.newConversation())
	}
	m.mu.Unlock()
	if old != nil {
		old.discard()
	}

	if err := m.store.Delete(ctx, id); err != nil {
		m.notifier.Notify(ctx, events.Error(events.KindPersistenceFailed, id, err))
		return err
	}

	m.notifier.Notify(ctx, events.Success(events.KindConversationDelete, id, "conversation deleted"))
	return nil
}

// RenameConversation renames id. An empty id renames the active conversation
// in memory only.
func (m *Manager) RenameConversation(ctx context.Context, id string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	s := m.current()
	c := s.Conversation()
	if id == "" || c.ID == id {
		s.SetTitle(title)
		id = c.ID
	}
	if id == "" {
		return nil
	}
	if err := m.store.Rename(ctx, id, title); err != nil {
		m.notifier.Notify(ctx, events.Error(events.KindPersistenceFailed, id, err))
		return err
	}
	return nil
}

// ClearConversation empties the active transcript and saves it if persisted.
func (m *Manager) ClearConversation(ctx context.Context) error {
	s := m.current()
	if err := s.Clear(); err != nil {
		return err
	}
	if !s.Conversation().IsPersisted() {
		return nil
	}
	return s.Save(ctx)
}

func (m *Manager) AddAttachment(att conversation.Attachment) int {
	return m.current().AddAttachment(att)
}

func (m *Manager) RemoveAttachment(index int) (conversation.Attachment, error) {
	return m.current().RemoveAttachment(index)
}

func (m *Manager) ExportConversation() *conversation.Snapshot {
	return conversation.NewSnapshot(m.current().Conversation())
}

// ImportConversation makes a copy of the snapshot's conversation the active
// one. The copy has no id; it is persisted after its next exchange.
func (m *Manager) ImportConversation(ctx context.Context, snap *conversation.Snapshot) (*conversation.Conversation, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	c := snap.Conversation.Clone()
	c.ID = ""
	defaults := m.newConversation()
	if c.Title == "" {
		c.Title = conversation.DefaultTitle
	}
	if c.Settings.ModelID == "" {
		c.Settings.ModelID = defaults.Settings.ModelID
	}
	if c.Settings.ProviderID == "" {
		c.Settings.ProviderID = defaults.Settings.ProviderID
	}
	if snap.MissingTemperature() {
		c.Settings.Temperature = defaults.Settings.Temperature
	}
	if snap.MissingMaxTokens() {
		c.Settings.MaxTokens = defaults.Settings.MaxTokens
	}
	if c.Messages == nil {
		c.Messages = []conversation.Message{}
	}
	if c.Attachments == nil {
		c.Attachments = []conversation.Attachment{}
	}

	s, err := m.replace(c)
	if err != nil {
		return nil, err
	}
	m.notifier.Notify(ctx, events.Success(events.KindImported, "", "conversation imported"))
	return s.Conversation(), nil
}

func (m *Manager) Preferences() preferences.Preferences {
	return m.prefs.Current()
}

func (m *Manager) UpdatePreferences(ctx context.Context, patch preferences.Patch) (preferences.Preferences, error) {
	return m.prefs.Update(ctx, patch)
}

// Providers lists the registered provider ids.
func (m *Manager) Providers() []string {
	return m.registry.IDs()
}
