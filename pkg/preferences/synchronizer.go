package preferences

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/confab/pkg/events"
)

// CacheKey is the key preferences are cached under in the local KV.
const CacheKey = "confabPreferences"

const defaultPushTimeout = 10 * time.Second

// ChangeFunc observes every change of preferences or effective theme.
type ChangeFunc func(p Preferences, effective Theme)

// Synchronizer keeps the in-memory preferences, the local cache and the remote
// copy in step. Local changes are visible at once; the remote is updated in
// the background.
type Synchronizer struct {
	kv          KV
	base        Preferences
	remote      Remote
	notifier    events.Notifier
	pushTimeout time.Duration

	mu          sync.RWMutex
	prefs       Preferences
	ambientDark bool
	observers   []ChangeFunc

	// cacheMu and pushMu serialize cache writes and pushes, so the cache and
	// the remote both end with the latest state.
	cacheMu sync.Mutex
	pushMu  sync.Mutex
	wg      sync.WaitGroup
	errMu   sync.Mutex
	pushErr error
}

type Option func(*Synchronizer)

func WithRemote(r Remote) Option {
	return func(s *Synchronizer) {
		s.remote = r
	}
}

// WithBase replaces Defaults as the starting point of Load.
func WithBase(p Preferences) Option {
	return func(s *Synchronizer) {
		s.base = p
		s.prefs = p
	}
}

func WithNotifier(n events.Notifier) Option {
	return func(s *Synchronizer) {
		s.notifier = n
	}
}

func WithPushTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.pushTimeout = d
	}
}

func WithAmbientDark(dark bool) Option {
	return func(s *Synchronizer) {
		s.ambientDark = dark
	}
}

func NewSynchronizer(kv KV, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		kv:          kv,
		notifier:    events.NopNotifier,
		pushTimeout: defaultPushTimeout,
		base:        Defaults(),
		prefs:       Defaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load merges the base, the local cache and the remote copy, in that order,
// and writes the result back to the cache. A failing remote is reported
// through the notifier and the local value is kept.
func (s *Synchronizer) Load(ctx context.Context) (Preferences, error) {
	merged := s.base

	local, err := s.readCache(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable preferences cache")
	} else {
		merged = merged.Apply(local)
	}

	if s.remote != nil {
		remote, err := s.remote.Fetch(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Could not fetch remote preferences, keeping local")
			s.notifier.Notify(ctx, events.Error(events.KindPreferencesFailed, "",
				errors.Wrap(err, "could not load preferences")))
		case remote.Validate() != nil:
			log.Warn().Err(remote.Validate()).Msg("Ignoring invalid remote preferences")
		default:
			merged = merged.Apply(remote)
		}
	}

	s.mutate(func(Preferences) Preferences {
		return merged
	})

	if err := s.writeCache(ctx); err != nil {
		return merged, err
	}
	return merged, nil
}

func (s *Synchronizer) Current() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

func (s *Synchronizer) EffectiveTheme() Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.EffectiveTheme(s.ambientDark)
}

// SetAmbientDark records the system-wide dark mode setting.
func (s *Synchronizer) SetAmbientDark(dark bool) {
	s.mu.Lock()
	s.ambientDark = dark
	p, theme, observers := s.prefs, s.prefs.EffectiveTheme(dark), s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(p, theme)
	}
}

func (s *Synchronizer) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Update applies patch in memory and to the local cache, then pushes the full
// preferences to the remote in the background. The returned error only
// concerns validation and the local cache; see Flush for the push.
func (s *Synchronizer) Update(ctx context.Context, patch Patch) (Preferences, error) {
	if err := patch.Validate(); err != nil {
		return s.Current(), err
	}

	updated := s.mutate(func(p Preferences) Preferences {
		return p.Apply(patch)
	})

	if err := s.writeCache(ctx); err != nil {
		return updated, err
	}

	if s.remote != nil {
		s.wg.Add(1)
		go s.push(context.WithoutCancel(ctx))
	}

	return updated, nil
}

// Flush waits for pending pushes and returns the error of the last one.
func (s *Synchronizer) Flush() error {
	s.wg.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.pushErr
}

func (s *Synchronizer) push(ctx context.Context) {
	defer s.wg.Done()

	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	p := s.Current()
	err := s.remote.Push(pushCtx, p)

	s.errMu.Lock()
	s.pushErr = err
	s.errMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Could not push preferences")
		s.notifier.Notify(ctx, events.Error(events.KindPreferencesFailed, "",
			errors.Wrap(err, "failed to save preferences")))
		return
	}
	log.Debug().Str("model", p.Model).Str("theme", string(p.Theme)).Msg("Pushed preferences")
}

// mutate replaces the preferences with fn's result and notifies observers
// outside the lock.
func (s *Synchronizer) mutate(fn func(Preferences) Preferences) Preferences {
	s.mu.Lock()
	p := fn(s.prefs)
	s.prefs = p
	theme, observers := p.EffectiveTheme(s.ambientDark), s.observers
	s.mu.Unlock()

	for _, f := range observers {
		f(p, theme)
	}
	return p
}

func (s *Synchronizer) readCache(ctx context.Context) (Patch, error) {
	data, ok, err := s.kv.Get(ctx, CacheKey)
	if err != nil {
		return Patch{}, errors.Wrap(err, "could not read preferences cache")
	}
	if !ok {
		return Patch{}, nil
	}
	var p Patch
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patch{}, errors.Wrap(err, "could not parse preferences cache")
	}
	if err := p.Validate(); err != nil {
		return Patch{}, err
	}
	return p, nil
}

// writeCache stores the preferences current at write time.
func (s *Synchronizer) writeCache(ctx context.Context) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	data, err := yaml.Marshal(PatchOf(s.Current()))
	if err != nil {
		return errors.Wrap(err, "could not encode preferences")
	}
	return errors.Wrap(s.kv.Set(ctx, CacheKey, data), "could not write preferences cache")
}
