package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/helpers"
)

type fakeRemote struct {
	mu       sync.Mutex
	stored   Patch
	fetchErr error
	pushErr  error
	pushed   []Preferences
}

func (f *fakeRemote) Fetch(context.Context) (Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored, f.fetchErr
}

func (f *fakeRemote) Push(_ context.Context, p Preferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, p)
	f.stored = PatchOf(p)
	return nil
}

func seedCache(t *testing.T, kv KV, p Patch) {
	s := NewSynchronizer(kv, WithBase(Defaults().Apply(p)))
	require.NoError(t, s.writeCache(context.Background()))
}

func TestLoad_RemoteWinsPerPresentField(t *testing.T) {
	kv := NewMemoryKV()
	seedCache(t, kv, Patch{Theme: helpers.Ptr(ThemeDark), Model: helpers.Ptr("mistral")})

	remote := &fakeRemote{stored: Patch{Model: helpers.Ptr("gpt-4o"), Streaming: helpers.Ptr(false)}}
	s := NewSynchronizer(kv, WithRemote(remote))

	p, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, ThemeDark, p.Theme, "absent remote field keeps local value")
	require.Equal(t, "gpt-4o", p.Model)
	require.False(t, p.Streaming)
	require.Equal(t, "normal", p.FontSize)

	cached, err := s.readCache(context.Background())
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", *cached.Model)
}

func TestLoad_RemoteFailureKeepsLocal(t *testing.T) {
	kv := NewMemoryKV()
	seedCache(t, kv, Patch{Model: helpers.Ptr("mistral")})

	notifier := events.NewRecordingNotifier()
	s := NewSynchronizer(kv,
		WithRemote(&fakeRemote{fetchErr: errors.New("offline")}),
		WithNotifier(notifier))

	p, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "mistral", p.Model)
	require.Equal(t, []events.Kind{events.KindPreferencesFailed}, notifier.Kinds())
}

func TestLoad_DefaultsWithoutAnything(t *testing.T) {
	p, err := NewSynchronizer(NewMemoryKV()).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, Defaults(), p)
}

func TestUpdate_VisibleImmediatelyEvenWhenPushFails(t *testing.T) {
	kv := NewMemoryKV()
	notifier := events.NewRecordingNotifier()
	remote := &fakeRemote{pushErr: errors.New("status 500")}
	s := NewSynchronizer(kv, WithRemote(remote), WithNotifier(notifier))

	p, err := s.Update(context.Background(), Patch{Model: helpers.Ptr("phi3")})
	require.NoError(t, err)
	require.Equal(t, "phi3", p.Model)
	require.Equal(t, "phi3", s.Current().Model)

	cached, err := s.readCache(context.Background())
	require.NoError(t, err)
	require.Equal(t, "phi3", *cached.Model)

	require.ErrorContains(t, s.Flush(), "status 500")
	require.Equal(t, "phi3", s.Current().Model)
	require.Equal(t, []events.Kind{events.KindPreferencesFailed}, notifier.Kinds())
}

func TestUpdate_PushesFullPreferences(t *testing.T) {
	remote := &fakeRemote{}
	s := NewSynchronizer(NewMemoryKV(), WithRemote(remote))

	_, err := s.Update(context.Background(), Patch{Theme: helpers.Ptr(ThemeLight)})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), Patch{FontSize: helpers.Ptr("large")})
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	require.Len(t, remote.pushed, 2)
	last := remote.pushed[1]
	require.Equal(t, ThemeLight, last.Theme)
	require.Equal(t, "large", last.FontSize)
	require.Equal(t, "llama3.1", last.Model)
}

func TestUpdate_ConcurrentUpdatesLeaveLatestInCache(t *testing.T) {
	kv := NewMemoryKV()
	s := NewSynchronizer(kv)
	_, err := s.Load(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(context.Background(), Patch{Model: helpers.Ptr(fmt.Sprintf("model-%d", i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cached, err := s.readCache(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cached.Model)
	require.Equal(t, s.Current().Model, *cached.Model)
}

func TestUpdate_RejectsInvalidPatch(t *testing.T) {
	s := NewSynchronizer(NewMemoryKV())

	_, err := s.Update(context.Background(), Patch{Theme: helpers.Ptr(Theme("sepia"))})
	require.ErrorIs(t, err, ErrInvalidPreference)
	_, err = s.Update(context.Background(), Patch{FontSize: helpers.Ptr("huge")})
	require.ErrorIs(t, err, ErrInvalidPreference)
	require.Equal(t, Defaults(), s.Current())
}

func TestEffectiveTheme(t *testing.T) {
	s := NewSynchronizer(NewMemoryKV())

	var seen []Theme
	s.OnChange(func(_ Preferences, theme Theme) {
		seen = append(seen, theme)
	})

	require.Equal(t, ThemeLight, s.EffectiveTheme())
	s.SetAmbientDark(true)
	require.Equal(t, ThemeDark, s.EffectiveTheme())

	_, err := s.Update(context.Background(), Patch{Theme: helpers.Ptr(ThemeLight)})
	require.NoError(t, err)
	s.SetAmbientDark(false)
	s.SetAmbientDark(true)
	require.Equal(t, ThemeLight, s.EffectiveTheme())

	require.Equal(t, []Theme{ThemeDark, ThemeLight, ThemeLight, ThemeLight}, seen)
}

func TestFileKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cache.yaml")
	ctx := context.Background()

	kv := NewFileKV(path)
	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, "a", []byte("one")))
	require.NoError(t, kv.Set(ctx, "b", []byte("two")))

	v, ok, err := NewFileKV(path).Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(v))

	s := NewSynchronizer(NewFileKV(path))
	_, err = s.Update(ctx, Patch{Model: helpers.Ptr("qwen2")})
	require.NoError(t, err)

	p, err := NewSynchronizer(NewFileKV(path)).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "qwen2", p.Model)
}

func TestHTTPRemote(t *testing.T) {
	var put pushBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/preferences", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"preferences":{"theme":"dark","streaming":false}}`))
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&put))
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, srv.Client())
	patch, err := remote.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, ThemeDark, *patch.Theme)
	require.False(t, *patch.Streaming)
	require.Nil(t, patch.Model)

	require.NoError(t, remote.Push(context.Background(), Defaults()))
	require.Equal(t, Defaults(), put.Preferences)
}

func TestHTTPRemote_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, srv.Client())
	patch, err := remote.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, patch.IsEmpty())

	err = remote.Push(context.Background(), Defaults())
	require.ErrorContains(t, err, "502")
}

func TestPatchFromAssignments(t *testing.T) {
	p, err := PatchFromAssignments(map[string]string{"theme": "Dark", "streaming": "false", "fontsize": "small"})
	require.NoError(t, err)
	require.Equal(t, ThemeDark, *p.Theme)
	require.False(t, *p.Streaming)
	require.Equal(t, "small", *p.FontSize)

	_, err = PatchFromAssignments(map[string]string{"color": "red"})
	require.ErrorIs(t, err, ErrInvalidPreference)
	_, err = PatchFromAssignments(map[string]string{"streaming": "maybe"})
	require.ErrorIs(t, err, ErrInvalidPreference)
}

func TestLoad_Base(t *testing.T) {
	base := Defaults()
	base.Provider = "openai"
	base.Model = "gpt-4o-mini"

	s := NewSynchronizer(NewMemoryKV(), WithBase(base))
	require.Equal(t, "openai", s.Current().Provider)

	p, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, base, p)
}
