package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves the history resource from a MemoryStore.
func fakeBackend(t *testing.T, mem *MemoryStore) *httptest.Server {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	statusFor := func(err error) int {
		if errors.Is(err, ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := mem.List(r.Context())
			if err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			writeJSON(w, list)
		case http.MethodPost:
			c := &conversation.Conversation{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(c))
			id, err := mem.Save(r.Context(), c)
			if err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			writeJSON(w, map[string]string{"id": id})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/history/")
		switch r.Method {
		case http.MethodGet:
			c, err := mem.Load(r.Context(), id)
			if err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			writeJSON(w, c)
		case http.MethodPut:
			if _, err := mem.Load(r.Context(), id); err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			c := &conversation.Conversation{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(c))
			c.ID = id
			_, err := mem.Save(r.Context(), c)
			if err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			writeJSON(w, map[string]string{"id": id})
		case http.MethodPatch:
			var body struct {
				Title string `json:"title"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if err := mem.Rename(r.Context(), id, body.Title); err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := mem.Delete(r.Context(), id); err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	})
	return httptest.NewServer(mux)
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "conversations.db"))
			require.NoError(t, err)
			s, err := NewSQLiteStore(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"http": func(t *testing.T) Store {
			srv := fakeBackend(t, NewMemoryStore())
			t.Cleanup(srv.Close)
			return NewHTTPStore(srv.URL, srv.Client())
		},
	}
}

func newConversation(title string) *conversation.Conversation {
	c := conversation.New(conversation.Settings{ModelID: "llama3.1", ProviderID: "ollama", Temperature: 0.7})
	c.Title = title
	c.Append(conversation.NewUserMessage("hi"))
	c.Append(conversation.NewAssistantMessage("hello"))
	return c
}

func TestStore_SaveAssignsIDThenUpdatesInPlace(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			c := newConversation("first")
			id, err := s.Save(ctx, c)
			require.NoError(t, err)
			require.NotEmpty(t, id)
			require.Empty(t, c.ID, "save does not modify its argument")

			c.ID = id
			c.Append(conversation.NewUserMessage("again"))
			id2, err := s.Save(ctx, c)
			require.NoError(t, err)
			require.Equal(t, id, id2)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, 3, list[0].MessageCount)

			loaded, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.Equal(t, id, loaded.ID)
			require.Equal(t, "first", loaded.Title)
			require.Len(t, loaded.Messages, 3)
			require.Equal(t, c.Settings, loaded.Settings)
		})
	}
}

func TestStore_RenameDeleteAndNotFound(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			id, err := s.Save(ctx, newConversation("old"))
			require.NoError(t, err)

			require.NoError(t, s.Rename(ctx, id, "new"))
			loaded, err := s.Load(ctx, id)
			require.NoError(t, err)
			require.Equal(t, "new", loaded.Title)

			require.NoError(t, s.Delete(ctx, id))
			_, err = s.Load(ctx, id)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, err, ErrPersistence)

			var pe *PersistenceError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, "load", pe.Op)

			require.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)
			require.ErrorIs(t, s.Rename(ctx, id, "x"), ErrNotFound)
		})
	}
}

func TestStore_ListMostRecentFirst(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, title := range []string{"a", "b", "c"} {
				c := newConversation(title)
				c.UpdatedAt = base.Add(time.Duration(i) * time.Hour)
				_, err := s.Save(ctx, c)
				require.NoError(t, err)
			}

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"c", "b", "a"}, titles(list))
		})
	}
}

func TestMemoryStore_FailureKeepsCallerState(t *testing.T) {
	s := NewMemoryStore()
	s.FailNext(errors.New("backend down"))

	c := newConversation("x")
	_, err := s.Save(context.Background(), c)
	require.ErrorIs(t, err, ErrPersistence)
	require.Len(t, c.Messages, 2)
	require.Zero(t, s.Len())

	_, err = s.Save(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 1, s.Saves())
}

func TestHTTPStore_ListAcceptsWrappedHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"history":[{"id":"1","title":"one"}]}`))
	}))
	defer srv.Close()

	list, err := NewHTTPStore(srv.URL, srv.Client()).List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, titles(list))
}

func TestHTTPStore_ServerErrorIsPersistenceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPStore(srv.URL, srv.Client()).Save(context.Background(), newConversation("x"))
	require.ErrorIs(t, err, ErrPersistence)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "boom")
}

func TestFilter(t *testing.T) {
	list := []conversation.Summary{{Title: "Trip planning"}, {Title: "Go generics"}, {Title: "Trip budget"}}

	got, err := Filter(list, "Trip*")
	require.NoError(t, err)
	require.Equal(t, []string{"Trip planning", "Trip budget"}, titles(got))

	got, err = Filter(list, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func titles(list []conversation.Summary) []string {
	ret := make([]string, 0, len(list))
	for _, s := range list {
		ret = append(ret, s.Title)
	}
	return ret
}
