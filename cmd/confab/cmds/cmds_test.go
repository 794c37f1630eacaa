package cmds

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/preferences"
	"github.com/go-go-golems/confab/pkg/provider"
	"github.com/go-go-golems/confab/pkg/session"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/ui"
)

type echoProvider struct {
	id string
}

func (e echoProvider) ID() string {
	return e.id
}

func (e echoProvider) Complete(_ context.Context, req provider.Request) (string, error) {
	return "echo: " + req.Question, nil
}

type replFixture struct {
	r     *repl
	out   *bytes.Buffer
	store *store.MemoryStore
}

func newReplFixture(t *testing.T, confirm bool) replFixture {
	prefs := preferences.NewSynchronizer(preferences.NewMemoryKV())
	_, err := prefs.Load(context.Background())
	require.NoError(t, err)

	out := &bytes.Buffer{}
	printer := ui.NewPrinter(out, out, false)
	st := store.NewMemoryStore()
	mgr := session.NewManager(
		provider.NewRegistry(echoProvider{id: "ollama"}, echoProvider{id: "openai"}),
		st, prefs,
		session.WithManagerObserver(printer),
		session.WithoutStreaming(),
	)
	return replFixture{
		r: &repl{
			mgr:     mgr,
			printer: printer,
			confirm: func(string) (bool, error) { return confirm, nil },
		},
		out:   out,
		store: st,
	}
}

func (f replFixture) send(t *testing.T, line string) {
	quit, err := f.r.handle(context.Background(), line)
	require.NoError(t, err)
	require.False(t, quit)
	_, err = f.r.mgr.Wait()
	require.NoError(t, err)
	require.NoError(t, f.r.mgr.Flush())
}

func TestRepl_SubmitAndCommands(t *testing.T) {
	f := newReplFixture(t, true)

	f.send(t, "hello")
	c := f.r.mgr.Active()
	require.Len(t, c.Messages, 2)
	require.Equal(t, "echo: hello", c.Messages[1].Content)
	require.True(t, c.IsPersisted())
	require.Contains(t, f.out.String(), "echo: hello")

	f.send(t, "/rename Greetings")
	loaded, err := f.store.Load(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, "Greetings", loaded.Title)

	f.send(t, "/model openai gpt-4o-mini")
	require.Equal(t, "openai", f.r.mgr.Active().Settings.ProviderID)

	f.send(t, "/clear")
	require.Empty(t, f.r.mgr.Active().Messages)

	f.send(t, "/new")
	require.False(t, f.r.mgr.Active().IsPersisted())

	quit, err := f.r.handle(context.Background(), "/quit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestRepl_ClearNeedsConfirmation(t *testing.T) {
	f := newReplFixture(t, false)
	f.send(t, "hello")
	f.send(t, "/clear")
	require.Len(t, f.r.mgr.Active().Messages, 2)
}

func TestRepl_Errors(t *testing.T) {
	f := newReplFixture(t, true)
	ctx := context.Background()

	_, err := f.r.handle(ctx, "/bogus")
	require.ErrorContains(t, err, "unknown command")

	_, err = f.r.handle(ctx, "/model nope llama")
	require.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = f.r.handle(ctx, "/detach 3")
	require.ErrorIs(t, err, session.ErrAttachmentIndex)

	_, err = f.r.handle(ctx, "/cancel")
	require.ErrorIs(t, err, session.ErrNoActiveExchange)
}

func TestRepl_RunUntilEOF(t *testing.T) {
	f := newReplFixture(t, true)
	f.r.sequential = true

	err := f.r.run(context.Background(), strings.NewReader("first\nsecond\n"))
	require.NoError(t, err)
	require.NoError(t, f.r.mgr.Flush())

	c := f.r.mgr.Active()
	require.Len(t, c.Messages, 4)
	require.Equal(t, "echo: second", c.Messages[3].Content)
}

func TestRepl_ExportThenImportFile(t *testing.T) {
	f := newReplFixture(t, true)
	f.send(t, "hello")

	path := filepath.Join(t.TempDir(), "chat.yaml")
	f.send(t, "/export "+path)

	snap, err := readSnapshotFile(path, conversation.FormatYAML)
	require.NoError(t, err)
	active := f.r.mgr.Active()
	require.Equal(t, active.ID, snap.Conversation.ID)
	require.Len(t, snap.Conversation.Messages, len(active.Messages))
	for i, m := range active.Messages {
		require.Equal(t, m.Role, snap.Conversation.Messages[i].Role)
		require.Equal(t, m.Content, snap.Conversation.Messages[i].Content)
	}
}

func TestPrintSummaries(t *testing.T) {
	list := []conversation.Summary{
		{ID: "1", Title: "Trip", MessageCount: 4, UpdatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)},
		{ID: "22", Title: "Go generics", MessageCount: 2},
	}

	var b bytes.Buffer
	require.NoError(t, printSummaries(&b, list, "table"))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "2024-05-01 10:00:00")

	b.Reset()
	require.NoError(t, printSummaries(&b, list, "json"))
	require.Contains(t, b.String(), `"messageCount": 4`)

	require.Error(t, printSummaries(&b, list, "xml"))
}
