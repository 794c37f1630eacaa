package channel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-go-golems/confab/pkg/exchange"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan Envelope
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Envelope, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.closed:
		return Envelope{}, io.EOF
	case env := <-c.in:
		return env, nil
	}
}

func (c *fakeConn) WriteEnvelope(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.dials++
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingSink struct {
	mu     sync.Mutex
	text   strings.Builder
	ended  bool
	errMsg string
}

func (s *recordingSink) OnChunk(_ *exchange.Token, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(chunk)
}

func (s *recordingSink) OnEnd(*exchange.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *recordingSink) OnError(_ *exchange.Token, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = message
}

func (s *recordingSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *recordingSink) ErrMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

func (s *recordingSink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func TestMultiplexer_DispatchRoutesByConversation(t *testing.T) {
	m := NewMultiplexer(&fakeDialer{})
	a, b := &recordingSink{}, &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), a))
	require.NoError(t, m.Register("conv-b", exchange.NewToken(context.Background()), b))

	for _, env := range []Envelope{
		{Type: TypeStream, ConversationID: "conv-a", Chunk: "Hel"},
		{Type: TypeStream, ConversationID: "conv-b", Chunk: "Wor"},
		{Type: TypeStream, ConversationID: "conv-a", Chunk: "lo"},
		{Type: TypeStream, ConversationID: "conv-b", Chunk: "ld"},
	} {
		require.True(t, m.Dispatch(env))
	}

	require.Equal(t, "Hello", a.Text())
	require.Equal(t, "World", b.Text())
	require.Zero(t, m.Dropped())
}

func TestMultiplexer_DiscardsUnroutableEnvelopes(t *testing.T) {
	m := NewMultiplexer(&fakeDialer{})
	sink := &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), sink))

	require.False(t, m.Dispatch(Envelope{Type: TypeStream, ConversationID: "unknown", Chunk: "x"}))
	require.False(t, m.Dispatch(Envelope{Type: "typing", ConversationID: "conv-a", Chunk: "x"}))
	require.False(t, m.Dispatch(Envelope{Type: TypeQuery, ConversationID: "conv-a", Chunk: "x"}))

	require.Empty(t, sink.Text())
	require.Equal(t, int64(3), m.Dropped())
}

func TestMultiplexer_DiscardsAfterCancel(t *testing.T) {
	m := NewMultiplexer(&fakeDialer{})
	sink := &recordingSink{}
	tok := exchange.NewToken(context.Background())
	require.NoError(t, m.Register("conv-a", tok, sink))

	require.True(t, m.Dispatch(Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: "partial"}))
	tok.Cancel()
	require.False(t, m.Dispatch(Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: " late"}))
	require.False(t, m.Dispatch(Envelope{Type: TypeStreamEnd, ConversationID: "conv-a"}))

	require.Equal(t, "partial", sink.Text())
	require.False(t, sink.Ended())
}

func TestMultiplexer_TerminalEnvelopesUnregister(t *testing.T) {
	m := NewMultiplexer(&fakeDialer{})
	ok, failed := &recordingSink{}, &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), ok))
	require.NoError(t, m.Register("conv-b", exchange.NewToken(context.Background()), failed))

	require.True(t, m.Dispatch(Envelope{Type: TypeStreamEnd, ConversationID: "conv-a"}))
	require.True(t, m.Dispatch(Envelope{Type: TypeStreamError, ConversationID: "conv-b", Chunk: "rate limited"}))
	require.True(t, ok.Ended())
	require.Equal(t, "rate limited", failed.errMsg)

	require.False(t, m.Dispatch(Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: "x"}))
}

func TestMultiplexer_RegisterRejectsSecondActiveExchange(t *testing.T) {
	m := NewMultiplexer(&fakeDialer{})
	first := exchange.NewToken(context.Background())
	require.NoError(t, m.Register("conv-a", first, &recordingSink{}))

	second := exchange.NewToken(context.Background())
	require.ErrorIs(t, m.Register("conv-a", second, &recordingSink{}), ErrAlreadyRegistered)

	first.Release()
	require.NoError(t, m.Register("conv-a", second, &recordingSink{}))

	// unregistering with a stale token keeps the newer registration
	m.Unregister("conv-a", first)
	require.True(t, m.Dispatch(Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: "x"}))

	require.ErrorIs(t, m.Register("", second, &recordingSink{}), ErrEmptyConversationID)
}

func TestMultiplexer_ConnectReadsAndDisconnects(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var states []bool
	m := NewMultiplexer(d, WithStateListener(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, connected)
	}))

	require.ErrorIs(t, m.Send(context.Background(), Envelope{Type: TypeQuery}), ErrNotConnected)
	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.Connected())
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 1, d.Dials())

	sink := &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), sink))
	d.conn(0).in <- Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: "hi"}
	require.Eventually(t, func() bool { return sink.Text() == "hi" }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send(context.Background(), Envelope{Type: TypeQuery, ConversationID: "conv-a"}))
	require.Len(t, d.conn(0).Written(), 1)

	require.NoError(t, m.Disconnect())
	require.False(t, m.Connected())
	require.NoError(t, m.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, states)
}

func TestMultiplexer_LostConnectionStaysDownWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewMultiplexer(d)
	require.NoError(t, m.Connect(context.Background()))

	_ = d.conn(0).Close()
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, d.Dials())

	// an explicit Connect brings it back
	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.Connected())
	require.NoError(t, m.Disconnect())
}

func TestMultiplexer_LostConnectionFailsRegisteredExchanges(t *testing.T) {
	d := &fakeDialer{}
	m := NewMultiplexer(d)
	require.NoError(t, m.Connect(context.Background()))

	sink := &recordingSink{}
	tok := exchange.NewToken(context.Background())
	require.NoError(t, m.Register("conv-a", tok, sink))

	_ = d.conn(0).Close()
	require.Eventually(t, func() bool { return sink.ErrMsg() != "" }, time.Second, 5*time.Millisecond)
	require.Equal(t, "channel connection lost", sink.ErrMsg())

	// the route is gone, a new exchange may register
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), &recordingSink{}))
}

func TestMultiplexer_ReconnectsWithBackoff(t *testing.T) {
	d := &fakeDialer{}
	m := NewMultiplexer(d, WithReconnect(ReconnectPolicy{
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffFactor: 2,
	}))
	require.NoError(t, m.Connect(context.Background()))

	_ = d.conn(0).Close()
	require.Eventually(t, func() bool { return d.Dials() == 2 && m.Connected() }, time.Second, 5*time.Millisecond)

	sink := &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), sink))
	d.conn(1).in <- Envelope{Type: TypeStream, ConversationID: "conv-a", Chunk: "back"}
	require.Eventually(t, func() bool { return sink.Text() == "back" }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
}

func TestReconnectPolicy_BackoffIsCapped(t *testing.T) {
	p := ReconnectPolicy{BackoffBase: 100 * time.Millisecond, BackoffFactor: 2, MaxBackoff: time.Second}
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
	require.Equal(t, time.Second, p.Backoff(10))
}

func TestWebsocketDialer_RoundTrip(t *testing.T) {
	queries := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()

		ctx := r.Context()
		var q Envelope
		if err := wsjson.Read(ctx, c, &q); err != nil {
			return
		}
		queries <- q
		_ = c.Write(ctx, websocket.MessageText, []byte("{broken"))
		for _, chunk := range []string{"Hel", "lo"} {
			_ = wsjson.Write(ctx, c, Envelope{Type: TypeStream, ConversationID: q.ConversationID, Chunk: chunk})
		}
		_ = wsjson.Write(ctx, c, Envelope{Type: TypeStreamEnd, ConversationID: q.ConversationID})
		// keep reading so the client's close handshake is answered
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewMultiplexer(NewWebsocketDialer("ws" + strings.TrimPrefix(srv.URL, "http")))
	require.NoError(t, m.Connect(context.Background()))
	defer func() { _ = m.Disconnect() }()

	sink := &recordingSink{}
	require.NoError(t, m.Register("conv-a", exchange.NewToken(context.Background()), sink))
	require.NoError(t, m.Send(context.Background(), Envelope{Type: TypeQuery, ConversationID: "conv-a", Request: []byte(`{"question":"hi"}`)}))

	q := <-queries
	require.Equal(t, TypeQuery, q.Type)
	require.JSONEq(t, `{"question":"hi"}`, string(q.Request))

	require.Eventually(t, sink.Ended, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Hello", sink.Text())
	require.Equal(t, int64(1), m.Dropped())
}
