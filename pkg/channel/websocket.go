package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
)

const defaultReadLimit = 1 << 20

// WebsocketDialer connects to the backend push channel over a websocket.
type WebsocketDialer struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

var _ Dialer = (*WebsocketDialer)(nil)

func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{URL: url}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, errors.New("websocket url is empty")
	}
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s", d.URL)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

// ReadEnvelope reads one text frame. Frames are decoded here rather than with
// wsjson.Read, which closes the connection on a decode failure.
func (w *websocketConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if typ != websocket.MessageText {
		return Envelope{}, errors.Wrapf(ErrMalformedEnvelope, "unexpected frame type %v", typ)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrapf(ErrMalformedEnvelope, "%v", err)
	}
	return env, nil
}

func (w *websocketConn) WriteEnvelope(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *websocketConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if err == nil || errors.As(err, &ce) {
		return nil
	}
	// already closed by the peer or by a cancelled read
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
