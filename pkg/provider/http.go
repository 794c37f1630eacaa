package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/confab/pkg/channel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const queryPath = "/api/query"

// HTTPProvider talks to the chat backend's query endpoint. The backend forwards
// the query to whichever model runtime serves the provider id.
type HTTPProvider struct {
	id      string
	baseURL string
	client  *http.Client
}

var _ Provider = (*HTTPProvider)(nil)
var _ Streamer = (*HTTPProvider)(nil)

func NewHTTPProvider(id string, baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *HTTPProvider) ID() string {
	return p.id
}

type queryResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
	Detail   string `json:"detail"`
}

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	req.Stream = false
	resp, err := p.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return "", &TransportError{Provider: p.id, Op: "decode response", Err: err}
	}
	if qr.Error != "" {
		return "", &ProviderError{Provider: p.id, Message: qr.Error}
	}
	return qr.Response, nil
}

func (p *HTTPProvider) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// post sends the query and returns the response if its status is 2xx.
func (p *HTTPProvider) post(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode query")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not create query request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}

	log.Debug().
		Str("provider", p.id).
		Str("model", req.ModelID).
		Bool("stream", req.Stream).
		Int("history", len(req.History)).
		Msg("Sending query")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p.id, Op: "query", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, &ProviderError{Provider: p.id, Status: resp.StatusCode, Message: errorMessage(resp)}
	}
	return resp, nil
}

// errorMessage extracts the backend's error text from a failed response.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var qr queryResponse
	if err := json.Unmarshal(data, &qr); err == nil {
		if qr.Error != "" {
			return qr.Error
		}
		if qr.Detail != "" {
			return qr.Detail
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)
}

// ChannelProvider completes over HTTP and streams over the shared channel: the
// query goes out as a query envelope and the reply comes back as stream envelopes.
// It does not implement Streamer, so streaming exchanges go over the channel.
type ChannelProvider struct {
	http *HTTPProvider
	mux  *channel.Multiplexer
}

var _ Provider = (*ChannelProvider)(nil)
var _ ChannelDispatcher = (*ChannelProvider)(nil)

func NewChannelProvider(hp *HTTPProvider, mux *channel.Multiplexer) *ChannelProvider {
	return &ChannelProvider{http: hp, mux: mux}
}

func (p *ChannelProvider) ID() string {
	return p.http.ID()
}

func (p *ChannelProvider) Complete(ctx context.Context, req Request) (string, error) {
	return p.http.Complete(ctx, req)
}

func (p *ChannelProvider) Dispatch(ctx context.Context, conversationID string, req Request) error {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "could not encode query")
	}
	err = p.mux.Send(ctx, channel.Envelope{
		Type:           channel.TypeQuery,
		ConversationID: conversationID,
		Request:        body,
	})
	if err != nil {
		return &TransportError{Provider: p.ID(), Op: "dispatch", Err: err}
	}
	return nil
}
