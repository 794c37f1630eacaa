package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const historyPath = "/api/history"

// HTTPStore is the client of the chat backend's history resource.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

var _ Store = (*HTTPStore)(nil)

func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// conversationBody is the payload of create and full update calls.
type conversationBody struct {
	Title       string                    `json:"title"`
	Messages    []conversation.Message    `json:"messages"`
	Attachments []conversation.Attachment `json:"attachments"`
	Settings    conversation.Settings     `json:"settings"`
	CreatedAt   time.Time                 `json:"createdAt"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *HTTPStore) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	if id == "" {
		return nil, persistenceError("load", id, ErrEmptyID)
	}
	c := &conversation.Conversation{}
	if err := s.do(ctx, http.MethodGet, s.itemURL(id), nil, c); err != nil {
		return nil, persistenceError("load", id, err)
	}
	if c.ID == "" {
		c.ID = id
	}
	if c.Title == "" {
		c.Title = fmt.Sprintf("Chat %s", id)
	}
	if c.Messages == nil {
		c.Messages = []conversation.Message{}
	}
	if c.Attachments == nil {
		c.Attachments = []conversation.Attachment{}
	}
	return c, nil
}

func (s *HTTPStore) Save(ctx context.Context, c *conversation.Conversation) (string, error) {
	body := conversationBody{
		Title:       c.Title,
		Messages:    c.Messages,
		Attachments: c.Attachments,
		Settings:    c.Settings,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}

	if c.ID != "" {
		var resp idResponse
		if err := s.do(ctx, http.MethodPut, s.itemURL(c.ID), body, &resp); err != nil {
			return "", persistenceError("save", c.ID, err)
		}
		return c.ID, nil
	}

	var resp idResponse
	if err := s.do(ctx, http.MethodPost, s.baseURL+historyPath, body, &resp); err != nil {
		return "", persistenceError("save", "", err)
	}
	if resp.ID == "" {
		return "", persistenceError("save", "", errors.New("backend returned no id"))
	}
	log.Debug().Str("conversation_id", resp.ID).Msg("Created conversation")
	return resp.ID, nil
}

func (s *HTTPStore) List(ctx context.Context) ([]conversation.Summary, error) {
	var raw json.RawMessage
	if err := s.do(ctx, http.MethodGet, s.baseURL+historyPath, nil, &raw); err != nil {
		return nil, persistenceError("list", "", err)
	}

	// the backend answers either with a bare array or with {"history": [...]}
	var ret []conversation.Summary
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ret); err != nil {
			return nil, persistenceError("list", "", errors.Wrap(err, "could not decode history"))
		}
	} else {
		var wrapped struct {
			History []conversation.Summary `json:"history"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, persistenceError("list", "", errors.Wrap(err, "could not decode history"))
		}
		ret = wrapped.History
	}
	if ret == nil {
		ret = []conversation.Summary{}
	}
	sortSummaries(ret)
	return ret, nil
}

func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return persistenceError("delete", id, ErrEmptyID)
	}
	return persistenceError("delete", id, s.do(ctx, http.MethodDelete, s.itemURL(id), nil, nil))
}

func (s *HTTPStore) Rename(ctx context.Context, id string, title string) error {
	if id == "" {
		return persistenceError("rename", id, ErrEmptyID)
	}
	body := map[string]string{"title": title}
	return persistenceError("rename", id, s.do(ctx, http.MethodPatch, s.itemURL(id), body, nil))
}

func (s *HTTPStore) itemURL(id string) string {
	return s.baseURL + historyPath + "/" + url.PathEscape(id)
}

// do sends a JSON request and decodes a JSON answer into out, if out is not nil.
func (s *HTTPStore) do(ctx context.Context, method string, u string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "could not encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "could not create request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "could not read response")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "could not decode response")
}
