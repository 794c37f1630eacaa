package preferences

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Remote is the authoritative copy of the preferences.
type Remote interface {
	// Fetch returns the fields the remote knows about.
	Fetch(ctx context.Context) (Patch, error)
	// Push replaces the remote copy with p.
	Push(ctx context.Context, p Preferences) error
}

const preferencesPath = "/api/user/preferences"

type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

var _ Remote = (*HTTPRemote)(nil)

func NewHTTPRemote(baseURL string, client *http.Client) *HTTPRemote {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRemote{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type fetchBody struct {
	Preferences Patch `json:"preferences"`
}

type pushBody struct {
	Preferences Preferences `json:"preferences"`
}

// Fetch treats a missing resource as "nothing stored yet".
func (h *HTTPRemote) Fetch(ctx context.Context) (Patch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+preferencesPath, nil)
	if err != nil {
		return Patch{}, errors.Wrap(err, "could not create request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Patch{}, errors.Wrap(err, "could not fetch preferences")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return Patch{}, nil
	}
	if err := checkStatus(resp); err != nil {
		return Patch{}, err
	}

	var body fetchBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Patch{}, errors.Wrap(err, "could not decode preferences")
	}
	return body.Preferences, nil
}

func (h *HTTPRemote) Push(ctx context.Context, p Preferences) error {
	data, err := json.Marshal(pushBody{Preferences: p})
	if err != nil {
		return errors.Wrap(err, "could not encode preferences")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.baseURL+preferencesPath, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not save preferences")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.Errorf("preferences request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
