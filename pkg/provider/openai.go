package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider queries an OpenAI-compatible chat completion API directly.
type OpenAIProvider struct {
	id     string
	client *go_openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)
var _ Streamer = (*OpenAIProvider)(nil)

func NewOpenAIProvider(id string, apiKey string, baseURL string) *OpenAIProvider {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		id:     id,
		client: go_openai.NewClientWithConfig(config),
	}
}

func (p *OpenAIProvider) ID() string {
	return p.id
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.makeRequest(req, false))
	if err != nil {
		return "", p.classify(err, "completion")
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.id, Message: "no choices in completion response"}
	}
	return resp.Choices[0].Message.Content, nil
}

type streamRecord struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Stream re-encodes the completion stream as newline-delimited JSON records,
// the same format the chat backend streams.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.makeRequest(req, true))
	if err != nil {
		return nil, p.classify(err, "stream")
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		enc := json.NewEncoder(pw)

		chunkCount := 0
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				log.Debug().Str("provider", p.id).Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
				_ = pw.Close()
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					_ = pw.CloseWithError(ctx.Err())
					return
				}
				log.Error().Err(err).Str("provider", p.id).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
				_ = enc.Encode(streamRecord{Error: err.Error()})
				_ = pw.Close()
				return
			}
			chunkCount++

			if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
				continue
			}
			if err := enc.Encode(streamRecord{Response: response.Choices[0].Delta.Content}); err != nil {
				// reader went away
				return
			}
		}
	}()

	return pr, nil
}

func (p *OpenAIProvider) makeRequest(req Request, stream bool) go_openai.ChatCompletionRequest {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		role := go_openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, questionMessage(req.Question, req.Attachments))

	return go_openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
}

// questionMessage inlines text attachments into the prompt and sends images as
// image parts.
func questionMessage(question string, attachments []conversation.Attachment) go_openai.ChatCompletionMessage {
	text := question
	var images []go_openai.ChatMessagePart
	for _, a := range attachments {
		switch {
		case strings.HasPrefix(a.MediaType, "image/"):
			url := a.URL
			if url == "" && len(a.Content) > 0 {
				url = fmt.Sprintf("data:%s;base64,%s", a.MediaType, base64.StdEncoding.EncodeToString(a.Content))
			}
			if url == "" {
				continue
			}
			images = append(images, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{
					URL:    url,
					Detail: go_openai.ImageURLDetailAuto,
				},
			})
		case len(a.Content) > 0:
			text += fmt.Sprintf("\n\n--- %s ---\n%s", a.Name, string(a.Content))
		}
	}

	if len(images) == 0 {
		return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: text}
	}
	parts := append([]go_openai.ChatMessagePart{{Type: go_openai.ChatMessagePartTypeText, Text: text}}, images...)
	return go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, MultiContent: parts}
}

func (p *OpenAIProvider) classify(err error, op string) error {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.id, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.id, Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return &TransportError{Provider: p.id, Op: op, Err: err}
}
