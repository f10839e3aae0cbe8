// Package llm adapts model providers to a minimal streaming contract:
// open a request, receive text chunks until io.EOF, close.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	pkgerrors "github.com/pkg/errors"
)

// Message is one prompt turn.
type Message struct {
	Role    string
	Content string
	// ImageURLs are sent as image parts (http(s) or data URLs).
	ImageURLs []string
}

// Request opens one completion stream.
type Request struct {
	Model    string
	Messages []Message
	APIKey   string
}

// Stream yields text chunks. Recv returns io.EOF after the last chunk.
// Close releases the underlying connection and may be called concurrently
// with a blocked Recv to abort it.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens streams. Implementations honor ctx cancellation.
type Provider interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// ErrNoAPIKey is returned when neither the request nor the provider has a key.
var ErrNoAPIKey = errors.New("llm: missing api key")

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	// BaseURL overrides the API endpoint (e.g. a proxy or compatible server).
	BaseURL string
	// APIKey is used when a request carries none.
	APIKey string
}

// NewOpenAI returns an OpenAI provider.
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	return &OpenAI{BaseURL: baseURL, APIKey: apiKey}
}

func (p *OpenAI) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(p.BaseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// Open starts a streaming chat completion.
func (p *OpenAI) Open(ctx context.Context, req Request) (Stream, error) {
	key := req.APIKey
	if key == "" {
		key = p.APIKey
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}

	stream, err := p.client(key).CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s stream", req.Model)
	}
	return &openAIStream{s: stream}, nil
}

func toOpenAIMessages(in []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		if len(m.ImageURLs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, u := range m.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    u,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}

type openAIStream struct {
	s *openai.ChatCompletionStream
}

func (o *openAIStream) Recv() (string, error) {
	for {
		resp, err := o.s.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", pkgerrors.Wrap(err, "receive chunk")
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (o *openAIStream) Close() error {
	return o.s.Close()
}
