// Package genai provides language-model operations using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrNoChoicesReturned indicates the model backend returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal chat-completions surface used by the client.
// It matches the openai-go ChatCompletionService so tests can inject a mock.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// ClientInterface defines the operations the orchestration core needs from a
// language-model client.
type ClientInterface interface {
	// Generate runs one chat completion and returns the raw text content.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// GenerateWithSchema runs one chat completion constrained to the given
	// JSON schema and returns the raw text content.
	GenerateWithSchema(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat-completion service for funnel prompts.
type Client struct {
	chat  chatService
	model shared.ChatModel
}

// NewClient initializes a new GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := shared.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	slog.Debug("genai.NewClient: creating client", "model", model)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	svc := cli.Chat.Completions
	return &Client{chat: &svc, model: model}, nil
}

// Generate runs one chat completion and returns the raw text content.
// It performs exactly one network call and does not retry.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.generate(ctx, systemPrompt, userPrompt, nil)
}

// GenerateWithSchema runs one chat completion constrained to the given JSON
// schema. The backend may still return extraneous prose; callers should run
// the result through Extract.
func (c *Client) GenerateWithSchema(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	return c.generate(ctx, systemPrompt, userPrompt, schema)
}

func (c *Client) generate(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "stage_response",
					Schema: schema,
					Strict: openai.Bool(false),
				},
			},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("genai.generate: completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.generate: empty choice list")
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("genai.generate succeeded", "response_length", len(content))
	return content, nil
}
