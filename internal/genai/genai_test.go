package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp     *openai.ChatCompletion
	err      error
	lastBody openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastBody = body
	return m.resp, m.err
}

func completionWith(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateSuccess(t *testing.T) {
	mock := &mockChatService{resp: completionWith("Hello World")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	out, err := client.Generate(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got %q", out)
	}
	if len(mock.lastBody.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastBody.Messages))
	}
	if mock.lastBody.ResponseFormat.OfJSONSchema != nil {
		t.Error("Generate must not set a response schema")
	}
}

func TestGenerateWithSchemaSetsResponseFormat(t *testing.T) {
	mock := &mockChatService{resp: completionWith(`{"reply":"hi"}`)}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	schema := map[string]interface{}{"type": "object"}
	if _, err := client.GenerateWithSchema(context.Background(), "sys", "usr", schema); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mock.lastBody.ResponseFormat.OfJSONSchema == nil {
		t.Fatal("expected JSON schema response format to be set")
	}
	if mock.lastBody.ResponseFormat.OfJSONSchema.JSONSchema.Name != "stage_response" {
		t.Errorf("unexpected schema name %q", mock.lastBody.ResponseFormat.OfJSONSchema.JSONSchema.Name)
	}
}

func TestGenerateServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: openai.ChatModelGPT4oMini}
	_, err := client.Generate(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateNoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}, model: openai.ChatModelGPT4oMini}
	_, err := client.Generate(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewClientNoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClientWithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if string(cli.model) != "gpt-4o" {
		t.Errorf("unexpected model %q", cli.model)
	}
}
