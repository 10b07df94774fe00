package llm

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/time/rate"

	"github.com/duckmesh/sqlrag/internal/observability"
)

const DefaultChatModel = "gpt-4o-mini"

type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAI struct {
	client      chatClient
	model       string
	temperature float32
	timeout     time.Duration
	limiter     *rate.Limiter
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return NewOpenAIWithClient(openai.NewClientWithConfig(clientCfg), cfg), nil
}

func NewOpenAIWithClient(client chatClient, cfg OpenAIConfig) *OpenAI {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultChatModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
		limiter:     NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}
}

// NewLimiter returns an unlimited limiter when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *OpenAI) Ask(ctx context.Context, prompt string) (string, error) {
	content, err := c.complete(ctx, prompt, nil)
	observability.ObserveLLMRequest("ask", err)
	return content, err
}

func (c *OpenAI) AskStructured(ctx context.Context, prompt string, out any) error {
	err := c.askStructured(ctx, prompt, out)
	observability.ObserveLLMRequest("ask_structured", err)
	return err
}

func (c *OpenAI) askStructured(ctx context.Context, prompt string, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("structured output target must be a non-nil pointer, got %T", out)
	}
	schema, err := jsonschema.GenerateSchemaForType(target.Elem().Interface())
	if err != nil {
		return fmt.Errorf("generate response schema for %T: %w", out, err)
	}
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   schemaName(target.Elem().Type()),
			Schema: schema,
			Strict: true,
		},
	}
	content, err := c.complete(ctx, prompt, format)
	if err != nil {
		return err
	}
	if err := schema.Unmarshal(StripMarkdown(content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

func (c *OpenAI) complete(ctx context.Context, prompt string, format *openai.ChatCompletionResponseFormat) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for llm rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:    c.temperature,
		ResponseFormat: format,
	})
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func schemaName(t reflect.Type) string {
	name := strings.ToLower(t.Name())
	if name == "" {
		return "response"
	}
	return name
}
