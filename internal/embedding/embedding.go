package embedding

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/duckmesh/sqlrag/internal/llm"
	"github.com/duckmesh/sqlrag/internal/observability"
)

const (
	DefaultModel     = openai.SmallEmbedding3
	DefaultBatchSize = 256
)

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	BatchSize         int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type embeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

type OpenAI struct {
	client    embeddingClient
	model     openai.EmbeddingModel
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
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

func NewOpenAIWithClient(client embeddingClient, cfg OpenAIConfig) *OpenAI {
	model := openai.EmbeddingModel(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = DefaultModel
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		client:    client,
		model:     model,
		batchSize: batchSize,
		timeout:   timeout,
		limiter:   llm.NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}
}

// EmbedDocuments returns one vector per text in input order, issuing one
// request per batch.
func (e *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for batch := range slices.Chunk(texts, e.batchSize) {
		vectors, err := e.embed(ctx, batch)
		observability.ObserveLLMRequest("embedding", err)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAI) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for embedding rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) || vectors[item.Index] != nil {
			return nil, fmt.Errorf("create embeddings: unexpected index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
