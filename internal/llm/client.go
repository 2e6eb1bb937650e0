// Package llm wraps the external embedding and generation providers
// behind retrying, circuit-broken clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/raghub/backend/pkg/circuitbreaker"
	"github.com/raghub/backend/pkg/logger"
	"github.com/raghub/backend/pkg/retry"
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	embedBatchSize int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

// CompletionResponse carries the generated text or, when the provider
// refuses the content, Blocked with the provider's reason.
type CompletionResponse struct {
	Content string
	Blocked bool
	Reason  string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, baseURL, model, embeddingModel string, temperature float32, maxTokens, embedBatchSize, timeoutSec int) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	if embedBatchSize <= 0 {
		embedBatchSize = 100
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		embedBatchSize: embedBatchSize,
		timeout:        time.Duration(timeoutSec) * time.Second,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// Complete runs one system+user chat completion. A provider refusal
// (content filter finish reason) is reported as Blocked, not an error,
// so the caller can answer with its blocked placeholder.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return errors.New("completion returned no choices")
			}

			choice := resp.Choices[0]
			result = &CompletionResponse{
				Content: choice.Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			if choice.FinishReason == openai.FinishReasonContentFilter {
				result.Blocked = true
				result.Reason = "provider content filter"
				result.Content = ""
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateEmbedding embeds a single text, used for queries.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embedding response was empty")
	}
	return vecs[0], nil
}

// GenerateBatchEmbeddings embeds texts in provider-sized batches. Each
// batch call is retried independently; already-embedded batches are not
// repeated when a later one fails and the whole call is re-run by the
// ingestion step's idempotency key.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embeddings [][]float32

	batchSize := c.embedBatchSize
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch))
				}
				for _, data := range resp.Data {
					vec := make([]float32, len(data.Embedding))
					copy(vec, data.Embedding)
					embeddings = append(embeddings, vec)
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}
