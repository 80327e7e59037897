// Package embedding produces dense vectors for text through an
// OpenAI-compatible embeddings endpoint, optionally behind a Redis cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/pkg/circuitbreaker"
	"github.com/moyitech/vdb-center/pkg/logger"
	"github.com/moyitech/vdb-center/pkg/retry"
)

const defaultMaxBatch = 64

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	// MaxBatch caps the inputs sent in one upstream request.
	MaxBatch int
}

type Client struct {
	client      *openai.Client
	model       string
	dimensions  int
	timeout     time.Duration
	maxBatch    int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        countsAgainstBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      retryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimensions", cfg.Dimensions),
		zap.String("base_url", clientCfg.BaseURL),
	)

	return &Client{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		dimensions:  cfg.Dimensions,
		timeout:     cfg.Timeout,
		maxBatch:    cfg.MaxBatch,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// Model identifies the vector space, used to namespace cached vectors.
func (c *Client) Model() string {
	return c.model
}

// Embed returns one vector per text, in input order. Any upstream failure or
// malformed response is reported as domain.ErrExternalService.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.maxBatch {
		end := min(i+c.maxBatch, len(texts))
		batch, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, domain.ExternalService(err)
		}
		vectors = append(vectors, batch...)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(vectors)))
	return vectors, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var vectors [][]float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      texts,
				Model:      openai.EmbeddingModel(c.model),
				Dimensions: c.dimensions,
			})
			if err != nil {
				return fmt.Errorf("failed to create embeddings: %w", err)
			}

			decoded, err := decode(resp.Data, len(texts), c.dimensions)
			if err != nil {
				return retry.Permanent(err)
			}
			vectors = decoded
			return nil
		})
	})

	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	metrics.EmbeddingRequests.WithLabelValues(metrics.Outcome(err)).Inc()

	return vectors, err
}

// decode places vectors by their reported index so upstream reordering
// cannot misalign texts and vectors.
func decode(data []openai.Embedding, want, dim int) ([][]float32, error) {
	if len(data) != want {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(data), want)
	}

	vectors := make([][]float32, want)
	for _, d := range data {
		if d.Index < 0 || d.Index >= want || vectors[d.Index] != nil {
			return nil, fmt.Errorf("embedding index %d out of range or repeated", d.Index)
		}
		if dim > 0 && len(d.Embedding) != dim {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(d.Embedding), dim)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Client errors such as a bad request say nothing about upstream health.
func countsAgainstBreaker(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && retryable(err)
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError || code == 0
}
