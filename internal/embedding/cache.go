package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/pkg/logger"
	"github.com/moyitech/vdb-center/pkg/utils"
)

// Cache stores vectors by key. Missing keys are absent from GetMany's result.
type Cache interface {
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, vectors map[string][]float32) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis embedding cache initialized", zap.String("addr", addr), zap.Duration("ttl", ttl))

	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	found := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var vector []float32
		if err := json.Unmarshal([]byte(raw), &vector); err != nil {
			logger.Warn("Dropping corrupt cached embedding", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		found[keys[i]] = vector
	}
	return found, nil
}

func (c *RedisCache) SetMany(ctx context.Context, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for key, vector := range vectors {
		data, err := json.Marshal(vector)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		pipe.Set(ctx, key, data, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder serves repeated texts from a cache and sends all misses of
// one call upstream in a single request. Cache failures degrade to misses.
type CachedEmbedder struct {
	next      embedder
	cache     Cache
	namespace string
}

func NewCachedEmbedder(next embedder, cache Cache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, namespace: "embedding:" + model}
}

func (e *CachedEmbedder) key(text string) string {
	return utils.CacheKey(e.namespace, text)
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = e.key(text)
	}

	cached, err := e.cache.GetMany(ctx, keys)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		cached = map[string][]float32{}
	}

	vectors := make([][]float32, len(texts))
	missIndex := make(map[string][]int)
	var missTexts []string
	for i, key := range keys {
		if v, ok := cached[key]; ok {
			vectors[i] = v
			continue
		}
		if _, seen := missIndex[key]; !seen {
			missTexts = append(missTexts, texts[i])
		}
		missIndex[key] = append(missIndex[key], i)
	}

	metrics.CacheHits.WithLabelValues("embedding").Add(float64(len(texts) - countIndexes(missIndex)))
	metrics.CacheMisses.WithLabelValues("embedding").Add(float64(countIndexes(missIndex)))

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("%w: embedding count mismatch: got %d, expected %d",
			domain.ErrExternalService, len(fresh), len(missTexts))
	}

	toStore := make(map[string][]float32, len(missTexts))
	for i, text := range missTexts {
		key := e.key(text)
		for _, idx := range missIndex[key] {
			vectors[idx] = fresh[i]
		}
		toStore[key] = fresh[i]
	}

	if err := e.cache.SetMany(ctx, toStore); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vectors, nil
}

func countIndexes(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
