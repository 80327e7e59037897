package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/deadletter"
	"github.com/moyitech/vdb-center/internal/embedding"
	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/internal/retrieval"
	"github.com/moyitech/vdb-center/internal/storage/postgres"
	"github.com/moyitech/vdb-center/internal/tokenizer"
	"github.com/moyitech/vdb-center/pkg/config"
	"github.com/moyitech/vdb-center/pkg/logger"
)

// app holds the components shared by the commands. Close releases them in
// reverse order of construction.
type app struct {
	cfg         *config.Config
	store       *postgres.Client
	embedder    ingestion.Embedder
	tokenizer   *tokenizer.Tokenizer
	deadLetters *deadletter.Journal
	closers     []func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	if err := logger.Init(level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	metrics.Init()
	return cfg, nil
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, tokenizer: tokenizer.New()}

	store, err := postgres.NewClient(ctx, postgres.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetime) * time.Second,
		VectorDim:       cfg.Postgres.VectorDim,
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	client := embedding.NewClient(embedding.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	})
	a.embedder = client

	if cfg.Redis.Enabled {
		addr := cfg.Redis.Host + ":" + strconv.Itoa(cfg.Redis.Port)
		cache, err := embedding.NewRedisCache(ctx, addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLHours)*time.Hour)
		if err != nil {
			logger.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			a.embedder = embedding.NewCachedEmbedder(client, cache, client.Model())
			a.closers = append(a.closers, func() { _ = cache.Close() })
		}
	}

	journal, err := deadletter.Open(cfg.DeadLetter.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.deadLetters = journal
	a.closers = append(a.closers, func() { _ = journal.Close() })

	return a, nil
}

func (a *app) orchestrator() *ingestion.Orchestrator {
	return ingestion.NewOrchestrator(a.store, a.embedder, a.tokenizer,
		ingestion.WithBatchSizes(a.cfg.Ingestion.EmbeddingBatchSize, a.cfg.Ingestion.UpsertBatchSize),
		ingestion.WithDeadLetters(a.deadLetters),
	)
}

func (a *app) engine() *retrieval.Engine {
	return retrieval.NewEngine(a.store, a.embedder, a.tokenizer, a.cfg.Retrieval.MaxTopK)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	logger.Sync()
}
