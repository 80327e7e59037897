// Package storage defines the knowledge base registry and chunk store
// contracts shared by the ingestion orchestrator and the retrieval engine.
package storage

import (
	"context"
	"time"

	"github.com/moyitech/vdb-center/internal/domain"
)

// Registry owns knowledge_base rows.
type Registry interface {
	CreateKnowledgeBase(ctx context.Context, kb domain.NewKnowledgeBase) (int64, error)

	// GetOrCreateQAKnowledgeBase returns the project's live QA knowledge base,
	// creating it in succeeded state when missing. Concurrent callers for the
	// same project always observe the same id.
	GetOrCreateQAKnowledgeBase(ctx context.Context, projectID int64) (int64, error)
	FindQAKnowledgeBase(ctx context.Context, projectID int64) (int64, bool, error)

	// UpdateIngestStatus touches only live rows of the project. Nil counts
	// leave the stored counts unchanged. Returns domain.ErrNotFound when no
	// live row matched.
	UpdateIngestStatus(ctx context.Context, kbID, projectID int64, status domain.IngestStatus, counts *domain.StatusCounts) error
	UpdateSourceAndDate(ctx context.Context, kbID, projectID int64, source *string, date *time.Time) error
	SourceExists(ctx context.Context, projectID int64, source string) (bool, error)

	SoftDeleteKnowledgeBase(ctx context.Context, kbID, projectID int64, opts domain.DeleteOptions) (domain.DeleteResult, error)
	RestoreKnowledgeBase(ctx context.Context, kbID, projectID int64) (bool, error)

	ListKnowledgeBases(ctx context.Context, projectID int64) ([]domain.KBSummary, error)
	SearchKnowledgeBasesBySource(ctx context.Context, projectID int64, keyword string) ([]domain.KBSummary, error)
	// GetTaskStatus returns nil, nil when the knowledge base does not exist or
	// is soft-deleted.
	GetTaskStatus(ctx context.Context, projectID, kbID int64) (*domain.KBSummary, error)
	ListStaleIngesting(ctx context.Context, olderThan time.Time) ([]domain.KnowledgeBase, error)
}

// ChunkStore owns item rows. Every method is scoped by kb and project.
type ChunkStore interface {
	// NextChunkIndex counts deleted rows too, so indexes are never reused.
	// Inside a transaction it also serializes allocation for the knowledge
	// base until commit.
	NextChunkIndex(ctx context.Context, kbID, projectID int64) (int, error)
	ExistingOriginTexts(ctx context.Context, kbID, projectID int64, texts []string) (map[string]struct{}, error)
	// UpsertChunks overwrites rows on (kb_id, chunk_index) and clears is_deleted.
	UpsertChunks(ctx context.Context, kbID, projectID int64, rows []domain.ChunkRow) error

	GetItem(ctx context.Context, kbID, projectID, itemID int64) (*domain.Item, error)
	ItemIDByChunkIndex(ctx context.Context, kbID, projectID int64, chunkIndex int) (int64, bool, error)
	UpdateItem(ctx context.Context, kbID, projectID int64, upd domain.ItemUpdate) (bool, error)

	SoftDeleteItemsByIDs(ctx context.Context, kbID, projectID int64, ids []int64) (int, error)
	SoftDeleteItemsByChunkIndexes(ctx context.Context, kbID, projectID int64, indexes []int) (int, error)
	RestoreItems(ctx context.Context, kbID, projectID int64) (int, error)
	ListItems(ctx context.Context, kbID, projectID int64, page, pageSize int) ([]domain.Item, int, error)

	// SearchDense ranks live project items by ascending cosine distance.
	SearchDense(ctx context.Context, projectID int64, vector []float32, topK int) ([]domain.ScoredItem, error)
	// SearchLexical ranks live project items matching all tokens by descending relevance.
	SearchLexical(ctx context.Context, projectID int64, tokens []string, topK int) ([]domain.ScoredItem, error)
}

// Tx is a unit of work. Outside WithTx each call commits on its own.
type Tx interface {
	Registry
	ChunkStore
}

type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(Tx) error) error
	// WithReadTx runs fn against a single read-only snapshot.
	WithReadTx(ctx context.Context, fn func(Tx) error) error
	Close()
}
