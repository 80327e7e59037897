package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/pkg/logger"
)

const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_base (
	id            BIGSERIAL PRIMARY KEY,
	project_id    BIGINT      NOT NULL,
	file_name     TEXT,
	source        TEXT,
	date          DATE,
	qa_items      BOOLEAN     NOT NULL DEFAULT FALSE,
	ingest_status TEXT        NOT NULL DEFAULT 'ingesting'
		CHECK (ingest_status IN ('ingesting', 'succeeded', 'failed')),
	success_count INTEGER     NOT NULL DEFAULT 0 CHECK (success_count >= 0),
	failed_count  INTEGER     NOT NULL DEFAULT 0 CHECK (failed_count >= 0),
	is_deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
	create_time   TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_time   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_knowledge_base_project
	ON knowledge_base (project_id) WHERE NOT is_deleted;
CREATE INDEX IF NOT EXISTS idx_knowledge_base_ingesting
	ON knowledge_base (update_time) WHERE ingest_status = 'ingesting' AND NOT is_deleted;
CREATE UNIQUE INDEX IF NOT EXISTS uq_knowledge_base_project_qa
	ON knowledge_base (project_id) WHERE qa_items AND NOT is_deleted;

CREATE TABLE IF NOT EXISTS item (
	id          BIGSERIAL PRIMARY KEY,
	project_id  BIGINT      NOT NULL,
	kb_id       BIGINT      NOT NULL REFERENCES knowledge_base (id),
	chunk_index INTEGER     NOT NULL CHECK (chunk_index >= 0),
	origin_text TEXT        NOT NULL,
	question    TEXT,
	answer      TEXT,
	source      TEXT,
	date        DATE,
	embedding   vector(%d)  NOT NULL,
	fts         tsvector    NOT NULL,
	is_deleted  BOOLEAN     NOT NULL DEFAULT FALSE,
	create_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_item_kb_chunk UNIQUE (kb_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_item_project
	ON item (project_id) WHERE NOT is_deleted;
CREATE INDEX IF NOT EXISTS idx_item_fts
	ON item USING GIN (fts);
CREATE INDEX IF NOT EXISTS idx_item_embedding
	ON item USING hnsw (embedding vector_cosine_ops);
`

// Migrate creates the extension, tables and indexes when missing.
func (c *Client) Migrate(ctx context.Context) error {
	if c.vectorDim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", c.vectorDim)
	}

	if _, err := c.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, c.vectorDim)); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("Postgres schema migrated", zap.Int("vector_dim", c.vectorDim))
	return nil
}
