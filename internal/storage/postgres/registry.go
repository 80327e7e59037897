package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const kbColumns = `kb.id, kb.project_id, kb.file_name, kb.source, kb.date, kb.qa_items,
	kb.ingest_status, kb.success_count, kb.failed_count, kb.is_deleted, kb.create_time, kb.update_time`

func scanKnowledgeBase(row pgx.Row, extra ...any) (domain.KnowledgeBase, error) {
	var kb domain.KnowledgeBase
	var status string
	dest := append([]any{
		&kb.ID, &kb.ProjectID, &kb.FileName, &kb.Source, &kb.Date, &kb.QAItems,
		&status, &kb.SuccessCount, &kb.FailedCount, &kb.IsDeleted, &kb.CreateTime, &kb.UpdateTime,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return kb, err
	}
	kb.IngestStatus = domain.IngestStatus(status)
	return kb, nil
}

func (q *queries) CreateKnowledgeBase(ctx context.Context, kb domain.NewKnowledgeBase) (int64, error) {
	if err := kb.Validate(); err != nil {
		return 0, err
	}

	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO knowledge_base (project_id, file_name, source, date, qa_items, ingest_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		kb.ProjectID, kb.FileName, kb.Source, kb.Date, kb.QAItems, string(kb.Status),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: project %d already has a qa knowledge base", domain.ErrConflict, kb.ProjectID)
		}
		return 0, fmt.Errorf("failed to create knowledge base: %w", err)
	}

	logger.Debug("Knowledge base created", zap.Int64("kb_id", id), zap.Int64("project_id", kb.ProjectID))
	return id, nil
}

func (q *queries) FindQAKnowledgeBase(ctx context.Context, projectID int64) (int64, bool, error) {
	return findQA(ctx, q.db, projectID)
}

func findQA(ctx context.Context, db querier, projectID int64) (int64, bool, error) {
	var id int64
	err := db.QueryRow(ctx, `
		SELECT id FROM knowledge_base
		WHERE project_id = $1 AND qa_items AND NOT is_deleted
		ORDER BY id
		LIMIT 1`, projectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find qa knowledge base: %w", err)
	}
	return id, true, nil
}

func (q *queries) GetOrCreateQAKnowledgeBase(ctx context.Context, projectID int64) (int64, error) {
	if err := domain.ValidateID("project_id", projectID); err != nil {
		return 0, err
	}

	id, err := q.getOrCreateQA(ctx, projectID)
	if err == nil {
		return id, nil
	}
	if !isUniqueViolation(err) {
		return 0, err
	}

	logger.Warn("QA knowledge base creation raced, re-reading", zap.Int64("project_id", projectID))

	id, found, err := findQA(ctx, q.db, projectID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: qa knowledge base for project %d vanished after unique violation", domain.ErrConflict, projectID)
	}
	return id, nil
}

// getOrCreateQA runs under a project-keyed advisory lock that is released when
// the enclosing transaction ends.
func (q *queries) getOrCreateQA(ctx context.Context, projectID int64) (int64, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, projectID); err != nil {
		return 0, fmt.Errorf("failed to acquire qa lock: %w", err)
	}

	id, found, err := findQA(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	if !found {
		err = tx.QueryRow(ctx, `
			INSERT INTO knowledge_base (project_id, file_name, qa_items, ingest_status)
			VALUES ($1, $2, TRUE, $3)
			RETURNING id`,
			projectID, domain.QAFileName, string(domain.StatusSucceeded),
		).Scan(&id)
		if err != nil {
			return 0, err
		}
		logger.Info("QA knowledge base created", zap.Int64("kb_id", id), zap.Int64("project_id", projectID))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *queries) UpdateIngestStatus(ctx context.Context, kbID, projectID int64, status domain.IngestStatus, counts *domain.StatusCounts) error {
	if !status.Valid() {
		return domain.Validationf("invalid ingest status %q", status)
	}

	var success, failed *int
	if counts != nil {
		s, f := max(0, counts.Success), max(0, counts.Failed)
		success, failed = &s, &f
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE knowledge_base
		SET ingest_status = $3,
			success_count = COALESCE($4, success_count),
			failed_count = COALESCE($5, failed_count),
			update_time = now()
		WHERE id = $1 AND project_id = $2 AND NOT is_deleted`,
		kbID, projectID, string(status), success, failed,
	)
	if err != nil {
		return fmt.Errorf("failed to update ingest status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("knowledge base %d in project %d", kbID, projectID)
	}
	return nil
}

func (q *queries) UpdateSourceAndDate(ctx context.Context, kbID, projectID int64, source *string, date *time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE knowledge_base SET source = $3, date = $4, update_time = now()
		WHERE id = $1 AND project_id = $2 AND NOT is_deleted`,
		kbID, projectID, source, date,
	)
	if err != nil {
		return fmt.Errorf("failed to update source and date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("knowledge base %d in project %d", kbID, projectID)
	}
	return nil
}

func (q *queries) SourceExists(ctx context.Context, projectID int64, source string) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return false, nil
	}

	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM knowledge_base
			WHERE project_id = $1 AND source = $2 AND NOT qa_items AND NOT is_deleted
		)`, projectID, source).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check source: %w", err)
	}
	return exists, nil
}

func (q *queries) SoftDeleteKnowledgeBase(ctx context.Context, kbID, projectID int64, opts domain.DeleteOptions) (domain.DeleteResult, error) {
	result := domain.DeleteResult{KBID: kbID, ProjectID: projectID}

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	var isDeleted, qaItems bool
	var status string
	err = tx.QueryRow(ctx, `
		SELECT is_deleted, qa_items, ingest_status FROM knowledge_base
		WHERE id = $1 AND project_id = $2
		FOR UPDATE`, kbID, projectID).Scan(&isDeleted, &qaItems, &status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		result.Reason = domain.ReasonNotFound
		return result, nil
	case err != nil:
		return result, fmt.Errorf("failed to lock knowledge base: %w", err)
	}

	switch {
	case isDeleted:
		result.Reason = domain.ReasonAlreadyDeleted
		return result, nil
	case opts.ForbidQAKB && qaItems:
		result.Reason = domain.ReasonQAKBForbidden
		return result, nil
	case opts.ForbidIngesting && domain.IngestStatus(status) == domain.StatusIngesting:
		result.Reason = domain.ReasonIngestingForbidden
		return result, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_base SET is_deleted = TRUE, update_time = now()
		WHERE id = $1 AND project_id = $2`, kbID, projectID); err != nil {
		return result, fmt.Errorf("failed to delete knowledge base: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE item SET is_deleted = TRUE, update_time = now()
		WHERE kb_id = $1 AND project_id = $2 AND NOT is_deleted`, kbID, projectID)
	if err != nil {
		return result, fmt.Errorf("failed to delete items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("failed to commit delete: %w", err)
	}

	result.KBDeleted = true
	result.ItemDeletedCount = int(tag.RowsAffected())
	result.Reason = domain.ReasonDeleted
	return result, nil
}

func (q *queries) RestoreKnowledgeBase(ctx context.Context, kbID, projectID int64) (bool, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE knowledge_base SET is_deleted = FALSE, update_time = now()
		WHERE id = $1 AND project_id = $2 AND is_deleted`, kbID, projectID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: project %d already has a live qa knowledge base", domain.ErrConflict, projectID)
		}
		return false, fmt.Errorf("failed to restore knowledge base: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE item SET is_deleted = FALSE, update_time = now()
		WHERE kb_id = $1 AND project_id = $2 AND is_deleted`, kbID, projectID); err != nil {
		return false, fmt.Errorf("failed to restore items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit restore: %w", err)
	}
	return true, nil
}

const summarySelect = `
	SELECT ` + kbColumns + `, COUNT(i.id)
	FROM knowledge_base kb
	LEFT JOIN item i ON i.kb_id = kb.id AND NOT i.is_deleted`

func (q *queries) ListKnowledgeBases(ctx context.Context, projectID int64) ([]domain.KBSummary, error) {
	return q.listSummaries(ctx, summarySelect+`
		WHERE kb.project_id = $1 AND NOT kb.is_deleted AND NOT kb.qa_items
		GROUP BY kb.id
		ORDER BY kb.id DESC`, projectID)
}

func (q *queries) SearchKnowledgeBasesBySource(ctx context.Context, projectID int64, keyword string) ([]domain.KBSummary, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return []domain.KBSummary{}, nil
	}

	return q.listSummaries(ctx, summarySelect+`
		WHERE kb.project_id = $1 AND NOT kb.is_deleted AND NOT kb.qa_items
			AND kb.source ILIKE '%' || $2 || '%' ESCAPE '\'
		GROUP BY kb.id
		ORDER BY kb.id DESC`, projectID, escapeLike(keyword))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (q *queries) listSummaries(ctx context.Context, sql string, args ...any) ([]domain.KBSummary, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	summaries := []domain.KBSummary{}
	for rows.Next() {
		var s domain.KBSummary
		kb, err := scanKnowledgeBase(rows, &s.ChunkCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		s.KnowledgeBase = kb
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (q *queries) GetTaskStatus(ctx context.Context, projectID, kbID int64) (*domain.KBSummary, error) {
	var s domain.KBSummary
	kb, err := scanKnowledgeBase(q.db.QueryRow(ctx, summarySelect+`
		WHERE kb.id = $1 AND kb.project_id = $2 AND NOT kb.is_deleted
		GROUP BY kb.id`, kbID, projectID), &s.ChunkCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	s.KnowledgeBase = kb
	return &s, nil
}

func (q *queries) ListStaleIngesting(ctx context.Context, olderThan time.Time) ([]domain.KnowledgeBase, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+kbColumns+`
		FROM knowledge_base kb
		WHERE kb.ingest_status = 'ingesting' AND NOT kb.is_deleted AND kb.update_time < $1
		ORDER BY kb.update_time`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale knowledge bases: %w", err)
	}
	defer rows.Close()

	var stale []domain.KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		stale = append(stale, kb)
	}
	return stale, rows.Err()
}
