package domain

import (
	"fmt"
	"time"
)

type IngestStatus string

const (
	StatusIngesting IngestStatus = "ingesting"
	StatusSucceeded IngestStatus = "succeeded"
	StatusFailed    IngestStatus = "failed"
)

func (s IngestStatus) Valid() bool {
	switch s {
	case StatusIngesting, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a run has finished with this status.
func (s IngestStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether a knowledge base may move from s to next.
// A run starts from a terminal state and ends in one.
func (s IngestStatus) CanTransition(next IngestStatus) bool {
	switch s {
	case StatusIngesting:
		return next.Terminal()
	case StatusSucceeded, StatusFailed:
		return next == StatusIngesting
	}
	return false
}

func ParseIngestStatus(s string) (IngestStatus, error) {
	status := IngestStatus(s)
	if !status.Valid() {
		return "", Validationf("invalid ingest status %q", s)
	}
	return status, nil
}

// QAFileName is the display name of the per-project QA knowledge base.
const QAFileName = "qa_items"

type KnowledgeBase struct {
	ID           int64        `json:"id"`
	ProjectID    int64        `json:"project_id"`
	FileName     *string      `json:"file_name"`
	Source       *string      `json:"source"`
	Date         *time.Time   `json:"date"`
	QAItems      bool         `json:"qa_items"`
	IngestStatus IngestStatus `json:"ingest_status"`
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	IsDeleted    bool         `json:"is_deleted"`
	CreateTime   time.Time    `json:"create_time"`
	UpdateTime   time.Time    `json:"update_time"`
}

// KBSummary is a knowledge base row plus the number of its live chunks.
type KBSummary struct {
	KnowledgeBase
	ChunkCount int `json:"chunk_count"`
}

type NewKnowledgeBase struct {
	ProjectID int64
	FileName  *string
	Source    *string
	Date      *time.Time
	QAItems   bool
	Status    IngestStatus
}

func (n NewKnowledgeBase) Validate() error {
	if err := ValidateID("project_id", n.ProjectID); err != nil {
		return err
	}
	if !n.Status.Valid() {
		return Validationf("invalid ingest status %q", n.Status)
	}
	return nil
}

type StatusCounts struct {
	Success int
	Failed  int
}

type Item struct {
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
	KBID       int64      `json:"kb_id"`
	ChunkIndex int        `json:"chunk_index"`
	OriginText string     `json:"origin_text"`
	Question   *string    `json:"question"`
	Answer     *string    `json:"answer"`
	Source     *string    `json:"source"`
	Date       *time.Time `json:"date"`
	Embedding  []float32  `json:"-"`
	IsDeleted  bool       `json:"is_deleted"`
	CreateTime time.Time  `json:"create_time"`
	UpdateTime time.Time  `json:"update_time"`
}

// ChunkRow is one row handed to the chunk store for upsert.
// Lexical holds the space-joined tokens the full-text column is built from.
type ChunkRow struct {
	ChunkIndex int
	OriginText string
	Question   *string
	Answer     *string
	Source     *string
	Date       *time.Time
	Embedding  []float32
	Lexical    string
}

type ItemUpdate struct {
	ItemID     int64
	Question   *string
	Answer     *string
	OriginText string
	Embedding  []float32
	Lexical    string
}

type DeleteReason string

const (
	ReasonDeleted            DeleteReason = "deleted"
	ReasonNotFound           DeleteReason = "not_found"
	ReasonAlreadyDeleted     DeleteReason = "already_deleted"
	ReasonQAKBForbidden      DeleteReason = "qa_kb_forbidden"
	ReasonIngestingForbidden DeleteReason = "ingesting_forbidden"
)

type DeleteOptions struct {
	ForbidQAKB      bool
	ForbidIngesting bool
}

func DefaultDeleteOptions() DeleteOptions {
	return DeleteOptions{ForbidQAKB: true, ForbidIngesting: true}
}

type DeleteResult struct {
	KBID             int64        `json:"kb_id"`
	ProjectID        int64        `json:"project_id"`
	KBDeleted        bool         `json:"kb_deleted"`
	ItemDeletedCount int          `json:"item_deleted_count"`
	Reason           DeleteReason `json:"reason"`
}

// Err maps the reason code onto the error taxonomy for callers that need one.
func (r DeleteResult) Err() error {
	switch r.Reason {
	case ReasonDeleted:
		return nil
	case ReasonNotFound:
		return fmt.Errorf("%w: knowledge base %d", ErrNotFound, r.KBID)
	case ReasonAlreadyDeleted:
		return fmt.Errorf("%w: knowledge base %d already deleted", ErrConflict, r.KBID)
	default:
		return fmt.Errorf("%w: knowledge base %d: %s", ErrForbidden, r.KBID, r.Reason)
	}
}

// ScoredItem is a retrieval hit. For dense hits Score is the cosine distance
// (lower is closer); for lexical hits it is the rank (higher is better).
type ScoredItem struct {
	ID         int64      `json:"id"`
	KBID       int64      `json:"kb_id"`
	ChunkIndex int        `json:"chunk_index"`
	Text       string     `json:"text"`
	Question   *string    `json:"question,omitempty"`
	Answer     *string    `json:"answer,omitempty"`
	Source     *string    `json:"source"`
	Date       *time.Time `json:"date"`
	Score      float64    `json:"score"`
}
