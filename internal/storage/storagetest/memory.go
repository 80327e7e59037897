// Package storagetest provides an in-memory storage.Store and a conformance
// suite that every storage.Store implementation must pass.
package storagetest

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage"
)

type state struct {
	kbs        map[int64]domain.KnowledgeBase
	items      map[int64]domain.Item
	lexical    map[int64][]string
	nextKBID   int64
	nextItemID int64
}

func newState() *state {
	return &state{
		kbs:     make(map[int64]domain.KnowledgeBase),
		items:   make(map[int64]domain.Item),
		lexical: make(map[int64][]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		kbs:        make(map[int64]domain.KnowledgeBase, len(s.kbs)),
		items:      make(map[int64]domain.Item, len(s.items)),
		lexical:    make(map[int64][]string, len(s.lexical)),
		nextKBID:   s.nextKBID,
		nextItemID: s.nextItemID,
	}
	for k, v := range s.kbs {
		c.kbs[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.lexical {
		c.lexical[k] = v
	}
	return c
}

// Memory is a storage.Store kept in process memory. Transactions are
// serialized and applied atomically, which also stands in for the
// project-keyed advisory lock.
type Memory struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	hookMu     sync.Mutex
	upsertHook func(kbID int64, rows []domain.ChunkRow) error
	statusHook func(kbID int64, status domain.IngestStatus) error
}

var _ storage.Store = (*Memory)(nil)

type Option func(*Memory)

func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailUpserts makes UpsertChunks return the hook's error when non-nil.
func (m *Memory) FailUpserts(hook func(kbID int64, rows []domain.ChunkRow) error) {
	m.hookMu.Lock()
	m.upsertHook = hook
	m.hookMu.Unlock()
}

// FailStatusWrites makes UpdateIngestStatus return the hook's error when non-nil.
func (m *Memory) FailStatusWrites(hook func(kbID int64, status domain.IngestStatus) error) {
	m.hookMu.Lock()
	m.statusHook = hook
	m.hookMu.Unlock()
}

func (m *Memory) hooks() (func(int64, []domain.ChunkRow) error, func(int64, domain.IngestStatus) error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	return m.upsertHook, m.statusHook
}

func (m *Memory) Close() {}

func (m *Memory) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.st.clone()
	if err := fn(&memTx{m: m, st: working}); err != nil {
		return err
	}
	m.st = working
	return nil
}

func (m *Memory) WithReadTx(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return fn(&memTx{m: m, st: m.st.clone(), readOnly: true})
}

func (m *Memory) do(ctx context.Context, fn func(*memTx) error) error {
	return m.WithTx(ctx, func(tx storage.Tx) error { return fn(tx.(*memTx)) })
}

// Item returns a row by id regardless of tombstone, for assertions.
func (m *Memory) Item(id int64) (domain.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.st.items[id]
	return item, ok
}

// KnowledgeBase returns a row by id regardless of tombstone, for assertions.
func (m *Memory) KnowledgeBase(id int64) (domain.KnowledgeBase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kb, ok := m.st.kbs[id]
	return kb, ok
}

// LiveItems returns the live items of a knowledge base ordered by chunk index.
func (m *Memory) LiveItems(kbID int64) []domain.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Item
	for _, item := range m.st.items {
		if item.KBID == kbID && !item.IsDeleted {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ChunkIndex < items[j].ChunkIndex })
	return items
}

type memTx struct {
	m        *Memory
	st       *state
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return domain.Validationf("write in read-only transaction")
	}
	return nil
}

func (t *memTx) liveKB(kbID, projectID int64) (domain.KnowledgeBase, bool) {
	kb, ok := t.st.kbs[kbID]
	if !ok || kb.ProjectID != projectID || kb.IsDeleted {
		return domain.KnowledgeBase{}, false
	}
	return kb, true
}

func (t *memTx) CreateKnowledgeBase(_ context.Context, kb domain.NewKnowledgeBase) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	if err := kb.Validate(); err != nil {
		return 0, err
	}
	if kb.QAItems {
		if _, found := t.findQA(kb.ProjectID); found {
			return 0, domain.ErrConflict
		}
	}
	t.st.nextKBID++
	now := t.m.now()
	t.st.kbs[t.st.nextKBID] = domain.KnowledgeBase{
		ID:           t.st.nextKBID,
		ProjectID:    kb.ProjectID,
		FileName:     kb.FileName,
		Source:       kb.Source,
		Date:         kb.Date,
		QAItems:      kb.QAItems,
		IngestStatus: kb.Status,
		CreateTime:   now,
		UpdateTime:   now,
	}
	return t.st.nextKBID, nil
}

func (t *memTx) findQA(projectID int64) (int64, bool) {
	var id int64
	for _, kb := range t.st.kbs {
		if kb.ProjectID == projectID && kb.QAItems && !kb.IsDeleted && (id == 0 || kb.ID < id) {
			id = kb.ID
		}
	}
	return id, id != 0
}

func (t *memTx) FindQAKnowledgeBase(_ context.Context, projectID int64) (int64, bool, error) {
	id, found := t.findQA(projectID)
	return id, found, nil
}

func (t *memTx) GetOrCreateQAKnowledgeBase(ctx context.Context, projectID int64) (int64, error) {
	if err := domain.ValidateID("project_id", projectID); err != nil {
		return 0, err
	}
	if id, found := t.findQA(projectID); found {
		return id, nil
	}
	name := domain.QAFileName
	return t.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{
		ProjectID: projectID,
		FileName:  &name,
		QAItems:   true,
		Status:    domain.StatusSucceeded,
	})
}

func (t *memTx) UpdateIngestStatus(_ context.Context, kbID, projectID int64, status domain.IngestStatus, counts *domain.StatusCounts) error {
	if err := t.writable(); err != nil {
		return err
	}
	if !status.Valid() {
		return domain.Validationf("invalid ingest status %q", status)
	}
	if _, hook := t.m.hooks(); hook != nil {
		if err := hook(kbID, status); err != nil {
			return err
		}
	}
	kb, ok := t.liveKB(kbID, projectID)
	if !ok {
		return domain.NotFoundf("knowledge base %d in project %d", kbID, projectID)
	}
	kb.IngestStatus = status
	if counts != nil {
		kb.SuccessCount = max(0, counts.Success)
		kb.FailedCount = max(0, counts.Failed)
	}
	kb.UpdateTime = t.m.now()
	t.st.kbs[kbID] = kb
	return nil
}

func (t *memTx) UpdateSourceAndDate(_ context.Context, kbID, projectID int64, source *string, date *time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	kb, ok := t.liveKB(kbID, projectID)
	if !ok {
		return domain.NotFoundf("knowledge base %d in project %d", kbID, projectID)
	}
	kb.Source, kb.Date, kb.UpdateTime = source, date, t.m.now()
	t.st.kbs[kbID] = kb
	return nil
}

func (t *memTx) SourceExists(_ context.Context, projectID int64, source string) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return false, nil
	}
	for _, kb := range t.st.kbs {
		if kb.ProjectID == projectID && !kb.QAItems && !kb.IsDeleted && kb.Source != nil && *kb.Source == source {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SoftDeleteKnowledgeBase(_ context.Context, kbID, projectID int64, opts domain.DeleteOptions) (domain.DeleteResult, error) {
	result := domain.DeleteResult{KBID: kbID, ProjectID: projectID}
	if err := t.writable(); err != nil {
		return result, err
	}

	kb, ok := t.st.kbs[kbID]
	switch {
	case !ok || kb.ProjectID != projectID:
		result.Reason = domain.ReasonNotFound
		return result, nil
	case kb.IsDeleted:
		result.Reason = domain.ReasonAlreadyDeleted
		return result, nil
	case opts.ForbidQAKB && kb.QAItems:
		result.Reason = domain.ReasonQAKBForbidden
		return result, nil
	case opts.ForbidIngesting && kb.IngestStatus == domain.StatusIngesting:
		result.Reason = domain.ReasonIngestingForbidden
		return result, nil
	}

	now := t.m.now()
	kb.IsDeleted, kb.UpdateTime = true, now
	t.st.kbs[kbID] = kb
	for id, item := range t.st.items {
		if item.KBID == kbID && item.ProjectID == projectID && !item.IsDeleted {
			item.IsDeleted, item.UpdateTime = true, now
			t.st.items[id] = item
			result.ItemDeletedCount++
		}
	}
	result.KBDeleted = true
	result.Reason = domain.ReasonDeleted
	return result, nil
}

func (t *memTx) RestoreKnowledgeBase(ctx context.Context, kbID, projectID int64) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	kb, ok := t.st.kbs[kbID]
	if !ok || kb.ProjectID != projectID || !kb.IsDeleted {
		return false, nil
	}
	if kb.QAItems {
		if _, found := t.findQA(projectID); found {
			return false, domain.ErrConflict
		}
	}
	kb.IsDeleted, kb.UpdateTime = false, t.m.now()
	t.st.kbs[kbID] = kb
	if _, err := t.RestoreItems(ctx, kbID, projectID); err != nil {
		return false, err
	}
	return true, nil
}

func (t *memTx) summaries(projectID int64, keep func(domain.KnowledgeBase) bool) []domain.KBSummary {
	out := []domain.KBSummary{}
	for _, kb := range t.st.kbs {
		if kb.ProjectID != projectID || kb.IsDeleted || kb.QAItems || !keep(kb) {
			continue
		}
		out = append(out, domain.KBSummary{KnowledgeBase: kb, ChunkCount: t.liveCount(kb.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (t *memTx) liveCount(kbID int64) int {
	n := 0
	for _, item := range t.st.items {
		if item.KBID == kbID && !item.IsDeleted {
			n++
		}
	}
	return n
}

func (t *memTx) ListKnowledgeBases(_ context.Context, projectID int64) ([]domain.KBSummary, error) {
	return t.summaries(projectID, func(domain.KnowledgeBase) bool { return true }), nil
}

func (t *memTx) SearchKnowledgeBasesBySource(_ context.Context, projectID int64, keyword string) ([]domain.KBSummary, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return []domain.KBSummary{}, nil
	}
	return t.summaries(projectID, func(kb domain.KnowledgeBase) bool {
		return kb.Source != nil && strings.Contains(strings.ToLower(*kb.Source), keyword)
	}), nil
}

func (t *memTx) GetTaskStatus(_ context.Context, projectID, kbID int64) (*domain.KBSummary, error) {
	kb, ok := t.st.kbs[kbID]
	if !ok || kb.ProjectID != projectID || kb.IsDeleted {
		return nil, nil
	}
	return &domain.KBSummary{KnowledgeBase: kb, ChunkCount: t.liveCount(kbID)}, nil
}

func (t *memTx) ListStaleIngesting(_ context.Context, olderThan time.Time) ([]domain.KnowledgeBase, error) {
	var stale []domain.KnowledgeBase
	for _, kb := range t.st.kbs {
		if kb.IngestStatus == domain.StatusIngesting && !kb.IsDeleted && kb.UpdateTime.Before(olderThan) {
			stale = append(stale, kb)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdateTime.Before(stale[j].UpdateTime) })
	return stale, nil
}

func (t *memTx) NextChunkIndex(_ context.Context, kbID, projectID int64) (int, error) {
	next := 0
	for _, item := range t.st.items {
		if item.KBID == kbID && item.ProjectID == projectID && item.ChunkIndex >= next {
			next = item.ChunkIndex + 1
		}
	}
	return next, nil
}

func (t *memTx) ExistingOriginTexts(_ context.Context, kbID, projectID int64, texts []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(texts) == 0 {
		return existing, nil
	}
	wanted := make(map[string]struct{}, len(texts))
	for _, text := range texts {
		wanted[text] = struct{}{}
	}
	for _, item := range t.st.items {
		if item.KBID != kbID || item.ProjectID != projectID || item.IsDeleted {
			continue
		}
		if _, ok := wanted[item.OriginText]; ok {
			existing[item.OriginText] = struct{}{}
		}
	}
	return existing, nil
}

func (t *memTx) UpsertChunks(_ context.Context, kbID, projectID int64, rows []domain.ChunkRow) error {
	if err := t.writable(); err != nil {
		return err
	}
	if hook, _ := t.m.hooks(); hook != nil {
		if err := hook(kbID, rows); err != nil {
			return err
		}
	}
	if _, ok := t.st.kbs[kbID]; !ok {
		return domain.NotFoundf("knowledge base %d", kbID)
	}

	now := t.m.now()
	for _, row := range rows {
		if row.ChunkIndex < 0 {
			return domain.Validationf("chunk_index must be non-negative, got %d", row.ChunkIndex)
		}
		id, found := t.itemID(kbID, row.ChunkIndex)
		item := t.st.items[id]
		if !found {
			t.st.nextItemID++
			id = t.st.nextItemID
			item = domain.Item{ID: id, KBID: kbID, ChunkIndex: row.ChunkIndex, CreateTime: now}
		}
		item.ProjectID = projectID
		item.OriginText = row.OriginText
		item.Question, item.Answer = row.Question, row.Answer
		item.Source, item.Date = row.Source, row.Date
		item.Embedding = row.Embedding
		item.IsDeleted = false
		item.UpdateTime = now
		t.st.items[id] = item
		t.st.lexical[id] = strings.Fields(row.Lexical)
	}
	return nil
}

func (t *memTx) itemID(kbID int64, chunkIndex int) (int64, bool) {
	for id, item := range t.st.items {
		if item.KBID == kbID && item.ChunkIndex == chunkIndex {
			return id, true
		}
	}
	return 0, false
}

func (t *memTx) GetItem(_ context.Context, kbID, projectID, itemID int64) (*domain.Item, error) {
	item, ok := t.st.items[itemID]
	if !ok || item.KBID != kbID || item.ProjectID != projectID || item.IsDeleted {
		return nil, nil
	}
	return &item, nil
}

func (t *memTx) ItemIDByChunkIndex(_ context.Context, kbID, projectID int64, chunkIndex int) (int64, bool, error) {
	id, found := t.itemID(kbID, chunkIndex)
	if !found || t.st.items[id].ProjectID != projectID {
		return 0, false, nil
	}
	return id, true, nil
}

func (t *memTx) UpdateItem(_ context.Context, kbID, projectID int64, upd domain.ItemUpdate) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	item, ok := t.st.items[upd.ItemID]
	if !ok || item.KBID != kbID || item.ProjectID != projectID || item.IsDeleted {
		return false, nil
	}
	item.Question, item.Answer = upd.Question, upd.Answer
	item.OriginText = upd.OriginText
	item.Embedding = upd.Embedding
	item.UpdateTime = t.m.now()
	t.st.items[upd.ItemID] = item
	t.st.lexical[upd.ItemID] = strings.Fields(upd.Lexical)
	return true, nil
}

func (t *memTx) setDeleted(kbID, projectID int64, deleted bool, match func(domain.Item) bool) int {
	n := 0
	now := t.m.now()
	for id, item := range t.st.items {
		if item.KBID != kbID || item.ProjectID != projectID || item.IsDeleted == deleted || !match(item) {
			continue
		}
		item.IsDeleted, item.UpdateTime = deleted, now
		t.st.items[id] = item
		n++
	}
	return n
}

func (t *memTx) SoftDeleteItemsByIDs(_ context.Context, kbID, projectID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := t.writable(); err != nil {
		return 0, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return t.setDeleted(kbID, projectID, true, func(item domain.Item) bool {
		_, ok := set[item.ID]
		return ok
	}), nil
}

func (t *memTx) SoftDeleteItemsByChunkIndexes(_ context.Context, kbID, projectID int64, indexes []int) (int, error) {
	if len(indexes) == 0 {
		return 0, nil
	}
	if err := t.writable(); err != nil {
		return 0, err
	}
	set := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		set[idx] = struct{}{}
	}
	return t.setDeleted(kbID, projectID, true, func(item domain.Item) bool {
		_, ok := set[item.ChunkIndex]
		return ok
	}), nil
}

func (t *memTx) RestoreItems(_ context.Context, kbID, projectID int64) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setDeleted(kbID, projectID, false, func(domain.Item) bool { return true }), nil
}

func (t *memTx) ListItems(_ context.Context, kbID, projectID int64, page, pageSize int) ([]domain.Item, int, error) {
	if page < 1 || pageSize < 1 {
		return nil, 0, domain.Validationf("page and page_size must be positive")
	}
	var live []domain.Item
	for _, item := range t.st.items {
		if item.KBID == kbID && item.ProjectID == projectID && !item.IsDeleted {
			live = append(live, item)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ChunkIndex < live[j].ChunkIndex })

	items := []domain.Item{}
	start := (page - 1) * pageSize
	if start < len(live) {
		items = append(items, live[start:min(len(live), start+pageSize)]...)
	}
	return items, len(live), nil
}

func hit(item domain.Item, score float64) domain.ScoredItem {
	return domain.ScoredItem{
		ID:         item.ID,
		KBID:       item.KBID,
		ChunkIndex: item.ChunkIndex,
		Text:       item.OriginText,
		Question:   item.Question,
		Answer:     item.Answer,
		Source:     item.Source,
		Date:       item.Date,
		Score:      score,
	}
}

func (t *memTx) SearchDense(_ context.Context, projectID int64, vector []float32, topK int) ([]domain.ScoredItem, error) {
	hits := []domain.ScoredItem{}
	if topK <= 0 || len(vector) == 0 {
		return hits, nil
	}
	for _, item := range t.st.items {
		if item.ProjectID != projectID || item.IsDeleted {
			continue
		}
		hits = append(hits, hit(item, cosineDistance(vector, item.Embedding)))
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits[:min(topK, len(hits))], nil
}

func (t *memTx) SearchLexical(_ context.Context, projectID int64, tokens []string, topK int) ([]domain.ScoredItem, error) {
	hits := []domain.ScoredItem{}
	if topK <= 0 || len(tokens) == 0 {
		return hits, nil
	}
	for id, item := range t.st.items {
		if item.ProjectID != projectID || item.IsDeleted {
			continue
		}
		if score, ok := matchAll(t.st.lexical[id], tokens); ok {
			hits = append(hits, hit(item, score))
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits[:min(topK, len(hits))], nil
}

// matchAll mirrors plainto_tsquery: every query token must occur. The score
// is the number of matching document tokens over the document length.
func matchAll(doc, query []string) (float64, bool) {
	if len(doc) == 0 {
		return 0, false
	}
	freq := make(map[string]int, len(doc))
	for _, tok := range doc {
		freq[tok]++
	}
	matched := 0
	for _, tok := range query {
		n, ok := freq[tok]
		if !ok {
			return 0, false
		}
		matched += n
	}
	return float64(matched) / float64(len(doc)), true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
