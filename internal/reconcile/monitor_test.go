package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
)

func TestCheckReportsOnlyStaleIngesting(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := storagetest.NewMemory(storagetest.WithClock(func() time.Time { return clock }))
	projectID := storagetest.NewProjectID()

	stuck, err := store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{ProjectID: projectID, Status: domain.StatusIngesting})
	require.NoError(t, err)
	_, err = store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{ProjectID: projectID, Status: domain.StatusSucceeded})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{ProjectID: projectID, Status: domain.StatusIngesting})
	require.NoError(t, err)

	m := NewMonitor(store, time.Hour)
	m.now = func() time.Time { return clock }

	stale, err := m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck, stale[0].ID)

	kb, _ := store.KnowledgeBase(stuck)
	assert.Equal(t, domain.StatusIngesting, kb.IngestStatus, "monitor never repairs rows")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := NewMonitor(storagetest.NewMemory(), time.Hour)
	assert.Error(t, m.Start("every now and then"))

	require.NoError(t, m.Start("@every 1h"))
	assert.Error(t, m.Start("@every 1h"))
	m.Stop()
	m.Stop()
}
