// Package reconcile watches for knowledge bases left in ingesting state by a
// crashed process. It reports them; repairing them is an operator decision.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/pkg/logger"
)

type Lister interface {
	ListStaleIngesting(ctx context.Context, olderThan time.Time) ([]domain.KnowledgeBase, error)
}

type Monitor struct {
	lister     Lister
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewMonitor(lister Lister, staleAfter time.Duration) *Monitor {
	return &Monitor{lister: lister, staleAfter: staleAfter, now: time.Now}
}

// Check lists knowledge bases whose last status change is older than the
// stale threshold while still ingesting.
func (m *Monitor) Check(ctx context.Context) ([]domain.KnowledgeBase, error) {
	stale, err := m.lister.ListStaleIngesting(ctx, m.now().Add(-m.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}

	metrics.StaleIngesting.Set(float64(len(stale)))
	for _, kb := range stale {
		logger.Warn("Knowledge base stuck in ingesting",
			zap.Int64("kb_id", kb.ID),
			zap.Int64("project_id", kb.ProjectID),
			zap.Time("since", kb.UpdateTime),
		)
	}
	return stale, nil
}

// Start runs Check on schedule, a standard five-field cron expression or a
// descriptor such as "@every 5m".
func (m *Monitor) Start(schedule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.Check(ctx); err != nil {
			logger.Error("Stale run check failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	c.Start()
	m.cron = c
	logger.Info("Stale run monitor started",
		zap.String("schedule", schedule),
		zap.Duration("stale_after", m.staleAfter),
	)
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
