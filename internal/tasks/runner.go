// Package tasks runs ingestion in the background on a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/pkg/logger"
)

var ErrShuttingDown = errors.New("task runner is shutting down")

type Ingestor interface {
	Run(ctx context.Context, req ingestion.RunRequest) ingestion.Result
	Abort(ctx context.Context, req ingestion.RunRequest, cause error) ingestion.Result
}

// Runner executes ingestion runs on an ants pool. Runs for one knowledge base
// never overlap; runs for different knowledge bases proceed in parallel up to
// the pool size. A full pool rejects instead of queueing.
type Runner struct {
	pool     *ants.Pool
	ingestor Ingestor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	locks  map[int64]*kbLock
	closed bool
}

type kbLock struct {
	mu   sync.Mutex
	refs int
}

func NewRunner(ingestor Ingestor, workers int) (*Runner, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:     pool,
		ingestor: ingestor,
		ctx:      ctx,
		cancel:   cancel,
		locks:    make(map[int64]*kbLock),
	}, nil
}

// Submit schedules req. When the pool rejects it the knowledge base is marked
// failed before Submit returns, and the rejection is returned.
func (r *Runner) Submit(req ingestion.RunRequest) error {
	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if closed {
		return r.reject(req, ErrShuttingDown)
	}

	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.execute(req)
	})
	if err != nil {
		r.wg.Done()
		return r.reject(req, err)
	}
	return nil
}

func (r *Runner) reject(req ingestion.RunRequest, cause error) error {
	metrics.TaskRejections.Inc()
	logger.Warn("Ingestion task rejected",
		zap.Int64("kb_id", req.KBID),
		zap.Int64("project_id", req.ProjectID),
		zap.Error(cause),
	)
	r.ingestor.Abort(context.Background(), req, cause)
	return fmt.Errorf("failed to schedule ingestion: %w", cause)
}

func (r *Runner) execute(req ingestion.RunRequest) {
	unlock := r.lock(req.KBID)
	defer unlock()

	metrics.RunningTasks.Inc()
	defer metrics.RunningTasks.Dec()

	res := r.ingestor.Run(r.ctx, req)
	logger.Info("Ingestion task finished",
		zap.Int64("kb_id", req.KBID),
		zap.Bool("ok", res.OK),
		zap.Int("success_count", res.SuccessCount),
		zap.Int("failed_count", res.FailedCount),
	)
}

func (r *Runner) lock(kbID int64) func() {
	r.mu.Lock()
	l, ok := r.locks[kbID]
	if !ok {
		l = &kbLock{}
		r.locks[kbID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, kbID)
		}
		r.mu.Unlock()
	}
}

func (r *Runner) Running() int {
	return r.pool.Running()
}

// Shutdown stops accepting work and waits up to timeout for in-flight runs.
// Runs still going after the timeout are cancelled; they record their own
// failure status before returning.
func (r *Runner) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Cancelling in-flight ingestion runs", zap.Duration("timeout", timeout))
		r.cancel()
		<-done
		err = fmt.Errorf("ingestion runs cancelled after %s", timeout)
	}

	r.cancel()
	r.pool.Release()
	return err
}
