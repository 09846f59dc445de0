// Package scheduler registers named periodic jobs (cron-style or fixed-delay)
// and runs them until shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is a periodic job callback. The context is cancelled when the runner
// stops.
type Task func(ctx context.Context)

// Runner wraps robfig/cron with panic recovery and per-run logging. Jobs are
// registered once at process start; Stop cancels them so no timers leak
// across tests or graceful restarts.
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	names  map[cron.EntryID]string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a stopped runner; call Start after registering jobs.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(),
		logger: logger,
		names:  make(map[cron.EntryID]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers a fixed-delay job.
func (r *Runner) Every(name string, interval time.Duration, task Task) (cron.EntryID, error) {
	return r.Schedule(name, fmt.Sprintf("@every %s", interval), task)
}

// Schedule registers a job with a cron spec (e.g. "*/5 * * * *").
func (r *Runner) Schedule(name, spec string, task Task) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, r.wrap(name, task))
	if err != nil {
		return 0, fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	r.logger.Info("scheduled task registered", zap.String("task", name), zap.String("spec", spec))
	return id, nil
}

// Remove unregisters a job.
func (r *Runner) Remove(id cron.EntryID) {
	r.cron.Remove(id)
	r.mu.Lock()
	delete(r.names, id)
	r.mu.Unlock()
}

// Names returns the registered task names, for diagnostics.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	return out
}

// Start begins invoking registered jobs on schedule.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for in-flight ones to finish.
func (r *Runner) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) wrap(name string, task Task) func() {
	return func() {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
		}()
		task(r.ctx)
		r.logger.Debug("scheduled task ran", zap.String("task", name), zap.Duration("took", time.Since(start)))
	}
}
