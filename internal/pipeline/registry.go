package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

// Registry owns the run lifecycle: it starts runs in the background, tracks
// their cancel handles and records state transitions in the runs table.
type Registry struct {
	db     *sqlite.Client
	runner *Runner

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	watches map[string][]chan models.Run

	// onFinish hooks run after every terminal transition, e.g. cache
	// invalidation so fresh insights are visible immediately.
	onFinish []func(models.Run)
}

// OnFinish registers a hook invoked after each run reaches a terminal state.
// Not safe to call once runs have started.
func (r *Registry) OnFinish(fn func(models.Run)) {
	r.onFinish = append(r.onFinish, fn)
}

func NewRegistry(db *sqlite.Client, runner *Runner) *Registry {
	return &Registry{
		db:      db,
		runner:  runner,
		cancels: make(map[string]context.CancelFunc),
		watches: make(map[string][]chan models.Run),
	}
}

// Trigger validates the input, registers a new run and starts it in the
// background. The returned run is in RUNNING state.
func (r *Registry) Trigger(ctx context.Context, input models.RunInput, triggerSource string) (*models.Run, error) {
	if !models.ValidCrawlType(input.CrawlType) {
		return nil, apierr.Validation("Invalid crawl_type", "must be listing, search or both")
	}
	if input.DaysBack < 0 {
		return nil, apierr.Validation("Invalid days_back", "must not be negative")
	}
	input = applyOverrides(ctx, r.db, input)

	run := &models.Run{
		Name:        fmt.Sprintf("run-%s", uuid.New().String()),
		Status:      models.RunStatusRunning,
		TriggerTime: time.Now().UTC(),
		Source:      triggerSource,
		Input:       input,
	}
	if err := r.db.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[run.Name] = cancel
	r.mu.Unlock()

	go r.execute(runCtx, run)

	logger.Info("Run triggered",
		zap.String("run", run.Name), zap.String("source", triggerSource))
	return run, nil
}

func (r *Registry) execute(ctx context.Context, run *models.Run) {
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[run.Name]; ok {
			cancel()
			delete(r.cancels, run.Name)
		}
		r.mu.Unlock()
	}()

	output, err := r.runner.Execute(ctx, run.Input)

	status := models.RunStatusSucceeded
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = models.RunStatusAborted
		errMsg = "cancelled by operator"
	case err != nil:
		status = models.RunStatusFailed
		errMsg = err.Error()
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.db.FinishRun(finishCtx, run.Name, status, output, errMsg); err != nil {
		logger.Error("Failed to record run completion",
			zap.String("run", run.Name), zap.Error(err))
	}
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()

	run.Status = status
	run.Output = output
	run.Error = errMsg
	now := time.Now().UTC()
	run.StopTime = &now
	r.notify(*run)
	for _, fn := range r.onFinish {
		fn(*run)
	}

	logger.Info("Run finished",
		zap.String("run", run.Name), zap.String("status", string(status)))
}

// Status returns the current state of one run.
func (r *Registry) Status(ctx context.Context, name string) (*models.Run, error) {
	return r.db.GetRun(ctx, name)
}

// List returns the most recent runs, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.db.ListRuns(ctx, limit)
}

// Cancel aborts a running run. Cancelling a terminal run is a conflict.
func (r *Registry) Cancel(ctx context.Context, name string) error {
	run, err := r.db.GetRun(ctx, name)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return apierr.Conflict(fmt.Sprintf("Run %s already %s", name, run.Status))
	}

	r.mu.Lock()
	cancel, ok := r.cancels[name]
	r.mu.Unlock()
	if !ok {
		// Registered as running but not owned by this process, e.g. after
		// a restart. Mark it aborted so it doesn't dangle forever.
		return r.db.FinishRun(ctx, name, models.RunStatusAborted, nil, "cancelled by operator")
	}

	cancel()
	logger.Info("Run cancellation requested", zap.String("run", name))
	return nil
}

// Watch subscribes to the terminal notification of one run. The channel
// receives the finished run once and is then closed.
func (r *Registry) Watch(name string) <-chan models.Run {
	ch := make(chan models.Run, 1)
	r.mu.Lock()
	r.watches[name] = append(r.watches[name], ch)
	r.mu.Unlock()
	return ch
}

// Unwatch removes a Watch subscription that is no longer wanted.
func (r *Registry) Unwatch(name string, ch <-chan models.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.watches[name]
	for i, sub := range subs {
		if sub == ch {
			r.watches[name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (r *Registry) notify(run models.Run) {
	r.mu.Lock()
	subs := r.watches[run.Name]
	delete(r.watches, run.Name)
	r.mu.Unlock()
	for _, ch := range subs {
		ch <- run
		close(ch)
	}
}
