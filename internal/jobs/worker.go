package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/pkg/logger"
	"github.com/ignite/appforge/internal/workspace"
)

// Handler processes one claimed job. A nil error marks the job succeeded.
type Handler func(ctx context.Context, job *Job) error

// Worker polls the store and dispatches claimed jobs to registered handlers.
// One worker per process; batch claiming keeps multiple processes safe.
type Worker struct {
	id       string
	store    Store
	handlers map[string]Handler
	poll     time.Duration
	batch    int
	log      *logger.Logger

	now       func() time.Time
	processed atomic.Uint64
	errors    atomic.Uint64
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWorker creates a worker polling every poll interval, claiming up to
// batch jobs per cycle.
func NewWorker(store Store, poll time.Duration, batch int) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	return &Worker{
		id:       uuid.New().String(),
		store:    store,
		handlers: map[string]Handler{},
		poll:     poll,
		batch:    batch,
		log:      logger.With("worker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.startedAt = w.now()
	w.mu.Unlock()

	registerWorker(&WorkerStatus{ID: w.id, StartedAt: w.startedAt, LastBeat: w.startedAt})

	w.wg.Add(2)
	go w.loop()
	go w.heartbeat()
	w.log.Info("worker started", "worker_id", w.id, "poll_ms", w.poll.Milliseconds(), "batch", w.batch)
}

// Stop halts the poll loop and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	deregisterWorker(w.id)
	w.log.Info("worker stopped", "worker_id", w.id,
		"processed", w.processed.Load(), "errors", w.errors.Load())
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(w.ctx); err != nil {
				w.log.Error("poll cycle failed", "error", err.Error())
			}
		}
	}
}

func (w *Worker) heartbeat() {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			processed, errs := w.processed.Load(), w.errors.Load()
			beatWorker(w.id, processed, errs, w.now())
			w.log.Debug("heartbeat", "worker_id", w.id, "processed", processed, "errors", errs)
		}
	}
}

// RunOnce claims and processes one batch. Returns how many jobs ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.store.ClaimBatch(ctx, w.now(), w.batch)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, job := range claimed {
		w.process(ctx, job)
	}
	return len(claimed), nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.processed.Add(1)
		w.errors.Add(1)
		job.Status = StatusDead
		job.LastError = "no handler registered for type " + job.Type
		w.finish(ctx, job, "dead", job.LastError)
		return
	}

	jobCtx := workspace.Bind(ctx, job.WorkspaceID)
	err := handler(jobCtx, job)
	w.processed.Add(1)
	if err == nil {
		job.Status = StatusSucceeded
		job.LastError = ""
		w.finish(ctx, job, "succeeded", "")
		return
	}

	w.errors.Add(1)
	job.LastError = err.Error()
	switch {
	case apperr.Is(err, apperr.CodeSecretStore):
		// Misconfigured credentials never self-heal; retrying would only
		// hammer the provider.
		job.Status = StatusFailed
		w.finish(ctx, job, "failed", job.LastError)
	case job.Attempt >= job.MaxAttempts:
		job.Status = StatusDead
		w.finish(ctx, job, "dead", job.LastError)
	default:
		delay := Backoff(job.Attempt)
		job.Status = StatusQueued
		job.RunAt = w.now().Add(delay)
		w.finish(ctx, job, "retry_scheduled",
			fmt.Sprintf("attempt %d failed, retrying in %s: %s", job.Attempt, delay, err.Error()))
	}
}

func (w *Worker) finish(ctx context.Context, job *Job, kind, message string) {
	if err := w.store.Update(ctx, job); err != nil {
		w.log.Error("job update failed", "job", job.ID, "error", err.Error())
		return
	}
	if err := w.store.AddEvent(ctx, job.ID, kind, message); err != nil {
		w.log.Warn("job event write failed", "job", job.ID, "error", err.Error())
	}
	switch job.Status {
	case StatusDead:
		w.log.Error("job dead", "job", job.ID, "type", job.Type, "attempt", job.Attempt, "error", job.LastError)
	case StatusFailed:
		w.log.Error("job failed", "job", job.ID, "type", job.Type, "error", job.LastError)
	default:
		w.log.Debug("job processed", "job", job.ID, "type", job.Type, "status", job.Status)
	}
}
