package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/distlock"
	"github.com/ignite/appforge/internal/pkg/logger"
)

// Scheduler periodically enqueues the attachments.cleanup job for a
// workspace. Idempotency keys are windowed by interval start, so overlapping
// schedulers collapse to one job; a distributed lock additionally keeps one
// leader per deployment when one is available.
type Scheduler struct {
	store       Store
	lock        distlock.Lock
	workspaceID string
	source      string
	hours       int
	interval    time.Duration
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewScheduler enqueues cleanup for one workspace's source every interval.
// lock may be nil in single-process deployments.
func NewScheduler(store Store, lock distlock.Lock, workspaceID, source string, hours int, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		store:       store,
		lock:        lock,
		workspaceID: workspaceID,
		source:      source,
		hours:       hours,
		interval:    interval,
		log:         logger.With("scheduler"),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			s.log.Warn("cleanup lock check failed", "error", err.Error())
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				s.log.Warn("cleanup lock release failed", "error", err.Error())
			}
		}()
	}

	window := time.Now().UTC().Truncate(s.interval).Format(time.RFC3339)
	_, inserted, err := s.store.Enqueue(ctx, &Job{
		WorkspaceID: s.workspaceID,
		Type:        TypeAttachmentsCleanup,
		Key:         fmt.Sprintf("cleanup:%s:%s", s.source, window),
		Payload:     manifest.Map{"source": s.source, "hours": s.hours},
	})
	if err != nil {
		s.log.Error("cleanup enqueue failed", "workspace_id", s.workspaceID, "error", err.Error())
		return
	}
	if inserted {
		s.log.Info("cleanup scheduled", "workspace_id", s.workspaceID, "source", s.source, "window", window)
	}
}
