package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// MemoryStore is the in-process Store used in tests and single-node setups.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	events map[string][]*Event

	now func() time.Time
}

// NewMemoryStore creates an empty job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   map[string]*Job{},
		events: map[string][]*Event{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func cloneJob(j *Job) *Job {
	dup := *j
	if j.Payload != nil {
		dup.Payload = manifest.CopyManifest(j.Payload)
	}
	return &dup
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Key != "" {
		for _, id := range s.order {
			existing := s.jobs[id]
			if existing.WorkspaceID == job.WorkspaceID && existing.Type == job.Type &&
				existing.Key == job.Key &&
				(existing.Status == StatusQueued || existing.Status == StatusRunning) {
				return cloneJob(existing), false, nil
			}
		}
	}

	now := s.now()
	stored := cloneJob(job)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = StatusQueued
	}
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = DefaultMaxAttempts
	}
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return cloneJob(stored), true, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status == StatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempt++
		j.UpdatedAt = now
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return apperr.New(apperr.CodeJobNotFound, "job %s not found", job.ID)
	}
	dup := cloneJob(job)
	dup.CreatedAt = existing.CreatedAt
	dup.UpdatedAt = s.now()
	s.jobs[job.ID] = dup
	return nil
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.WorkspaceID != workspaceID {
		return nil, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) List(_ context.Context, workspaceID, status string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	// newest first
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if j.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, cloneJob(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AddEvent(_ context.Context, jobID, kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[jobID] = append(s.events[jobID], &Event{
		ID:      uuid.New().String(),
		JobID:   jobID,
		Kind:    kind,
		Message: message,
		At:      s.now(),
	})
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, jobID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[jobID]
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}
