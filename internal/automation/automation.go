// Package automation matches published automations against emitted events,
// materializes runs, and advances their step programs through the job queue.
package automation

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// Automation statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusDisabled  = "disabled"
)

// Run and step-run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Filter is one trigger predicate resolved dot-wise against the event payload.
type Filter struct {
	Path  string      `json:"path"`
	Op    string      `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// Trigger binds an automation to event types plus payload filters.
type Trigger struct {
	Kind       string   `json:"kind"`
	EventTypes []string `json:"event_types"`
	Filters    []Filter `json:"filters,omitempty"`
}

// Automation is one event-driven step program.
type Automation struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Trigger     Trigger        `json:"trigger"`
	Steps       []manifest.Map `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Run is the materialized execution state of one automation instance.
type Run struct {
	ID               string       `json:"id"`
	AutomationID     string       `json:"automation_id"`
	WorkspaceID      string       `json:"workspace_id"`
	Status           string       `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	TriggerType      string       `json:"trigger_type"`
	TriggerPayload   manifest.Map `json:"trigger_payload"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// StepRun is one attempt at one step of a run.
type StepRun struct {
	ID             string       `json:"id"`
	RunID          string       `json:"run_id"`
	StepIndex      int          `json:"step_index"`
	StepID         string       `json:"step_id"`
	Attempt        int          `json:"attempt"`
	Status         string       `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	Input          manifest.Map `json:"input,omitempty"`
	Output         manifest.Map `json:"output,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
}

// Store keeps automations, runs, and step runs, tenant-scoped.
type Store struct {
	mu       sync.RWMutex
	defs     map[string]*Automation // ws|id
	defOrder []string
	runs     map[string]*Run      // ws|id
	runOrder []string
	stepRuns map[string][]*StepRun // run id
}

// NewStore creates an empty automation store.
func NewStore() *Store {
	return &Store{
		defs:     map[string]*Automation{},
		runs:     map[string]*Run{},
		stepRuns: map[string][]*StepRun{},
	}
}

func key(workspaceID, id string) string { return workspaceID + "|" + id }

func copyAutomation(a *Automation) *Automation {
	dup := *a
	dup.Trigger.EventTypes = append([]string(nil), a.Trigger.EventTypes...)
	dup.Trigger.Filters = append([]Filter(nil), a.Trigger.Filters...)
	dup.Steps = make([]manifest.Map, len(a.Steps))
	for i, s := range a.Steps {
		dup.Steps[i] = manifest.CopyManifest(s)
	}
	return &dup
}

// Create stores a new automation in draft status.
func (s *Store) Create(_ context.Context, workspaceID string, a *Automation) (*Automation, error) {
	if a.Name == "" {
		return nil, apperr.New(apperr.CodeAutomationInvalid, "automation name is required")
	}
	dup := copyAutomation(a)
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	dup.Status = StatusDraft
	dup.CreatedAt = time.Now().UTC()
	dup.UpdatedAt = dup.CreatedAt

	s.mu.Lock()
	s.defs[key(workspaceID, dup.ID)] = dup
	s.defOrder = append(s.defOrder, key(workspaceID, dup.ID))
	s.mu.Unlock()
	return copyAutomation(dup), nil
}

// Get returns one automation.
func (s *Store) Get(_ context.Context, workspaceID, id string) (*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.defs[key(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeAutomationNotFound, "automation %s not found", id)
	}
	return copyAutomation(a), nil
}

// Update replaces name, description, trigger, and steps.
func (s *Store) Update(_ context.Context, workspaceID string, a *Automation) (*Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.defs[key(workspaceID, a.ID)]
	if !ok {
		return nil, apperr.New(apperr.CodeAutomationNotFound, "automation %s not found", a.ID)
	}
	dup := copyAutomation(a)
	dup.WorkspaceID = workspaceID
	dup.Status = existing.Status
	dup.CreatedAt = existing.CreatedAt
	dup.UpdatedAt = time.Now().UTC()
	s.defs[key(workspaceID, a.ID)] = dup
	return copyAutomation(dup), nil
}

// Delete removes an automation.
func (s *Store) Delete(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(workspaceID, id)
	if _, ok := s.defs[k]; !ok {
		return apperr.New(apperr.CodeAutomationNotFound, "automation %s not found", id)
	}
	delete(s.defs, k)
	for i, o := range s.defOrder {
		if o == k {
			s.defOrder = append(s.defOrder[:i:i], s.defOrder[i+1:]...)
			break
		}
	}
	return nil
}

// List returns a workspace's automations in creation order.
func (s *Store) List(_ context.Context, workspaceID string) []*Automation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Automation
	for _, k := range s.defOrder {
		a, ok := s.defs[k]
		if ok && a.WorkspaceID == workspaceID {
			out = append(out, copyAutomation(a))
		}
	}
	return out
}

// Published returns the workspace's published automations.
func (s *Store) Published(_ context.Context, workspaceID string) []*Automation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Automation
	for _, k := range s.defOrder {
		a, ok := s.defs[k]
		if ok && a.WorkspaceID == workspaceID && a.Status == StatusPublished {
			out = append(out, copyAutomation(a))
		}
	}
	return out
}

func (s *Store) setStatus(workspaceID, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.defs[key(workspaceID, id)]
	if !ok {
		return apperr.New(apperr.CodeAutomationNotFound, "automation %s not found", id)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Publish makes an automation live for event matching.
func (s *Store) Publish(_ context.Context, workspaceID, id string) error {
	return s.setStatus(workspaceID, id, StatusPublished)
}

// Disable stops an automation from matching without deleting it.
func (s *Store) Disable(_ context.Context, workspaceID, id string) error {
	return s.setStatus(workspaceID, id, StatusDisabled)
}

// Export serializes the portable part of an automation.
func (s *Store) Export(ctx context.Context, workspaceID, id string) (manifest.Map, error) {
	a, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(map[string]interface{}{
		"name":        a.Name,
		"description": a.Description,
		"trigger":     a.Trigger,
		"steps":       a.Steps,
	})
	if err != nil {
		return nil, apperr.New(apperr.CodeAutomationInvalid, "export failed: %v", err)
	}
	return manifest.FromJSON(blob)
}

// Import creates a draft automation from an exported bundle.
func (s *Store) Import(ctx context.Context, workspaceID string, bundle manifest.Map) (*Automation, error) {
	blob, err := json.Marshal(bundle)
	if err != nil {
		return nil, apperr.New(apperr.CodeAutomationInvalid, "import bundle is not serializable: %v", err)
	}
	var decoded struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Trigger     Trigger        `json:"trigger"`
		Steps       []manifest.Map `json:"steps"`
	}
	if err := json.Unmarshal(blob, &decoded); err != nil {
		return nil, apperr.New(apperr.CodeAutomationInvalid, "import bundle is malformed: %v", err)
	}
	return s.Create(ctx, workspaceID, &Automation{
		Name:        decoded.Name,
		Description: decoded.Description,
		Trigger:     decoded.Trigger,
		Steps:       decoded.Steps,
	})
}

// CreateRun materializes a queued run for a matched event.
func (s *Store) CreateRun(_ context.Context, workspaceID, automationID, triggerType string, payload manifest.Map) *Run {
	run := &Run{
		ID:             uuid.New().String(),
		AutomationID:   automationID,
		WorkspaceID:    workspaceID,
		Status:         RunQueued,
		TriggerType:    triggerType,
		TriggerPayload: manifest.CopyManifest(payload),
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[key(workspaceID, run.ID)] = run
	s.runOrder = append(s.runOrder, key(workspaceID, run.ID))
	s.mu.Unlock()
	dup := *run
	return &dup
}

// GetRun returns one run.
func (s *Store) GetRun(_ context.Context, workspaceID, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[key(workspaceID, runID)]
	if !ok {
		return nil, apperr.New(apperr.CodeAutomationNotFound, "run %s not found", runID)
	}
	dup := *run
	dup.TriggerPayload = manifest.CopyManifest(run.TriggerPayload)
	return &dup, nil
}

// UpdateRun persists run progress.
func (s *Store) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[key(run.WorkspaceID, run.ID)]
	if !ok {
		return apperr.New(apperr.CodeAutomationNotFound, "run %s not found", run.ID)
	}
	dup := *run
	dup.TriggerPayload = manifest.CopyManifest(run.TriggerPayload)
	dup.CreatedAt = existing.CreatedAt
	s.runs[key(run.WorkspaceID, run.ID)] = &dup
	return nil
}

// ListRuns returns a workspace's runs newest-first, optionally scoped to one
// automation.
func (s *Store) ListRuns(_ context.Context, workspaceID, automationID string) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run, ok := s.runs[s.runOrder[i]]
		if !ok || run.WorkspaceID != workspaceID {
			continue
		}
		if automationID != "" && run.AutomationID != automationID {
			continue
		}
		dup := *run
		out = append(out, &dup)
	}
	return out
}

// CancelRun marks a run cancelled; the runtime stops at its next cycle.
func (s *Store) CancelRun(ctx context.Context, workspaceID, runID string) error {
	run, err := s.GetRun(ctx, workspaceID, runID)
	if err != nil {
		return err
	}
	if run.Status == RunSucceeded || run.Status == RunFailed {
		return apperr.New(apperr.CodeAutomationInvalid, "run %s already ended", runID)
	}
	now := time.Now().UTC()
	run.Status = RunCancelled
	run.EndedAt = &now
	return s.UpdateRun(ctx, run)
}

// CreateStepRun records the start of one step attempt.
func (s *Store) CreateStepRun(_ context.Context, sr *StepRun) *StepRun {
	dup := *sr
	dup.ID = uuid.New().String()
	dup.StartedAt = time.Now().UTC()
	dup.Status = RunRunning
	s.mu.Lock()
	s.stepRuns[sr.RunID] = append(s.stepRuns[sr.RunID], &dup)
	s.mu.Unlock()
	out := dup
	return &out
}

// FinishStepRun marks a step attempt terminal.
func (s *Store) FinishStepRun(_ context.Context, runID, stepRunID, status, lastError string, output manifest.Map) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range s.stepRuns[runID] {
		if sr.ID == stepRunID {
			sr.Status = status
			sr.LastError = lastError
			sr.Output = manifest.CopyManifest(output)
			sr.EndedAt = &now
			return
		}
	}
}

// ListStepRuns returns a run's step attempts in start order.
func (s *Store) ListStepRuns(_ context.Context, runID string) []*StepRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.stepRuns[runID]
	out := make([]*StepRun, 0, len(runs))
	for _, sr := range runs {
		dup := *sr
		out = append(out, &dup)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// KeySucceeded reports whether the step run with this idempotency key already
// succeeded. Exactly one succeeded row ever exists per key.
func (s *Store) KeySucceeded(_ context.Context, runID, idempotencyKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sr := range s.stepRuns[runID] {
		if sr.IdempotencyKey == idempotencyKey && sr.Status == RunSucceeded {
			return true
		}
	}
	return false
}

// FailedAttempts counts failed attempts recorded for a step. The next attempt
// number is failures + 1, so a crash after a success re-derives the succeeded
// key and skips instead of re-executing.
func (s *Store) FailedAttempts(_ context.Context, runID, stepID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sr := range s.stepRuns[runID] {
		if sr.StepID == stepID && sr.Status == RunFailed {
			n++
		}
	}
	return n
}
