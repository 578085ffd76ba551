package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/workspace"
)

func newTestWorker(store Store) (*Worker, *time.Time) {
	w := NewWorker(store, time.Second, 10)
	current := time.Now().UTC()
	w.now = func() time.Time { return current }
	if ms, ok := store.(*MemoryStore); ok {
		// the store must stamp RunAt on the same clock or fresh jobs land a
		// hair in the worker's future and never become due
		ms.now = w.now
	}
	return w, &current
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 60*time.Second, Backoff(1))
	assert.Equal(t, 120*time.Second, Backoff(2))
	assert.Equal(t, 240*time.Second, Backoff(3))
	assert.Equal(t, 3600*time.Second, Backoff(7))
	assert.Equal(t, 3600*time.Second, Backoff(50), "cap survives shift overflow")
}

func TestWorker_RetriesWithBackoffThenSucceeds(t *testing.T) {
	store := NewMemoryStore()
	w, clock := newTestWorker(store)
	ctx := context.Background()

	calls := 0
	w.Register("email.send", func(ctx context.Context, job *Job) error {
		calls++
		if calls < 4 {
			return errors.New("smtp timeout")
		}
		return nil
	})

	queued, inserted, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "email.send"})
	require.NoError(t, err)
	require.True(t, inserted)

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, delay := range wantDelays {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d claims the job", i+1)

		j, err := store.Get(ctx, "ws-1", queued.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, j.Status)
		assert.Equal(t, i+1, j.Attempt)
		assert.Equal(t, clock.Add(delay), j.RunAt, "attempt %d backs off %s", i+1, delay)

		// not due yet
		n, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		*clock = clock.Add(delay + time.Second)
	}

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := store.Get(ctx, "ws-1", queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Equal(t, 4, j.Attempt)
	assert.Empty(t, j.LastError)

	events, err := store.ListEvents(ctx, queued.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "retry_scheduled", events[0].Kind)
	assert.Equal(t, "succeeded", events[3].Kind)
}

func TestWorker_DeadAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	w, clock := newTestWorker(store)
	ctx := context.Background()

	w.Register("email.send", func(ctx context.Context, job *Job) error {
		return errors.New("always broken")
	})

	queued, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "email.send", MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
		*clock = clock.Add(time.Hour)
	}

	j, err := store.Get(ctx, "ws-1", queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, j.Status)
	assert.Equal(t, 3, j.Attempt)
	assert.Equal(t, "always broken", j.LastError)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead jobs are never reclaimed")
}

func TestWorker_SecretErrorFailsWithoutRetry(t *testing.T) {
	store := NewMemoryStore()
	w, _ := newTestWorker(store)
	ctx := context.Background()

	w.Register("email.send", func(ctx context.Context, job *Job) error {
		return apperr.New(apperr.CodeSecretStore, "secret authentication failed")
	})

	queued, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "email.send"})
	require.NoError(t, err)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	j, err := store.Get(ctx, "ws-1", queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempt)
}

func TestWorker_BindsWorkspaceAndUnknownTypeDies(t *testing.T) {
	store := NewMemoryStore()
	w, _ := newTestWorker(store)
	ctx := context.Background()

	var seen string
	w.Register("doc.generate", func(ctx context.Context, job *Job) error {
		seen = workspace.From(ctx)
		return nil
	})

	_, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-9", Type: "doc.generate"})
	require.NoError(t, err)
	orphan, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-9", Type: "unknown.type"})
	require.NoError(t, err)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-9", seen)

	j, err := store.Get(ctx, "ws-9", orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, j.Status)
}

func TestEnqueue_IdempotencyKeyCollapses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, inserted, err := store.Enqueue(ctx, &Job{
		WorkspaceID: "ws-1", Type: "automation.run", Key: "run-1:0:enqueue",
		Payload: manifest.Map{"run_id": "run-1"},
	})
	require.NoError(t, err)
	require.True(t, inserted)

	dup, inserted, err := store.Enqueue(ctx, &Job{
		WorkspaceID: "ws-1", Type: "automation.run", Key: "run-1:0:enqueue",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, dup.ID)

	// different workspace or type does not collapse
	_, inserted, err = store.Enqueue(ctx, &Job{
		WorkspaceID: "ws-2", Type: "automation.run", Key: "run-1:0:enqueue",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// a finished job frees the key
	first.Status = StatusSucceeded
	require.NoError(t, store.Update(ctx, first))
	_, inserted, err = store.Enqueue(ctx, &Job{
		WorkspaceID: "ws-1", Type: "automation.run", Key: "run-1:0:enqueue",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestClaimBatch_PriorityAndDueOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	low, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "t", Priority: 0, RunAt: now.Add(-2 * time.Minute)})
	require.NoError(t, err)
	high, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "t", Priority: 5, RunAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "t", RunAt: now.Add(time.Hour)})
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "future jobs stay queued")
	assert.Equal(t, high.ID, claimed[0].ID, "priority beats age")
	assert.Equal(t, low.ID, claimed[1].ID)
	for _, j := range claimed {
		assert.Equal(t, StatusRunning, j.Status)
		assert.Equal(t, 1, j.Attempt)
	}

	again, err := store.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "running jobs are not reclaimed")
}

func TestWorker_HeartbeatCounters(t *testing.T) {
	store := NewMemoryStore()
	w, _ := newTestWorker(store)
	ctx := context.Background()

	w.Register("email.send", func(ctx context.Context, job *Job) error {
		if manifest.Str(job.Payload, "mode") == "boom" {
			return errors.New("boom")
		}
		return nil
	})

	_, _, err := store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "email.send", MaxAttempts: 1})
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, &Job{WorkspaceID: "ws-1", Type: "email.send",
		Payload: manifest.Map{"mode": "boom"}, MaxAttempts: 1})
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	assert.Equal(t, uint64(2), w.processed.Load())
	assert.Equal(t, uint64(1), w.errors.Load())

	w.Start()
	list := ActiveWorkers()
	require.NotEmpty(t, list)
	found := false
	for _, st := range list {
		if st.ID == w.id {
			found = true
		}
	}
	assert.True(t, found, "running worker registers itself")
	w.Stop()

	for _, st := range ActiveWorkers() {
		assert.NotEqual(t, w.id, st.ID, "stopped worker deregisters")
	}
}
