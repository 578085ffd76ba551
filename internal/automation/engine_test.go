package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
)

func TestMatchEvent(t *testing.T) {
	trigger := Trigger{
		Kind:       "event",
		EventTypes: []string{"workflow.status_changed"},
		Filters: []Filter{
			{Path: "to", Op: "eq", Value: "done"},
		},
	}

	assert.True(t, MatchEvent(trigger, "workflow.status_changed", manifest.Map{"to": "done"}))
	assert.False(t, MatchEvent(trigger, "workflow.status_changed", manifest.Map{"to": "draft"}))
	assert.False(t, MatchEvent(trigger, "record.created", manifest.Map{"to": "done"}))

	nested := Trigger{EventTypes: []string{"record.created"}, Filters: []Filter{
		{Path: "record.region", Op: "eq", Value: "north"},
		{Path: "record.deleted_at", Op: "not_exists"},
	}}
	assert.True(t, MatchEvent(nested, "record.created", manifest.Map{
		"record": manifest.Map{"region": "north"},
	}))
	assert.False(t, MatchEvent(nested, "record.created", manifest.Map{
		"record": manifest.Map{"region": "north", "deleted_at": "2026-01-01"},
	}))
}

type autoFixture struct {
	store    *Store
	jobStore *jobs.MemoryStore
	engine   *Engine
	worker   *jobs.Worker
	clock    *time.Time
	bus      *events.Bus
	exec     *actions.Executor
	records  records.Store
	notifier *activity.Notifier
}

func newAutoFixture(t *testing.T) *autoFixture {
	t.Helper()
	recStore := records.NewMemoryStore()
	reg := registry.New(registry.NewMemoryStore(), registry.NewDraftStore(), nil, nil)
	bus := events.NewBus(events.NewOutbox())
	chat := activity.NewStore()
	exec := actions.New(reg, records.NewService(recStore), chat, bus, nil)

	m := manifest.Map{
		"name": "Jobs",
		"entities": manifest.List{
			manifest.Map{
				"id":            "entity.job",
				"display_field": "job.title",
				"fields": manifest.List{
					manifest.Map{"id": "job.id", "type": "uuid", "required": true, "readonly": true},
					manifest.Map{"id": "job.title", "type": "string", "required": true},
					manifest.Map{"id": "job.status", "type": "enum"},
				},
			},
		},
		"workflows": manifest.List{
			manifest.Map{
				"id": "wf.job", "entity_id": "entity.job", "status_field": "job.status",
				"states": manifest.List{
					manifest.Map{"id": "draft", "label": "Draft"},
					manifest.Map{"id": "done", "label": "Done"},
				},
			},
		},
		"actions": manifest.List{
			manifest.Map{"id": "action.job.create", "kind": "create_record", "entity_id": "entity.job"},
			manifest.Map{"id": "action.job.update", "kind": "update_record", "entity_id": "entity.job"},
		},
	}
	_, err := reg.Install(context.Background(), "ws-1", "jobs", m, "tester", "seed")
	require.NoError(t, err)

	autoStore := NewStore()
	jobStore := jobs.NewMemoryStore()
	notifier := activity.NewNotifier()
	engine := NewEngine(autoStore, jobStore, exec, notifier, nil)
	engine.Attach(bus)

	worker := jobs.NewWorker(jobStore, time.Second, 10)
	worker.Register(jobs.TypeAutomationRun, engine.HandleJob)

	f := &autoFixture{
		store: autoStore, jobStore: jobStore, engine: engine, worker: worker,
		bus: bus, exec: exec, records: recStore, notifier: notifier,
	}
	return f
}

func (f *autoFixture) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for i := 0; i < 20; i++ {
		n, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("worker never drained")
}

func TestStatusChangeTriggersAutomation(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	created, err := f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name: "notify on done",
		Trigger: Trigger{
			Kind:       "event",
			EventTypes: []string{"workflow.status_changed"},
			Filters:    []Filter{{Path: "to", Op: "eq", Value: "done"}},
		},
		Steps: []manifest.Map{
			{"id": "s1", "kind": "action", "action_id": "system.noop"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	res, err := f.exec.Run(ctx, "ws-1", "jobs", "action.job.update", actions.Context{
		RecordID:    created.RecordID,
		RecordDraft: manifest.Map{"job.status": "done"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Events, "workflow.status_changed")

	f.drain(t, ctx)

	runs := f.store.ListRuns(ctx, "ws-1", auto.ID)
	require.Len(t, runs, 1, "exactly one run materialized")
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.Equal(t, "workflow.status_changed", runs[0].TriggerType)
	assert.Equal(t, "done", runs[0].TriggerPayload["to"])

	stepRuns := f.store.ListStepRuns(ctx, runs[0].ID)
	require.Len(t, stepRuns, 1)
	assert.Equal(t, RunSucceeded, stepRuns[0].Status)
	assert.Equal(t, runs[0].ID+":s1:1", stepRuns[0].IdempotencyKey)
}

func TestDraftAutomationNeverMatches(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "dormant",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps:   []manifest.Map{{"id": "s1", "kind": "action", "action_id": "system.noop"}},
	})
	require.NoError(t, err)

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)

	assert.Empty(t, f.store.ListRuns(ctx, "ws-1", ""))
}

func TestConditionStepGates(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "gated notify",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps: []manifest.Map{
			{"id": "check", "kind": "condition", "expr": manifest.Map{
				"op":   "eq",
				"left": manifest.Map{"ref": "$trigger.record.job.status"}, "right": "done",
			}, "if_false_goto": 2},
			{"id": "notify", "kind": "action", "action_id": "system.notify",
				"inputs": manifest.Map{"user_id": "u-1", "title": "created as done"}},
			{"id": "end", "kind": "action", "action_id": "system.noop"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)
	f.drain(t, ctx)

	runs := f.store.ListRuns(ctx, "ws-1", auto.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.Zero(t, f.notifier.UnreadCount(ctx, "ws-1", "u-1"), "notify branch skipped")

	stepRuns := f.store.ListStepRuns(ctx, runs[0].ID)
	require.Len(t, stepRuns, 2, "condition plus end step; notify never ran")
}

func TestDelayStepParksRun(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "delayed",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps: []manifest.Map{
			{"id": "wait", "kind": "delay", "seconds": 120},
			{"id": "done", "kind": "action", "action_id": "system.noop"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	runs := f.store.ListRuns(ctx, "ws-1", auto.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, RunQueued, runs[0].Status)
	assert.Equal(t, 1, runs[0].CurrentStepIndex)

	parked, err := f.jobStore.List(ctx, "ws-1", jobs.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, runs[0].ID+":1:delay", parked[0].Key)
	assert.True(t, parked[0].RunAt.After(time.Now().UTC().Add(110*time.Second)))

	// after the delay elapses the run completes
	require.NoError(t, f.engine.Advance(ctx, "ws-1", runs[0].ID))
	runs = f.store.ListRuns(ctx, "ws-1", auto.ID)
	assert.Equal(t, RunSucceeded, runs[0].Status)
}

func TestActionRetryThenRunFails(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "flaky",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps: []manifest.Map{
			{"id": "boom", "kind": "action", "action_id": "system.fail",
				"retry_policy": manifest.Map{"max_attempts": 2, "backoff_seconds": 30}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	runs := f.store.ListRuns(ctx, "ws-1", auto.ID)
	require.Len(t, runs, 1)
	runID := runs[0].ID
	assert.Equal(t, RunQueued, runs[0].Status, "first failure schedules a retry")

	retries, err := f.jobStore.List(ctx, "ws-1", jobs.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, runID+":boom:2", retries[0].Key)

	// second attempt exhausts the policy
	require.NoError(t, f.engine.Advance(ctx, "ws-1", runID))
	runs = f.store.ListRuns(ctx, "ws-1", auto.ID)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].LastError, "system.fail")

	stepRuns := f.store.ListStepRuns(ctx, runID)
	require.Len(t, stepRuns, 2)
	assert.Equal(t, 1, stepRuns[0].Attempt)
	assert.Equal(t, 2, stepRuns[1].Attempt)
	assert.Equal(t, RunFailed, stepRuns[1].Status)
}

func TestCancelStopsAdvance(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "cancel me",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps:   []manifest.Map{{"id": "s1", "kind": "action", "action_id": "system.noop"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	run := f.store.CreateRun(ctx, "ws-1", auto.ID, "record.created", manifest.Map{})
	require.NoError(t, f.store.CancelRun(ctx, "ws-1", run.ID))

	require.NoError(t, f.engine.Advance(ctx, "ws-1", run.ID))
	got, err := f.store.GetRun(ctx, "ws-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, got.Status)
	assert.Empty(t, f.store.ListStepRuns(ctx, run.ID))
}

func TestNotifyStepRendersInputs(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "greeter",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps: []manifest.Map{
			{"id": "hello", "kind": "action", "action_id": "system.notify", "inputs": manifest.Map{
				"user_id": "u-1",
				"title":   "New record in {{ trigger.entity_id | upper }}",
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "ship it", "job.status": "draft"},
	})
	require.NoError(t, err)
	f.drain(t, ctx)

	notifs := f.notifier.List(ctx, "ws-1", "u-1", false)
	require.Len(t, notifs, 1)
	assert.Equal(t, "New record in ENTITY.JOB", notifs[0].Title)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:        "portable",
		Description: "moves between workspaces",
		Trigger: Trigger{
			Kind:       "event",
			EventTypes: []string{"record.created", "record.updated"},
			Filters:    []Filter{{Path: "record.region", Op: "eq", Value: "north"}},
		},
		Steps: []manifest.Map{
			{"id": "s1", "kind": "condition", "expr": manifest.Map{"op": "exists",
				"left": manifest.Map{"ref": "$trigger.record_id"}}},
			{"id": "s2", "kind": "action", "action_id": "system.noop"},
		},
	})
	require.NoError(t, err)

	bundle, err := f.store.Export(ctx, "ws-1", auto.ID)
	require.NoError(t, err)

	imported, err := f.store.Import(ctx, "ws-2", bundle)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, imported.Status)
	assert.Equal(t, "portable", imported.Name)
	assert.Equal(t, "moves between workspaces", imported.Description)
	assert.Equal(t, auto.Trigger.EventTypes, imported.Trigger.EventTypes)
	assert.Equal(t, auto.Trigger.Filters, imported.Trigger.Filters)
	require.Len(t, imported.Steps, 2)
	assert.Equal(t, "condition", manifest.Str(imported.Steps[0], "kind"))
	assert.Equal(t, "system.noop", manifest.Str(imported.Steps[1], "action_id"))
}

func TestLegacyStepKeysStillRun(t *testing.T) {
	f := newAutoFixture(t)
	ctx := context.Background()

	auto, err := f.store.Create(ctx, "ws-1", &Automation{
		Name:    "old shape",
		Trigger: Trigger{EventTypes: []string{"record.created"}},
		Steps: []manifest.Map{
			{"id": "s1", "type": "action", "action": "system.noop",
				"retry": manifest.Map{"max_attempts": 3}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(ctx, "ws-1", auto.ID))

	_, err = f.exec.Run(ctx, "ws-1", "jobs", "action.job.create", actions.Context{
		RecordDraft: manifest.Map{"job.title": "A", "job.status": "draft"},
	})
	require.NoError(t, err)
	f.drain(t, ctx)

	runs := f.store.ListRuns(ctx, "ws-1", auto.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, RunSucceeded, runs[0].Status)
}
