package automation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/logger"
)

// maxStepBudget bounds step executions per run so backward gotos cannot loop
// forever.
const maxStepBudget = 1000

// ActionRunner executes module actions on behalf of automation steps.
// Satisfied by the action executor.
type ActionRunner interface {
	Run(ctx context.Context, workspaceID, moduleID, actionID string, actx actions.Context) (*actions.Result, error)
}

// EmailComposer resolves a send_email step into an outbox row plus an
// email.send job. Satisfied by the mailing service.
type EmailComposer interface {
	ComposeAndEnqueue(ctx context.Context, workspaceID string, input manifest.Map, idempotencyKey string) error
}

// Engine is the automation matcher and step runtime.
type Engine struct {
	store    *Store
	jobs     jobs.Store
	runner   ActionRunner
	notifier *activity.Notifier
	composer EmailComposer
	sandbox  *mailing.Sandbox
	log      *logger.Logger
}

// NewEngine wires the runtime. runner, notifier, and composer may be nil when
// the corresponding step kinds are unused.
func NewEngine(store *Store, jobStore jobs.Store, runner ActionRunner, notifier *activity.Notifier, composer EmailComposer) *Engine {
	return &Engine{
		store:    store,
		jobs:     jobStore,
		runner:   runner,
		notifier: notifier,
		composer: composer,
		sandbox:  mailing.NewSandbox(),
		log:      logger.With("automation"),
	}
}

// Attach subscribes the matcher to every event the bus publishes.
func (e *Engine) Attach(bus *events.Bus) {
	bus.SubscribeAll(e.HandleEvent)
}

// MatchEvent reports whether a trigger matches an event: the type must be
// listed and every filter must hold against the payload.
func MatchEvent(trigger Trigger, eventType string, payload manifest.Map) bool {
	listed := false
	for _, t := range trigger.EventTypes {
		if t == eventType {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	for _, f := range trigger.Filters {
		if !filterHolds(f, payload) {
			return false
		}
	}
	return true
}

func filterHolds(f Filter, payload manifest.Map) bool {
	val, found := resolveDotPath(payload, f.Path)
	switch f.Op {
	case "exists":
		return found && val != nil
	case "not_exists":
		return !found || val == nil
	case "eq":
		return found && looseEqual(val, f.Value)
	case "neq":
		return !found || !looseEqual(val, f.Value)
	default:
		return false
	}
}

func resolveDotPath(payload manifest.Map, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		val, ok := m[part]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func looseEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// HandleEvent scans the workspace's published automations and materializes a
// run for every match.
func (e *Engine) HandleEvent(env *events.Envelope) {
	ws := env.Meta.WorkspaceID
	if ws == "" {
		return
	}
	ctx := context.Background()
	for _, a := range e.store.Published(ctx, ws) {
		if !MatchEvent(a.Trigger, env.Name, env.Payload) {
			continue
		}
		run := e.store.CreateRun(ctx, ws, a.ID, env.Name, env.Payload)
		_, _, err := e.jobs.Enqueue(ctx, &jobs.Job{
			WorkspaceID: ws,
			Type:        jobs.TypeAutomationRun,
			Key:         run.ID + ":0:enqueue",
			Payload:     manifest.Map{"run_id": run.ID},
		})
		if err != nil {
			e.log.Error("run enqueue failed", "automation", a.ID, "run", run.ID, "error", err.Error())
			continue
		}
		e.log.Info("automation matched", "automation", a.ID, "run", run.ID, "event", env.Name)
	}
}

// HandleJob is the automation.run job handler.
func (e *Engine) HandleJob(ctx context.Context, job *jobs.Job) error {
	runID := manifest.Str(job.Payload, "run_id")
	if runID == "" {
		return apperr.New(apperr.CodeAutomationInvalid, "automation.run job carries no run_id")
	}
	return e.Advance(ctx, job.WorkspaceID, runID)
}

// Advance executes run steps until the run ends, pauses on a delay, or yields
// for a retry. Step i+1 never starts before step i's attempt is terminal.
func (e *Engine) Advance(ctx context.Context, workspaceID, runID string) error {
	run, err := e.store.GetRun(ctx, workspaceID, runID)
	if err != nil {
		return err
	}
	if terminal(run.Status) {
		return nil
	}
	auto, err := e.store.Get(ctx, workspaceID, run.AutomationID)
	if err != nil {
		return err
	}

	run.Status = RunRunning
	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	budget := 0
	i := run.CurrentStepIndex
	for {
		// cancel wins over progress at every cycle
		current, err := e.store.GetRun(ctx, workspaceID, runID)
		if err != nil {
			return err
		}
		if current.Status == RunCancelled {
			return nil
		}

		if i >= len(auto.Steps) {
			return e.endRun(ctx, run, RunSucceeded, "")
		}
		budget++
		if budget > maxStepBudget {
			return e.endRun(ctx, run, RunFailed,
				apperr.New(apperr.CodeAutomationStepBudget, "run exceeded %d steps", maxStepBudget).Error())
		}

		step := auto.Steps[i]
		stepID := manifest.Str(step, "id")
		if stepID == "" {
			stepID = fmt.Sprintf("step-%d", i)
		}
		attempt := e.store.FailedAttempts(ctx, runID, stepID) + 1
		idempotencyKey := fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
		if e.store.KeySucceeded(ctx, runID, idempotencyKey) {
			i++
			run.CurrentStepIndex = i
			continue
		}

		sr := e.store.CreateStepRun(ctx, &StepRun{
			RunID:          runID,
			StepIndex:      i,
			StepID:         stepID,
			Attempt:        attempt,
			IdempotencyKey: idempotencyKey,
			Input:          step,
		})

		switch stepKind(step) {
		case "condition":
			next, err := e.runCondition(ctx, run, step, sr, i, len(auto.Steps))
			if err != nil {
				return e.endRun(ctx, run, RunFailed, err.Error())
			}
			i = next
			run.CurrentStepIndex = i

		case "delay":
			return e.runDelay(ctx, run, step, sr, i)

		case "action":
			ok, err := e.runAction(ctx, run, step, sr, attempt, i)
			if err != nil {
				return err
			}
			if !ok {
				// retry enqueued; yield
				return nil
			}
			i++
			run.CurrentStepIndex = i

		default:
			e.store.FinishStepRun(ctx, runID, sr.ID, RunFailed, "unknown step kind", nil)
			return e.endRun(ctx, run, RunFailed,
				fmt.Sprintf("step %s has unknown kind %q", stepID, stepKind(step)))
		}
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return err
		}
	}
}

func terminal(status string) bool {
	return status == RunSucceeded || status == RunFailed || status == RunCancelled
}

// stepKind reads the step discriminator; "type" is accepted as a legacy
// synonym for "kind".
func stepKind(step manifest.Map) string {
	if k := manifest.Str(step, "kind"); k != "" {
		return k
	}
	return manifest.Str(step, "type")
}

// stepRetry reads the step's retry policy; "retry" is accepted as a legacy
// synonym for "retry_policy".
func stepRetry(step manifest.Map) manifest.Map {
	if m := manifest.SubMap(step, "retry_policy"); len(m) > 0 {
		return m
	}
	return manifest.SubMap(step, "retry")
}

func (e *Engine) endRun(ctx context.Context, run *Run, status, lastError string) error {
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	run.LastError = lastError
	if status == RunFailed {
		e.log.Warn("run failed", "run", run.ID, "error", lastError)
	}
	return e.store.UpdateRun(ctx, run)
}

// runCondition evaluates expr over {trigger: payload} and returns the next
// step index, honoring in-range goto targets.
func (e *Engine) runCondition(ctx context.Context, run *Run, step manifest.Map, sr *StepRun, i, total int) (int, error) {
	expr := manifest.SubMap(step, "expr")
	ok, err := manifest.EvalCondition(expr, manifest.Map{"trigger": run.TriggerPayload})
	if err != nil {
		e.store.FinishStepRun(ctx, run.ID, sr.ID, RunFailed, err.Error(), nil)
		return 0, err
	}
	e.store.FinishStepRun(ctx, run.ID, sr.ID, RunSucceeded, "", manifest.Map{"result": ok})

	targetKey := "if_false_goto"
	if ok {
		targetKey = "if_true_goto"
	}
	if raw, present := step[targetKey]; present {
		if target, isInt := toInt(raw); isInt && target >= 0 && int(target) < total {
			return int(target), nil
		}
	}
	return i + 1, nil
}

// runDelay succeeds the step, parks the run, and re-enqueues with run_at.
func (e *Engine) runDelay(ctx context.Context, run *Run, step manifest.Map, sr *StepRun, i int) error {
	secs := delaySeconds(step)
	e.store.FinishStepRun(ctx, run.ID, sr.ID, RunSucceeded, "", manifest.Map{"delay_seconds": secs})

	run.CurrentStepIndex = i + 1
	run.Status = RunQueued
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	_, _, err := e.jobs.Enqueue(ctx, &jobs.Job{
		WorkspaceID: run.WorkspaceID,
		Type:        jobs.TypeAutomationRun,
		Key:         fmt.Sprintf("%s:%d:delay", run.ID, i+1),
		Payload:     manifest.Map{"run_id": run.ID},
		RunAt:       time.Now().UTC().Add(time.Duration(secs) * time.Second),
	})
	return err
}

func delaySeconds(step manifest.Map) int64 {
	if raw, ok := step["seconds"]; ok {
		if n, isNum := toInt(raw); isNum && n > 0 {
			return n
		}
		return 0
	}
	if until := manifest.Str(step, "until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err == nil {
			if d := time.Until(t); d > 0 {
				return int64(d.Seconds())
			}
		}
	}
	return 0
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// runAction dispatches one action step. Returns (true, nil) when the run may
// advance, (false, nil) when a retry was scheduled.
func (e *Engine) runAction(ctx context.Context, run *Run, step manifest.Map, sr *StepRun, attempt, i int) (bool, error) {
	input := e.resolveInputs(manifest.SubMap(step, "inputs"), manifest.Map{"trigger": run.TriggerPayload})
	actionErr := e.dispatchAction(ctx, run, step, input, sr.IdempotencyKey)
	if actionErr == nil {
		e.store.FinishStepRun(ctx, run.ID, sr.ID, RunSucceeded, "", input)
		return true, nil
	}

	e.store.FinishStepRun(ctx, run.ID, sr.ID, RunFailed, actionErr.Error(), nil)

	retry := stepRetry(step)
	maxAttempts := int64(1)
	if n, ok := toInt(retry["max_attempts"]); ok && n > 0 {
		maxAttempts = n
	}
	if int64(attempt) >= maxAttempts {
		return false, e.endRun(ctx, run, RunFailed, actionErr.Error())
	}

	backoff := int64(60)
	if n, ok := toInt(retry["backoff_seconds"]); ok && n > 0 {
		backoff = n
	}
	run.CurrentStepIndex = i
	run.Status = RunQueued
	run.LastError = actionErr.Error()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return false, err
	}
	_, _, err := e.jobs.Enqueue(ctx, &jobs.Job{
		WorkspaceID: run.WorkspaceID,
		Type:        jobs.TypeAutomationRun,
		Key:         fmt.Sprintf("%s:%s:%d", run.ID, sr.StepID, attempt+1),
		Payload:     manifest.Map{"run_id": run.ID},
		RunAt:       time.Now().UTC().Add(time.Duration(backoff) * time.Second),
	})
	return false, err
}

func (e *Engine) dispatchAction(ctx context.Context, run *Run, step manifest.Map, input manifest.Map, idempotencyKey string) error {
	name := manifest.Str(step, "action_id")
	if name == "" {
		name = manifest.Str(step, "action")
	}
	switch name {
	case "system.noop":
		return nil

	case "system.fail":
		return errors.New("system.fail step always fails")

	case "system.notify":
		if e.notifier == nil {
			return apperr.New(apperr.CodeAutomationInvalid, "no notifier configured")
		}
		title := manifest.Str(input, "title")
		body := manifest.Str(input, "body")
		for _, userID := range recipientIDs(input) {
			e.notifier.Notify(ctx, run.WorkspaceID, userID, title, body, manifest.Map{"run_id": run.ID})
		}
		return nil

	case "system.send_email":
		if e.composer == nil {
			return apperr.New(apperr.CodeAutomationInvalid, "no email composer configured")
		}
		return e.composer.ComposeAndEnqueue(ctx, run.WorkspaceID, input, idempotencyKey)

	case "system.generate_document":
		payload := manifest.CopyManifest(input)
		payload["run_id"] = run.ID
		_, _, err := e.jobs.Enqueue(ctx, &jobs.Job{
			WorkspaceID: run.WorkspaceID,
			Type:        jobs.TypeDocGenerate,
			Key:         idempotencyKey,
			Payload:     payload,
		})
		return err

	default:
		if e.runner == nil {
			return apperr.New(apperr.CodeAutomationInvalid, "no action runner configured")
		}
		moduleID := manifest.Str(step, "module_id")
		recordID := manifest.Str(input, "record_id")
		if recordID == "" {
			recordID = manifest.Str(run.TriggerPayload, "record_id")
		}
		_, err := e.runner.Run(ctx, run.WorkspaceID, moduleID, name, actions.Context{
			RecordID:    recordID,
			RecordDraft: manifest.SubMap(input, "record"),
			Actor:       &events.Actor{ID: "system", Roles: []string{"system"}},
		})
		return err
	}
}

func recipientIDs(input manifest.Map) []string {
	var out []string
	if id := manifest.Str(input, "user_id"); id != "" {
		out = append(out, id)
	}
	for _, v := range manifest.SubList(input, "user_ids") {
		if id, ok := v.(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// resolveInputs walks the input tree rendering "{{ … }}" strings against the
// trigger context.
func (e *Engine) resolveInputs(value manifest.Map, ctx manifest.Map) manifest.Map {
	resolved, _ := e.resolveValue(value, ctx).(map[string]interface{})
	if resolved == nil {
		return manifest.Map{}
	}
	return resolved
}

func (e *Engine) resolveValue(value interface{}, ctx manifest.Map) interface{} {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v
		}
		out, err := e.sandbox.Render(v, ctx, false)
		if err != nil {
			e.log.Warn("input template failed", "template", v, "error", err.Error())
			return v
		}
		return out
	case map[string]interface{}:
		out := map[string]interface{}{}
		for k, item := range v {
			out[k] = e.resolveValue(item, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for idx, item := range v {
			out[idx] = e.resolveValue(item, ctx)
		}
		return out
	default:
		return value
	}
}
