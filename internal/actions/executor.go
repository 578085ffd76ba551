// Package actions implements the transactional action executor: the critical
// path for every record mutation. Execution is permission gate → schema and
// workflow validation → write → chatter → post-commit events → cache
// invalidation; any failure before the write leaves no side effects, and any
// write failure rolls prior writes back and drops pending events.
package actions

import (
	"context"
	"fmt"

	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/cache"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/logger"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
)

// invalidationPrefixes are dropped after every successful write.
var invalidationPrefixes = []string{"records:list", "records:get", "lookup", "chatter", "bootstrap"}

// Context carries the caller-supplied inputs of one action execution.
type Context struct {
	RecordID    string
	RecordDraft manifest.Map
	SelectedIDs []string
	Actor       *events.Actor
	TraceID     string
}

// Result reports what an action did.
type Result struct {
	Kind       string         `json:"kind"`
	Target     string         `json:"target,omitempty"`
	RecordID   string         `json:"record_id,omitempty"`
	Record     records.Record `json:"record,omitempty"`
	UpdatedIDs []string       `json:"updated_ids,omitempty"`
	Events     []string       `json:"events_enqueued"`
}

// Executor resolves and runs manifest-declared actions.
type Executor struct {
	registry  *registry.Registry
	records   *records.Service
	validator *records.Validator
	chatter   *activity.Store
	bus       *events.Bus
	cache     cache.Cache
	log       *logger.Logger
}

// New wires an executor. cache may be nil.
func New(reg *registry.Registry, recs *records.Service, chatter *activity.Store, bus *events.Bus, c cache.Cache) *Executor {
	return &Executor{
		registry:  reg,
		records:   recs,
		validator: records.NewValidator(recs.Store()),
		chatter:   chatter,
		bus:       bus,
		cache:     c,
		log:       logger.With("actions"),
	}
}

// Run executes an action for a module. System-initiated calls (automation
// steps) pass an actor with id "system".
func (e *Executor) Run(ctx context.Context, workspaceID, moduleID, actionID string, actx Context) (*Result, error) {
	m, err := e.registry.EnabledManifest(ctx, workspaceID, moduleID)
	if err != nil {
		return nil, err
	}
	rec, err := e.registry.Get(ctx, workspaceID, moduleID)
	if err != nil {
		return nil, err
	}

	action := manifest.FindAction(m, actionID)
	if action == nil {
		return nil, apperr.New(apperr.CodeActionNotFound, "action %s is not declared by %s", actionID, moduleID)
	}
	kind := manifest.Str(action, "kind")
	if !manifest.AllowedActionKinds[kind] {
		return nil, apperr.New(apperr.CodeActionKindInvalid, "action %s has unknown kind %q", actionID, kind)
	}

	run := &execution{
		workspaceID:  workspaceID,
		moduleID:     moduleID,
		manifestHash: rec.CurrentHash,
		actionID:     actionID,
		action:       action,
		actx:         actx,
	}

	if err := e.checkConditions(ctx, run); err != nil {
		return nil, err
	}

	switch kind {
	case manifest.ActionNavigate, manifest.ActionOpenForm, manifest.ActionRefresh:
		res := &Result{Kind: kind, Target: manifest.Str(action, "target")}
		e.emitClicked(ctx, run, res)
		e.publish(run)
		return res, nil
	case manifest.ActionCreateRecord:
		return e.runCreate(ctx, run)
	case manifest.ActionUpdateRecord:
		return e.runUpdate(ctx, run)
	case manifest.ActionBulkUpdate:
		return e.runBulkUpdate(ctx, run)
	}
	return nil, apperr.New(apperr.CodeActionKindInvalid, "action kind %q is not executable", kind)
}

// execution is the per-call state: resolved manifest pieces plus the pending
// event list, which only reaches the bus after the write commits.
type execution struct {
	workspaceID  string
	moduleID     string
	manifestHash string
	actionID     string
	action       manifest.Map
	actx         Context
	direct       bool

	entityModule string
	entityHash   string
	entity       manifest.Map
	workflow     manifest.Map

	pending []*events.Envelope
}

func (e *Executor) checkConditions(ctx context.Context, run *execution) error {
	record := run.actx.RecordDraft
	if record == nil && run.actx.RecordID != "" {
		entityID := manifest.Str(run.action, "entity_id")
		if entityID != "" {
			if existing, err := e.records.Store().Get(ctx, run.workspaceID, entityID, run.actx.RecordID); err == nil {
				record = existing
			}
		}
	}
	evalCtx := manifest.Map{"record": record}
	for _, key := range []string{"enabled_when", "visible_when"} {
		cond := manifest.SubMap(run.action, key)
		if cond == nil {
			continue
		}
		ok, err := manifest.EvalCondition(cond, evalCtx)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.CodeActionDisabled, "action %s is disabled by %s", run.actionID, key)
		}
	}
	return nil
}

// resolveEntity searches every enabled manifest for the entity, since lookups
// and automations may cross module boundaries.
func (e *Executor) resolveEntity(ctx context.Context, run *execution) error {
	entityID := manifest.Str(run.action, "entity_id")
	if entityID == "" {
		return apperr.New(apperr.CodeEntityNotFound, "action %s declares no entity_id", run.actionID)
	}
	all, err := e.registry.EnabledManifests(ctx, run.workspaceID)
	if err != nil {
		return err
	}
	for modID, m := range all {
		if entity := manifest.FindEntity(m, entityID); entity != nil {
			run.entityModule = modID
			run.entity = entity
			wfs := manifest.EntityWorkflows(m, entityID)
			if len(wfs) == 1 {
				run.workflow = wfs[0]
			}
			if rec, err := e.registry.Get(ctx, run.workspaceID, modID); err == nil {
				run.entityHash = rec.CurrentHash
			}
			return nil
		}
	}
	return apperr.New(apperr.CodeEntityNotFound, "entity %s is not declared by any enabled module", entityID)
}

func (e *Executor) runCreate(ctx context.Context, run *execution) (*Result, error) {
	if err := e.resolveEntity(ctx, run); err != nil {
		return nil, err
	}
	entityID := manifest.Str(run.entity, "id")

	data := records.Record{}
	for k, v := range manifest.SubMap(run.action, "defaults") {
		data[k] = v
	}
	for k, v := range run.actx.RecordDraft {
		data[k] = v
	}

	if errs := e.validateWrite(ctx, run, data); len(errs) > 0 {
		return nil, errs[0].WithDetail("error_count", len(errs))
	}

	id, created, err := e.records.Store().Create(ctx, run.workspaceID, entityID, data)
	if err != nil {
		run.pending = nil
		return nil, apperr.From(err)
	}

	e.systemChatter(ctx, run, entityID, id, "Record created")
	e.stageEvent(run, manifest.EventRecordCreated, manifest.Map{
		"entity_id": entityID, "record_id": id, "record": created,
	})
	e.trackChanges(ctx, run, entityID, id, nil, created)
	res := &Result{Kind: manifest.ActionCreateRecord, RecordID: id, Record: created}
	e.emitClicked(ctx, run, res)
	e.publish(run)
	res.Events = eventNames(run)
	e.invalidate(ctx, run.workspaceID)
	return res, nil
}

func (e *Executor) runUpdate(ctx context.Context, run *execution) (*Result, error) {
	if run.actx.RecordID == "" {
		return nil, apperr.New(apperr.CodeRecordNotFound, "update_record requires a record_id")
	}
	if err := e.resolveEntity(ctx, run); err != nil {
		return nil, err
	}
	entityID := manifest.Str(run.entity, "id")

	existing, err := e.records.Store().Get(ctx, run.workspaceID, entityID, run.actx.RecordID)
	if err != nil {
		return nil, apperr.From(err)
	}
	updated, err := e.planUpdate(ctx, run, existing)
	if err != nil {
		return nil, err
	}

	written, err := e.records.Store().Update(ctx, run.workspaceID, entityID, run.actx.RecordID, updated)
	if err != nil {
		run.pending = nil
		return nil, apperr.From(err)
	}

	e.systemChatter(ctx, run, entityID, run.actx.RecordID, "Record updated")
	e.stageUpdateEvents(run, entityID, run.actx.RecordID, existing, written)
	e.trackChanges(ctx, run, entityID, run.actx.RecordID, existing, written)
	res := &Result{Kind: manifest.ActionUpdateRecord, RecordID: run.actx.RecordID, Record: written}
	e.emitClicked(ctx, run, res)
	e.publish(run)
	res.Events = eventNames(run)
	e.invalidate(ctx, run.workspaceID)
	return res, nil
}

// runBulkUpdate validates every target before touching any of them; a write
// failure midway restores the records already written.
func (e *Executor) runBulkUpdate(ctx context.Context, run *execution) (*Result, error) {
	if len(run.actx.SelectedIDs) == 0 {
		return nil, apperr.New(apperr.CodeRecordNotFound, "bulk_update requires selected_ids")
	}
	if err := e.resolveEntity(ctx, run); err != nil {
		return nil, err
	}
	entityID := manifest.Str(run.entity, "id")

	type planned struct {
		id       string
		existing records.Record
		updated  records.Record
	}
	plans := make([]planned, 0, len(run.actx.SelectedIDs))
	for _, id := range run.actx.SelectedIDs {
		existing, err := e.records.Store().Get(ctx, run.workspaceID, entityID, id)
		if err != nil {
			return nil, apperr.From(err)
		}
		updated, err := e.planUpdate(ctx, run, existing)
		if err != nil {
			return nil, apperr.From(err).WithDetail("record_id", id)
		}
		plans = append(plans, planned{id: id, existing: existing, updated: updated})
	}

	written := make([]planned, 0, len(plans))
	for _, p := range plans {
		if _, err := e.records.Store().Update(ctx, run.workspaceID, entityID, p.id, p.updated); err != nil {
			for _, w := range written {
				if _, rbErr := e.records.Store().Update(ctx, run.workspaceID, entityID, w.id, w.existing); rbErr != nil {
					e.log.Error("bulk rollback failed", "entity", entityID, "record", w.id, "error", rbErr.Error())
				}
			}
			run.pending = nil
			return nil, apperr.From(err).WithDetail("record_id", p.id)
		}
		written = append(written, p)
	}

	res := &Result{Kind: manifest.ActionBulkUpdate}
	for _, p := range written {
		res.UpdatedIDs = append(res.UpdatedIDs, p.id)
		e.systemChatter(ctx, run, entityID, p.id, "Record updated")
		e.stageUpdateEvents(run, entityID, p.id, p.existing, p.updated)
	}
	e.emitClicked(ctx, run, res)
	e.publish(run)
	res.Events = eventNames(run)
	e.invalidate(ctx, run.workspaceID)
	return res, nil
}

// planUpdate merges the action patch plus the caller draft over the existing
// record and validates the merged result, including workflow state
// requirements and lookup domains.
func (e *Executor) planUpdate(ctx context.Context, run *execution, existing records.Record) (records.Record, error) {
	updated := manifest.CopyManifest(existing)
	for k, v := range manifest.SubMap(run.action, "patch") {
		updated[k] = v
	}
	for k, v := range run.actx.RecordDraft {
		updated[k] = v
	}
	if errs := e.validateWrite(ctx, run, updated); len(errs) > 0 {
		return nil, errs[0].WithDetail("error_count", len(errs))
	}
	return updated, nil
}

func (e *Executor) validateWrite(ctx context.Context, run *execution, data records.Record) []*apperr.Error {
	errs := e.validator.ValidateData(run.entity, data)
	errs = append(errs, e.workflowStateErrors(run, data)...)
	errs = append(errs, e.validator.CheckLookups(ctx, run.workspaceID, run.entity, data)...)
	return errs
}

// workflowStateErrors enforces the target state's required_fields.
func (e *Executor) workflowStateErrors(run *execution, data records.Record) []*apperr.Error {
	if run.workflow == nil {
		return nil
	}
	statusField := manifest.Str(run.workflow, "status_field")
	state, _ := data[statusField].(string)
	if state == "" {
		return nil
	}
	var errs []*apperr.Error
	for _, s := range manifest.MapItems(manifest.SubList(run.workflow, "states")) {
		if manifest.Str(s, "id") != state {
			continue
		}
		for _, f := range manifest.SubList(s, "required_fields") {
			fieldID, ok := f.(string)
			if !ok {
				continue
			}
			if v, present := data[fieldID]; !present || v == nil || v == "" {
				errs = append(errs,
					apperr.New(records.CodeRequiredMissing, "state %q requires field %s", state, fieldID).
						At(fieldID, "/"+fieldID))
			}
		}
	}
	return errs
}

func (e *Executor) systemChatter(ctx context.Context, run *execution, entityID, recordID, message string) {
	author := activity.Author{ID: "system", Name: "System"}
	if run.actx.Actor != nil {
		author = activity.Author{ID: run.actx.Actor.ID}
	}
	e.chatter.Add(ctx, run.workspaceID, &activity.Entry{
		EntityID:  entityID,
		RecordID:  recordID,
		EventType: activity.TypeSystem,
		Author:    author,
		Payload:   manifest.Map{"message": message, "action_id": run.actionID},
	})
}

// trackChanges appends a change entry listing modified tracked fields when
// the entity's form view opts in with activity.enabled.
func (e *Executor) trackChanges(ctx context.Context, run *execution, entityID, recordID string, before, after records.Record) {
	m, err := e.registry.EnabledManifest(ctx, run.workspaceID, run.entityModule)
	if err != nil {
		return
	}
	form := manifest.FindView(m, manifest.EntitySlug(entityID)+".form")
	if form == nil || !manifest.Bool(manifest.SubMap(form, "activity"), "enabled") {
		return
	}
	changes := manifest.List{}
	for _, f := range manifest.EntityFields(run.entity) {
		fieldID := manifest.Str(f, "id")
		was, now := before[fieldID], after[fieldID]
		if fmt.Sprintf("%v", was) == fmt.Sprintf("%v", now) {
			continue
		}
		changes = append(changes, manifest.Map{
			"field": fieldID,
			"from":  records.Describe(was),
			"to":    records.Describe(now),
		})
	}
	if len(changes) == 0 {
		return
	}
	author := activity.Author{ID: "system"}
	if run.actx.Actor != nil {
		author.ID = run.actx.Actor.ID
	}
	e.chatter.Add(ctx, run.workspaceID, &activity.Entry{
		EntityID:  entityID,
		RecordID:  recordID,
		EventType: activity.TypeChange,
		Author:    author,
		Payload:   manifest.Map{"changes": changes},
	})
}

func (e *Executor) stageUpdateEvents(run *execution, entityID, recordID string, before, after records.Record) {
	e.stageEvent(run, manifest.EventRecordUpdated, manifest.Map{
		"entity_id": entityID, "record_id": recordID, "record": after,
	})
	if run.workflow != nil {
		statusField := manifest.Str(run.workflow, "status_field")
		from, _ := before[statusField].(string)
		to, _ := after[statusField].(string)
		if from != to {
			e.stageEvent(run, manifest.EventWorkflowStatusChanged, manifest.Map{
				"entity_id": entityID, "record_id": recordID,
				"field": statusField, "from": from, "to": to,
			})
		}
	}
}

func (e *Executor) emitClicked(ctx context.Context, run *execution, res *Result) {
	if run.direct {
		// Generic CRUD has no declared action to click.
		return
	}
	e.stageEvent(run, manifest.EventActionClicked, manifest.Map{
		"action_id": run.actionID, "kind": res.Kind, "target": res.Target,
	})
}

// stageEvent queues an envelope for post-commit publication, including the
// module-namespaced variant so modules can subscribe locally.
func (e *Executor) stageEvent(run *execution, name string, payload manifest.Map) {
	hash := run.manifestHash
	if run.entityHash != "" {
		hash = run.entityHash
	}
	meta := events.Meta{
		WorkspaceID:  run.workspaceID,
		ModuleID:     run.moduleID,
		ManifestHash: hash,
		Actor:        run.actx.Actor,
		TraceID:      run.actx.TraceID,
	}
	env, err := events.Make(name, payload, meta)
	if err != nil {
		e.log.Error("event construction failed", "event", name, "error", err.Error())
		return
	}
	run.pending = append(run.pending, env)

	namespaced := run.moduleID + "." + name
	if name == manifest.EventActionClicked {
		namespaced = fmt.Sprintf("%s.action.%s.clicked", run.moduleID, run.actionID)
	}
	if nsEnv, err := events.Make(namespaced, payload, meta); err == nil {
		run.pending = append(run.pending, nsEnv)
	}
}

// publish flushes pending envelopes to the bus; called only after the write
// has committed.
func (e *Executor) publish(run *execution) {
	for _, env := range run.pending {
		e.bus.Publish(env)
	}
}

func eventNames(run *execution) []string {
	out := make([]string, 0, len(run.pending))
	for _, env := range run.pending {
		out = append(out, env.Name)
	}
	return out
}

func (e *Executor) invalidate(ctx context.Context, workspaceID string) {
	if e.cache == nil {
		return
	}
	for _, prefix := range invalidationPrefixes {
		if err := e.cache.InvalidatePrefix(ctx, workspaceID, prefix); err != nil {
			e.log.Warn("cache invalidation failed", "prefix", prefix, "error", err.Error())
		}
	}
}
