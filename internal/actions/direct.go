package actions

import (
	"context"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/records"
)

// Direct operations back the generic record CRUD surface. They run the same
// validation, chatter, event, and cache path as declared actions, minus the
// action-specific pieces: no enabled_when gate and no action.clicked event.

func (e *Executor) directExecution(workspaceID, entityID string, actx Context, kind string) *execution {
	return &execution{
		workspaceID: workspaceID,
		actx:        actx,
		direct:      true,
		action:      manifest.Map{"kind": kind, "entity_id": entityID},
	}
}

// CreateRecord validates and writes a new record for the entity.
func (e *Executor) CreateRecord(ctx context.Context, workspaceID, entityID string, data records.Record, actor *events.Actor) (*Result, error) {
	run := e.directExecution(workspaceID, entityID, Context{RecordDraft: data, Actor: actor}, manifest.ActionCreateRecord)
	if err := e.resolveEntity(ctx, run); err != nil {
		return nil, err
	}
	run.moduleID = run.entityModule
	run.manifestHash = run.entityHash
	return e.runCreate(ctx, run)
}

// UpdateRecord merges the patch over the stored record, validates, and
// writes.
func (e *Executor) UpdateRecord(ctx context.Context, workspaceID, entityID, recordID string, patch records.Record, actor *events.Actor) (*Result, error) {
	run := e.directExecution(workspaceID, entityID, Context{RecordID: recordID, RecordDraft: patch, Actor: actor}, manifest.ActionUpdateRecord)
	if err := e.resolveEntity(ctx, run); err != nil {
		return nil, err
	}
	run.moduleID = run.entityModule
	run.manifestHash = run.entityHash
	return e.runUpdate(ctx, run)
}

// DeleteRecord removes a record. There is no delete event; the chatter feed
// keeps the trace.
func (e *Executor) DeleteRecord(ctx context.Context, workspaceID, entityID, recordID string, actor *events.Actor) error {
	run := e.directExecution(workspaceID, entityID, Context{RecordID: recordID, Actor: actor}, "delete_record")
	if err := e.resolveEntity(ctx, run); err != nil {
		return err
	}
	run.moduleID = run.entityModule

	if _, err := e.records.Store().Get(ctx, workspaceID, entityID, recordID); err != nil {
		return apperr.From(err)
	}
	if err := e.records.Store().Delete(ctx, workspaceID, entityID, recordID); err != nil {
		return apperr.From(err)
	}
	e.systemChatter(ctx, run, entityID, recordID, "Record deleted")
	e.invalidate(ctx, workspaceID)
	return nil
}
