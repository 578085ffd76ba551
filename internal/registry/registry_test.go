package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

const testWS = "ws-1"

func testManifest(title string) manifest.Manifest {
	return manifest.Manifest{
		"module": manifest.Map{"name": title},
		"entities": manifest.List{
			manifest.Map{
				"id":            "entity.job",
				"name":          "Job",
				"display_field": "job.title",
				"fields": manifest.List{
					manifest.Map{"id": "job.title", "type": "string", "required": true},
					manifest.Map{"id": "job.status", "type": "enum", "options": manifest.List{"draft", "done"}},
				},
			},
		},
		"workflows": manifest.List{
			manifest.Map{
				"id":           "wf.job",
				"entity":       "entity.job",
				"status_field": "job.status",
				"states":       manifest.List{"draft", "done"},
			},
		},
	}
}

func newTestRegistry() *Registry {
	return New(NewMemoryStore(), NewDraftStore(), nil, nil)
}

func TestInstall_HeadAndAudit(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	res, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "initial")
	require.NoError(t, err)
	assert.True(t, res.Validation.OK())
	assert.Contains(t, res.Hash, "sha256:")

	rec, err := r.Get(ctx, testWS, "jobs")
	require.NoError(t, err)
	assert.Equal(t, res.Hash, rec.CurrentHash)
	assert.True(t, rec.Enabled)

	history, err := r.History(ctx, testWS, "jobs")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, AuditInstall, history[0].Action)
	assert.Equal(t, res.Hash, history[0].ToHash)
}

func TestInstall_RefusesOnValidationErrors(t *testing.T) {
	r := newTestRegistry()
	bad := testManifest("Jobs")
	entity := manifest.AsMap(bad["entities"].(manifest.List)[0])
	entity["fields"] = append(entity["fields"].(manifest.List),
		manifest.Map{"id": "job.x", "type": "geo"})

	_, err := r.Install(context.Background(), testWS, "jobs", bad, "alice", "")
	require.Error(t, err)

	_, err = r.Get(context.Background(), testWS, "jobs")
	assert.Equal(t, apperr.CodeModuleNotInstalled, apperr.CodeOf(err))
}

func TestRollback_RestoresHead(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	v1, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "v1")
	require.NoError(t, err)
	v2, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs v2"), "alice", "v2")
	require.NoError(t, err)
	require.NotEqual(t, v1.Hash, v2.Hash)

	require.NoError(t, r.Rollback(ctx, testWS, "jobs", v1.Hash, "alice", "revert"))

	rec, err := r.Get(ctx, testWS, "jobs")
	require.NoError(t, err)
	assert.Equal(t, v1.Hash, rec.CurrentHash)

	history, err := r.History(ctx, testWS, "jobs")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, AuditRollback, history[0].Action)
	assert.Equal(t, v2.Hash, history[0].FromHash)
	assert.Equal(t, v1.Hash, history[0].ToHash)
	assert.Equal(t, AuditUpgrade, history[1].Action)
	assert.Equal(t, AuditInstall, history[2].Action)
}

func TestRollback_ByTransactionGroup(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	v1, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "v1")
	require.NoError(t, err)
	_, err = r.Install(ctx, testWS, "jobs", testManifest("Jobs v2"), "alice", "v2")
	require.NoError(t, err)

	require.NoError(t, r.Rollback(ctx, testWS, "jobs", v1.TransactionGroupID, "alice", ""))
	rec, _ := r.Get(ctx, testWS, "jobs")
	assert.Equal(t, v1.Hash, rec.CurrentHash)
}

func TestRollback_SystemModuleForbidden(t *testing.T) {
	r := newTestRegistry()
	err := r.Rollback(context.Background(), testWS, "studio", "sha256:abc", "alice", "")
	assert.Equal(t, apperr.CodeModuleRollbackForbidden, apperr.CodeOf(err))
}

func TestMutationGate(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.beginMutation(testWS, "jobs"))

	_, err := r.Install(context.Background(), testWS, "jobs", testManifest("Jobs"), "alice", "")
	assert.Equal(t, apperr.CodeModuleMutationInFlight, apperr.CodeOf(err))

	r.endMutation(testWS, "jobs")
	_, err = r.Install(context.Background(), testWS, "jobs", testManifest("Jobs"), "alice", "")
	assert.NoError(t, err)
}

type fakeCounter struct {
	counts map[string]int
	purged []string
}

func (f *fakeCounter) Count(_ context.Context, _, entityID string) (int, error) {
	return f.counts[entityID], nil
}

func (f *fakeCounter) DeleteAll(_ context.Context, _, entityID string) (int, error) {
	f.purged = append(f.purged, entityID)
	n := f.counts[entityID]
	delete(f.counts, entityID)
	return n, nil
}

func TestDelete_RefusesWithRecords(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"entity.job": 3}}
	r := New(NewMemoryStore(), NewDraftStore(), counter, nil)
	ctx := context.Background()

	_, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	require.NoError(t, err)

	err = r.Delete(ctx, testWS, "jobs", false, false, "alice", "")
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeModuleHasRecords, ae.Code)
	assert.Equal(t, map[string]int{"entity.job": 3}, ae.Detail["counts"])
}

func TestDelete_ArchiveKeepsRecords(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"entity.job": 3}}
	r := New(NewMemoryStore(), NewDraftStore(), counter, nil)
	ctx := context.Background()

	_, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, testWS, "jobs", false, true, "alice", ""))

	rec, err := r.Get(ctx, testWS, "jobs")
	require.NoError(t, err)
	assert.True(t, rec.Archived)
	assert.False(t, rec.Enabled)
	assert.Empty(t, counter.purged)

	history, _ := r.History(ctx, testWS, "jobs")
	assert.Equal(t, AuditModuleArchived, history[0].Action)
}

func TestDelete_ForcePurgesRecords(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"entity.job": 3}}
	r := New(NewMemoryStore(), NewDraftStore(), counter, nil)
	ctx := context.Background()

	_, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, testWS, "jobs", true, false, "alice", ""))

	assert.Equal(t, []string{"entity.job"}, counter.purged)
	history, _ := r.History(ctx, testWS, "jobs")
	assert.Equal(t, AuditModuleDeleted, history[0].Action)
}

func TestSetEnabled_GatesManifestResolution(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	require.NoError(t, err)
	require.NoError(t, r.SetEnabled(ctx, testWS, "jobs", false, "alice", "maintenance"))

	_, err = r.EnabledManifest(ctx, testWS, "jobs")
	assert.Equal(t, apperr.CodeModuleDisabled, apperr.CodeOf(err))

	all, err := r.EnabledManifests(ctx, testWS)
	require.NoError(t, err)
	assert.NotContains(t, all, "jobs")
}

func TestApplyPatchset_AdvancesHead(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	v1, err := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	require.NoError(t, err)

	res, err := r.ApplyPatchset(ctx, testWS, "jobs", []manifest.PatchOp{
		{Op: "set", Pointer: "/entities/@[id=entity.job]/name", Value: "Task"},
	}, "alice", "rename")
	require.NoError(t, err)
	assert.NotEqual(t, v1.Hash, res.Hash)

	head, err := r.HeadManifest(ctx, testWS, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "Task", manifest.Str(manifest.FindEntity(head, "entity.job"), "name"))
}

func TestSnapshots_AppendOnly(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	v1, _ := r.Install(ctx, testWS, "jobs", testManifest("Jobs"), "alice", "")
	v2, _ := r.Install(ctx, testWS, "jobs", testManifest("Jobs v2"), "alice", "")
	require.NoError(t, r.Rollback(ctx, testWS, "jobs", v1.Hash, "alice", ""))

	snaps, err := r.Snapshots(ctx, testWS, "jobs")
	require.NoError(t, err)
	require.Len(t, snaps, 2, "rollback never deletes snapshots")
	assert.Equal(t, v2.Hash, snaps[0].Hash)
	assert.Equal(t, v1.Hash, snaps[1].Hash)
}

func TestDrafts_VersionsNewestFirst(t *testing.T) {
	s := NewDraftStore()

	m1 := testManifest("Jobs")
	s.Upsert(testWS, "jobs", m1, "alice", "sha256:base")

	v1 := s.CreateVersion(testWS, "jobs", m1, "first", "alice", "", nil, nil)
	m2 := testManifest("Jobs v2")
	v2 := s.CreateVersion(testWS, "jobs", m2, "second", "alice", v1.ID, nil, nil)

	versions := s.Versions(testWS, "jobs")
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID)
	assert.Equal(t, v1.ID, versions[1].ID)

	draft := s.Get(testWS, "jobs")
	require.NotNil(t, draft)
	assert.Equal(t, "sha256:base", draft.BaseSnapshotID, "upsert preserves base snapshot")
	assert.Equal(t, "Jobs v2",
		manifest.Str(manifest.SubMap(draft.Manifest, "module"), "name"))

	s.Delete(testWS, "jobs")
	assert.Nil(t, s.Get(testWS, "jobs"))
	assert.Empty(t, s.Versions(testWS, "jobs"))
}
