package events

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

func validMeta() Meta {
	return Meta{
		ModuleID:     "jobs",
		ManifestHash: "sha256:abc",
		Actor:        &Actor{ID: "u1", Roles: []string{"admin"}},
	}
}

func TestMake_FillsDefaults(t *testing.T) {
	env, err := Make("record.created", manifest.Map{"record_id": "r1"}, validMeta())
	require.NoError(t, err)
	assert.NotEmpty(t, env.Meta.EventID)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, env.Meta.OccurredAt)
	assert.Equal(t, "1", env.Meta.SchemaVersion)
}

func TestMake_CopiesPayload(t *testing.T) {
	payload := manifest.Map{"nested": manifest.Map{"k": "v"}}
	env, err := Make("record.created", payload, validMeta())
	require.NoError(t, err)

	payload["nested"].(manifest.Map)["k"] = "mutated"
	assert.Equal(t, "v", manifest.SubMap(env.Payload, "nested")["k"], "envelope is sealed at construction")
}

func TestMake_RejectsBadEnvelopes(t *testing.T) {
	_, err := Make("", manifest.Map{}, validMeta())
	require.Error(t, err)
	assert.Equal(t, "EVENT_VALIDATION_ERROR", apperr.CodeOf(err))

	meta := validMeta()
	meta.ManifestHash = "md5:nope"
	_, err = Make("record.created", manifest.Map{}, meta)
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, "/meta/manifest_hash", ae.JSONPointer)

	_, err = Make("record.created", manifest.Map{"x": math.NaN()}, validMeta())
	require.Error(t, err)
	ae = apperr.From(err)
	assert.Equal(t, "/payload/x", ae.JSONPointer)

	_, err = Make("record.created", manifest.Map{"l": manifest.List{math.Inf(1)}}, validMeta())
	require.Error(t, err)
	ae = apperr.From(err)
	assert.Equal(t, "/payload/l/0", ae.JSONPointer)
}

func TestOutbox_FIFO(t *testing.T) {
	o := NewOutbox()
	e1, _ := Make("a", manifest.Map{}, validMeta())
	e2, _ := Make("b", manifest.Map{}, validMeta())
	o.Enqueue(e1)
	o.Enqueue(e2)

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Name)

	assert.Equal(t, "a", o.Ack().Name)
	assert.Equal(t, "b", o.Ack().Name)
	assert.Nil(t, o.Ack())
}

func TestBus_DispatchOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus(NewOutbox())

	var got []string
	bus.Subscribe("record.created", func(env *Envelope) { got = append(got, "first") })
	token := bus.Subscribe("record.created", func(env *Envelope) { got = append(got, "second") })
	bus.Subscribe("record.updated", func(env *Envelope) { got = append(got, "other") })

	env, _ := Make("record.created", manifest.Map{}, validMeta())
	bus.Publish(env)
	assert.Equal(t, []string{"first", "second"}, got)

	bus.Unsubscribe("record.created", token)
	bus.Publish(env)
	assert.Equal(t, []string{"first", "second", "first"}, got)

	assert.Len(t, bus.Outbox().Pending(), 2)
}

func TestBus_SubscriberPanicSuppressed(t *testing.T) {
	bus := NewBus(NewOutbox())
	ran := false
	bus.Subscribe("x", func(env *Envelope) { panic("boom") })
	bus.Subscribe("x", func(env *Envelope) { ran = true })

	env, _ := Make("x", manifest.Map{}, validMeta())
	bus.Publish(env)
	assert.True(t, ran, "a panicking subscriber does not block the rest")
}

func TestBus_SubscriberGetsCopy(t *testing.T) {
	bus := NewBus(NewOutbox())
	bus.Subscribe("x", func(env *Envelope) { env.Payload["k"] = "mutated" })

	env, _ := Make("x", manifest.Map{"k": "v"}, validMeta())
	bus.Publish(env)
	assert.Equal(t, "v", env.Payload["k"])
}
