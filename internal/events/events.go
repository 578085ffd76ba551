// Package events provides the sealed event envelope, the in-process bus, and
// the FIFO outbox. Envelopes are validated at construction and never mutated
// afterwards; every consumer receives a deep copy.
package events

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// SchemaVersion is stamped into every envelope.
const SchemaVersion = "1"

var occurredAtRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// Actor identifies who caused an event.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// Meta carries envelope metadata.
type Meta struct {
	EventID       string `json:"event_id"`
	OccurredAt    string `json:"occurred_at"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	ModuleID      string `json:"module_id"`
	ManifestHash  string `json:"manifest_hash"`
	Actor         *Actor `json:"actor"`
	TraceID       string `json:"trace_id,omitempty"`
	SchemaVersion string `json:"schema_version"`
}

// Envelope is one immutable event.
type Envelope struct {
	Name    string       `json:"name"`
	Payload manifest.Map `json:"payload"`
	Meta    Meta         `json:"meta"`
}

// Copy returns an envelope whose payload is independent of the original.
func (e *Envelope) Copy() *Envelope {
	dup := *e
	dup.Payload = manifest.CopyManifest(e.Payload)
	return &dup
}

// Make constructs and validates an envelope. EventID defaults to a fresh
// UUIDv4 and OccurredAt to the current UTC second; SchemaVersion is forced.
func Make(name string, payload manifest.Map, meta Meta) (*Envelope, error) {
	if meta.EventID == "" {
		meta.EventID = uuid.New().String()
	}
	if meta.OccurredAt == "" {
		meta.OccurredAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}
	meta.SchemaVersion = SchemaVersion

	env := &Envelope{
		Name:    name,
		Payload: manifest.CopyManifest(payload),
		Meta:    meta,
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks envelope shape. Errors carry a JSON-pointer path into the
// envelope so callers can see exactly which part is malformed.
func Validate(env *Envelope) error {
	if env.Name == "" {
		return envErr("/name", "event name must be a non-empty string")
	}
	if env.Payload == nil {
		return envErr("/payload", "payload must be an object")
	}
	if err := checkPayload(env.Payload, "/payload"); err != nil {
		return err
	}
	if env.Meta.EventID == "" {
		return envErr("/meta/event_id", "event_id is required")
	}
	if !occurredAtRe.MatchString(env.Meta.OccurredAt) {
		return envErr("/meta/occurred_at", "occurred_at must be ISO8601 with a Z suffix")
	}
	if !strings.HasPrefix(env.Meta.ManifestHash, "sha256:") {
		return envErr("/meta/manifest_hash", "manifest_hash must begin with sha256:")
	}
	if env.Meta.SchemaVersion != SchemaVersion {
		return envErr("/meta/schema_version", "schema_version must be %q", SchemaVersion)
	}
	return nil
}

// checkPayload rejects NaN/Inf anywhere in the payload tree.
func checkPayload(v interface{}, path string) error {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return envErr(path, "payload must not contain NaN or Inf")
		}
	case map[string]interface{}:
		for k, item := range val {
			if err := checkPayload(item, path+"/"+k); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, item := range val {
			if err := checkPayload(item, fmt.Sprintf("%s/%d", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func envErr(pointer, format string, args ...interface{}) *apperr.Error {
	return apperr.New("EVENT_VALIDATION_ERROR", format, args...).
		At(manifest.PointerToPath(pointer), pointer)
}
