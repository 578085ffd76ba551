package records

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// MemoryStore keeps records in process memory with stable insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]map[string]Record // ws|entity → id → record
	order map[string][]string
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  map[string]map[string]Record{},
		order: map[string][]string{},
	}
}

func recKey(workspaceID, entityID string) string { return workspaceID + "|" + entityID }

func (s *MemoryStore) Create(_ context.Context, workspaceID, entityID string, data Record) (string, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recKey(workspaceID, entityID)
	byID := s.data[key]
	if byID == nil {
		byID = map[string]Record{}
		s.data[key] = byID
	}

	rec := manifest.CopyManifest(data)
	id := manifest.Str(rec, "id")
	if id == "" {
		id = uuid.New().String()
		rec["id"] = id
	}
	if _, exists := byID[id]; exists {
		return "", nil, apperr.New(apperr.CodeRecordWriteFailed, "record %s already exists", id)
	}
	byID[id] = rec
	s.order[key] = append(s.order[key], id)
	return id, manifest.CopyManifest(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, entityID, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data[recKey(workspaceID, entityID)][recordID]
	if rec == nil {
		return nil, apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	return manifest.CopyManifest(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, workspaceID, entityID, recordID string, data Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.data[recKey(workspaceID, entityID)]
	if byID == nil || byID[recordID] == nil {
		return nil, apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	rec := manifest.CopyManifest(data)
	rec["id"] = recordID
	byID[recordID] = rec
	return manifest.CopyManifest(rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, workspaceID, entityID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recKey(workspaceID, entityID)
	if _, ok := s.data[key][recordID]; !ok {
		return apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	delete(s.data[key], recordID)
	order := s.order[key]
	for i, id := range order {
		if id == recordID {
			s.order[key] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, workspaceID, entityID string, opt ListOptions) ([]Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := recKey(workspaceID, entityID)
	var matched []Record
	for _, id := range s.order[key] {
		rec := s.data[key][id]
		if matchQuery(rec, opt.Query, opt.SearchFields) {
			matched = append(matched, rec)
		}
	}
	total := len(matched)

	start := opt.Offset
	if start > total {
		start = total
	}
	end := total
	if opt.Limit >= 0 && start+opt.Limit < end {
		end = start + opt.Limit
	}

	out := make([]Record, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, manifest.CopyManifest(rec))
	}
	return out, total, nil
}

func (s *MemoryStore) Count(_ context.Context, workspaceID, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[recKey(workspaceID, entityID)]), nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, workspaceID, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recKey(workspaceID, entityID)
	n := len(s.data[key])
	delete(s.data, key)
	delete(s.order, key)
	return n, nil
}

// matchQuery is a case-insensitive substring match over the given field ids.
func matchQuery(rec Record, q string, fields []string) bool {
	if q == "" {
		return true
	}
	needle := strings.ToLower(q)
	for _, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
			return true
		}
	}
	return false
}
