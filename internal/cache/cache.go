// Package cache provides the response cache used by the bootstrap endpoint
// and registry reads. Keys are workspace-scoped and grouped by prefix so a
// registry mutation can drop whole families of entries at once.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache stores opaque byte values under workspace-scoped keys. The full key
// is "<workspace>:<prefix>:<rest>"; InvalidatePrefix drops every entry of a
// workspace+prefix family.
type Cache interface {
	Get(ctx context.Context, workspaceID, key string) ([]byte, bool)
	Set(ctx context.Context, workspaceID, key string, value []byte, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, workspaceID, prefix string) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process cache for USE_DB=0 deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}}
}

func fullKey(workspaceID, key string) string { return workspaceID + ":" + key }

func (m *Memory) Get(_ context.Context, workspaceID, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[fullKey(workspaceID, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, fullKey(workspaceID, key))
		m.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (m *Memory) Set(_ context.Context, workspaceID, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[fullKey(workspaceID, key)] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) InvalidatePrefix(_ context.Context, workspaceID, prefix string) error {
	scope := workspaceID + ":" + prefix
	m.mu.Lock()
	for k := range m.entries {
		if strings.HasPrefix(k, scope) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	return nil
}
