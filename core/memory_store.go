package core

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Memory interface.
// Entries expire by TTL; when the store is at capacity the oldest entry
// is evicted to make room.
type MemoryStore struct {
	mu         sync.RWMutex
	store      map[string]memoryEntry
	maxEntries int
	logger     Logger
}

type memoryEntry struct {
	value     string
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store. maxEntries <= 0 means
// unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		store:      make(map[string]memoryEntry),
		maxEntries: maxEntries,
		logger:     &NoOpLogger{},
	}
}

// SetLogger configures the logger for this memory store
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger == nil {
		m.logger = &NoOpLogger{}
		return
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("hooksd/core")
	} else {
		m.logger = logger
	}
}

// Get retrieves a value. Absent or expired keys return "" without error.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("journal.operations", "operation", "get", "provider", "inmemory", "result", "miss")
		}
		return "", nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("journal.evictions", "provider", "inmemory", "reason", "expired")
		}
		m.logger.Debug("Journal entry expired", map[string]interface{}{
			"operation":  "journal_get",
			"key":        key,
			"expired_at": entry.expiresAt.Format(time.RFC3339),
		})
		return "", nil
	}

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("journal.operations", "operation", "get", "provider", "inmemory", "result", "hit")
	}
	return entry.value, nil
}

// Set stores a value with optional TTL (0 means no expiry)
func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxEntries > 0 && len(m.store) >= m.maxEntries {
		if _, exists := m.store[key]; !exists {
			m.evictOldestLocked()
		}
	}

	entry := memoryEntry{value: value, storedAt: time.Now()}
	if ttl > 0 {
		entry.expiresAt = entry.storedAt.Add(ttl)
	}
	m.store[key] = entry

	m.logger.Debug("Journal entry stored", map[string]interface{}{
		"operation":  "journal_set",
		"key":        key,
		"value_size": len(value),
		"has_ttl":    ttl > 0,
	})
	return nil
}

// evictOldestLocked removes the entry with the earliest storedAt.
// Caller must hold the write lock.
func (m *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range m.store {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(m.store, oldestKey)
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("journal.evictions", "provider", "inmemory", "reason", "capacity")
		}
	}
}

// Delete removes a key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

// Exists reports whether a live (unexpired) entry is present
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Len returns the number of entries currently held, expired included
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}
