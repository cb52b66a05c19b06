package cache

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps entries in memory. Artifacts are not copied: an entry's
// WorkDir is the directory that was passed to Store.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Lookup returns a copy of the stored entry.
func (m *MemStore) Lookup(_ context.Context, fingerprint string) (*Entry, bool, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	entry, ok := m.entries[fingerprint]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	cp, err := copyEntry(entry)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// Store records outputs under fingerprint.
func (m *MemStore) Store(_ context.Context, fingerprint string, outputs map[string]any, workDir string) (*Entry, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, err
	}
	normalized, err := Normalize(outputs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[fingerprint]; ok {
		entry, err := reconcile(existing, normalized)
		if err != nil {
			return nil, err
		}
		return copyEntry(entry)
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		Outputs:     normalized,
		WorkDir:     workDir,
		CompletedAt: m.now().UTC(),
	}
	m.entries[fingerprint] = entry
	return copyEntry(entry)
}

// Invalidate removes the entry for fingerprint.
func (m *MemStore) Invalidate(_ context.Context, fingerprint string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, fingerprint)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func copyEntry(e *Entry) (*Entry, error) {
	outputs, err := Normalize(e.Outputs)
	if err != nil {
		return nil, err
	}
	cp := *e
	cp.Outputs = outputs
	return &cp, nil
}
