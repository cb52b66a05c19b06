package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/pipeflow/graph"
)

// MemStore is an in-memory run history.
//
// It is safe for concurrent use. Reports are deep-copied on the way in and
// out, so callers cannot change stored history. Data is lost when the
// process exits; use SQLiteStore or MySQLStore to keep it.
type MemStore struct {
	mu     sync.RWMutex
	runs   map[string]*graph.Report // runID -> report
	byFP   map[string][]string      // fingerprint -> runIDs
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs: make(map[string]*graph.Report),
		byFP: make(map[string][]string),
	}
}

// SaveRun stores report, replacing any earlier report with the same run ID.
func (m *MemStore) SaveRun(_ context.Context, report *graph.Report) error {
	if err := validateReport(report); err != nil {
		return err
	}
	cp, err := copyReport(report)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if old, ok := m.runs[cp.RunID]; ok {
		m.unindex(old)
	}
	m.runs[cp.RunID] = cp
	for _, fp := range fingerprints(cp) {
		m.byFP[fp] = append(m.byFP[fp], cp.RunID)
	}
	return nil
}

func (m *MemStore) unindex(r *graph.Report) {
	for _, fp := range fingerprints(r) {
		ids := m.byFP[fp]
		for i, id := range ids {
			if id == r.RunID {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(m.byFP, fp)
		} else {
			m.byFP[fp] = ids
		}
	}
}

// fingerprints returns the distinct non-empty fingerprints in r.
func fingerprints(r *graph.Report) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range r.Nodes {
		if _, ok := seen[n.Fingerprint]; ok || n.Fingerprint == "" {
			continue
		}
		seen[n.Fingerprint] = struct{}{}
		out = append(out, n.Fingerprint)
	}
	return out
}

// LoadRun returns a copy of the report for runID.
func (m *MemStore) LoadRun(_ context.Context, runID string) (*graph.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(r)
}

// ListRuns returns run summaries ordered by start time, newest first.
func (m *MemStore) ListRuns(_ context.Context, limit int) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]RunSummary, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, summarize(r))
	}
	sortSummaries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByFingerprint returns the nodes recorded under fingerprint.
func (m *MemStore) FindByFingerprint(_ context.Context, fingerprint string) ([]NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []NodeRecord
	for _, id := range m.byFP[fingerprint] {
		r := m.runs[id]
		for _, n := range r.Nodes {
			if n.Fingerprint != fingerprint {
				continue
			}
			cp, err := copyNode(n)
			if err != nil {
				return nil, err
			}
			out = append(out, NodeRecord{RunID: r.RunID, FinishedAt: r.FinishedAt, Node: cp})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.After(out[j].FinishedAt)
		}
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Node.Name < out[j].Node.Name
	})
	return out, nil
}

// Close releases the history. Later calls return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	m.byFP = nil
	return nil
}

func sortSummaries(s []RunSummary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.After(s[j].StartedAt)
		}
		return s[i].RunID < s[j].RunID
	})
}

// copyReport deep-copies r through JSON, the same representation the SQL
// stores persist, so every store returns identical values.
func copyReport(r *graph.Report) (*graph.Report, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report %s: %w", r.RunID, err)
	}
	var cp graph.Report
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %s: %w", r.RunID, err)
	}
	return &cp, nil
}

func copyNode(n graph.NodeReport) (graph.NodeReport, error) {
	row, err := toRow(n)
	if err != nil {
		return graph.NodeReport{}, err
	}
	return row.report()
}
