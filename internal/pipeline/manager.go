package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Manager tracks the runs known to this process and carries operator
// halt requests into running collections.
type Manager struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{runs: make(map[string]*Run)}
}

// Register adds a run. Re-registering a spec replaces its entry.
func (m *Manager) Register(run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.SpecID] = run
}

// Get returns a run by spec id.
func (m *Manager) Get(specID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[specID]
	return run, ok
}

// List returns all known runs ordered by spec id.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out
}

// Halt stops a run. In-flight agents finish; no new batch launches.
func (m *Manager) Halt(specID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[specID]
	if !ok {
		return fmt.Errorf("unknown spec %s", specID)
	}
	run.Halt(reason)
	return nil
}

// IsHalted is the consensus collector's halt check.
func (m *Manager) IsHalted(specID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[specID]
	return ok && run.Halted()
}
