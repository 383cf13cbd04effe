package blackboard

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager hands out boards keyed by run ID so concurrent runs never
// interleave writes to the same file. It is passed explicitly into the
// runner at construction; there is no ambient global instance.
type Manager struct {
	mu         sync.Mutex
	dir        string
	maxEntries int
	boards     map[string]*Board
}

// NewManager creates a Manager storing board files under dir.
func NewManager(dir string, maxEntries int) *Manager {
	return &Manager{
		dir:        dir,
		maxEntries: maxEntries,
		boards:     make(map[string]*Board),
	}
}

// Board returns the board for runID, loading it from disk if a file
// exists or creating a fresh one otherwise.
func (m *Manager) Board(runID string) (*Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.boards[runID]; ok {
		return b, nil
	}

	path := m.path(runID)
	if _, err := os.Stat(path); err == nil {
		b, err := Load(path, m.maxEntries)
		if err != nil {
			return nil, fmt.Errorf("board for run %s: %w", runID, err)
		}
		m.boards[runID] = b
		return b, nil
	}

	b := New(runID, path, m.maxEntries)
	m.boards[runID] = b
	return b, nil
}

// Release saves the board one last time and drops it from memory. The
// file stays on disk for post-hoc inspection.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	b, ok := m.boards[runID]
	delete(m.boards, runID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := b.Save(); err != nil {
		return fmt.Errorf("final save for run %s: %w", runID, err)
	}
	return nil
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.dir, runID+".json")
}

// BoardPath returns the on-disk location of a run's board file, for
// read-only inspection of in-flight runs by external processes.
func (m *Manager) BoardPath(runID string) string {
	return m.path(runID)
}
