package store

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
	"canvas-sync/hub"
)

// Loader rehydrates a board's persisted tasks on first access.
type Loader interface {
	LoadBoard(ctx context.Context, board string) ([]domain.Task, error)
}

// Manager owns the set of live boards. Each board id maps to exactly one
// Store for the lifetime of the service; Close tears every board down and
// closes all of its sessions.
type Manager struct {
	logger    *log.Logger
	loader    Loader
	syncer    Syncer
	queueSize int

	mu     sync.Mutex
	boards map[string]*Store
	closed bool
}

// NewManager creates a board registry. loader and syncer may be nil for a
// purely in-memory service.
func NewManager(logger *log.Logger, loader Loader, syncer Syncer, queueSize int) *Manager {
	return &Manager{
		logger:    logger,
		loader:    loader,
		syncer:    syncer,
		queueSize: queueSize,
		boards:    make(map[string]*Store),
	}
}

// Board returns the store for the given collection id, creating and
// rehydrating it on first use.
func (m *Manager) Board(ctx context.Context, id string) (*Store, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, hub.ErrClosed
	}
	if st, ok := m.boards[id]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	var seed []domain.Task
	if m.loader != nil {
		loaded, err := m.loader.LoadBoard(ctx, id)
		if err != nil {
			return nil, err
		}
		seed = loaded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, hub.ErrClosed
	}
	// A concurrent request may have won the rehydration race.
	if st, ok := m.boards[id]; ok {
		return st, nil
	}
	st := New(id, hub.New(m.logger, m.queueSize), m.logger, m.syncer, seed)
	m.boards[id] = st
	m.logger.WithFields(log.Fields{"board": id, "tasks": len(seed)}).Info("board opened")
	return st, nil
}

// BoardStats summarizes one board for the metrics endpoint.
type BoardStats struct {
	Board    string `json:"board"`
	Revision uint64 `json:"revision"`
	hub.Stats
}

// Stats reports per-board session and publish counters, sorted by board id.
func (m *Manager) Stats() []BoardStats {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.boards))
	for _, st := range m.boards {
		stores = append(stores, st)
	}
	m.mu.Unlock()

	out := make([]BoardStats, 0, len(stores))
	for _, st := range stores {
		out = append(out, BoardStats{
			Board:    st.Board(),
			Revision: st.Revision(),
			Stats:    st.Hub().Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Board < out[j].Board })
	return out
}

// Close tears down all boards; subsequent Board calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stores := make([]*Store, 0, len(m.boards))
	for _, st := range m.boards {
		stores = append(stores, st)
	}
	m.mu.Unlock()

	for _, st := range stores {
		st.Close()
	}
}
