package store

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
	"canvas-sync/hub"
)

// Syncer mirrors accepted mutations into durable storage. Implementations
// must never block the caller; durability is write-behind and best-effort.
type Syncer interface {
	TaskUpserted(board string, t domain.Task)
	TaskDeleted(board, id string)
	PatchPublished(board string, revision uint64, envelope []byte)
}

// Store is the sole writer of one board's canonical task collection. Every
// accepted mutation is applied atomically under a single lock, assigned the
// next revision, and fanned out through the hub before the lock is released,
// so all sessions observe mutations in one total order.
type Store struct {
	board  string
	logger *log.Logger
	hub    *hub.Hub
	syncer Syncer

	mu       sync.Mutex
	tasks    map[string]domain.Task
	revision uint64
}

// New creates a store seeded with previously persisted tasks, if any.
func New(board string, h *hub.Hub, logger *log.Logger, syncer Syncer, seed []domain.Task) *Store {
	tasks := make(map[string]domain.Task, len(seed))
	for _, t := range seed {
		tasks[t.ID] = t.Clone()
	}
	return &Store{
		board:  board,
		logger: logger,
		hub:    h,
		syncer: syncer,
		tasks:  tasks,
	}
}

// Board returns the collection identifier this store owns.
func (s *Store) Board() string {
	return s.board
}

// Hub exposes the store's subscription hub for metrics.
func (s *Store) Hub() *hub.Hub {
	return s.hub
}

// Create validates the draft, inserts the task, and publishes an add at the
// task's path.
func (s *Store) Create(draft domain.TaskDraft) (domain.Task, error) {
	if draft.Title == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	status := draft.Status
	if status == "" {
		status = domain.StatusTodo
	}
	if !status.Valid() {
		return domain.Task{}, domain.ValidationError{Field: "status", Reason: "unknown status " + string(draft.Status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := draft.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := s.tasks[id]; exists {
		return domain.Task{}, domain.ValidationError{Field: "id", Reason: "task " + id + " already exists"}
	}

	now := time.Now().UTC()
	t := domain.Task{
		ID:          id,
		Title:       draft.Title,
		Description: draft.Description,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
		Subtasks:    normalizeSubtasks(id, draft.Subtasks),
		Metadata:    draft.Metadata,
	}

	op, err := domain.AddTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	s.tasks[id] = t
	s.commitLocked([]domain.PatchOperation{op})
	if s.syncer != nil {
		s.syncer.TaskUpserted(s.board, t.Clone())
	}
	return t.Clone(), nil
}

// Update merges the supplied fields into an existing task and publishes one
// replace per changed field plus the refreshed update timestamp. An update
// that changes nothing is accepted but neither bumps the revision nor emits
// a patch.
func (s *Store) Update(id string, upd domain.TaskUpdate) (domain.Task, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return domain.Task{}, domain.ValidationError{Field: "status", Reason: "unknown status " + string(*upd.Status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return domain.Task{}, domain.NotFoundError{ID: id}
	}

	t = t.Clone()
	ops, err := mergeTask(&t, upd, time.Now().UTC())
	if err != nil {
		return domain.Task{}, err
	}
	if len(ops) == 0 {
		return t, nil
	}

	s.tasks[id] = t
	s.commitLocked(ops)
	if s.syncer != nil {
		s.syncer.TaskUpserted(s.board, t.Clone())
	}
	return t.Clone(), nil
}

// Delete removes a task and publishes a remove at its path.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return domain.NotFoundError{ID: id}
	}
	delete(s.tasks, id)
	s.commitLocked([]domain.PatchOperation{domain.RemoveTask(id)})
	if s.syncer != nil {
		s.syncer.TaskDeleted(s.board, id)
	}
	return nil
}

// Snapshot returns a copy of the current collection and its revision.
func (s *Store) Snapshot() (map[string]domain.Task, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneTasks(s.tasks), s.revision
}

// Revision returns the current revision counter.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Attach registers a new session whose first frame is a whole-collection
// replace of the snapshot. Attaching holds the writer lock, so the snapshot
// and the subsequent patch stream cannot leave a gap between them.
func (s *Store) Attach(t hub.Transport) (*hub.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := domain.ReplaceCollection(s.tasks)
	if err != nil {
		return nil, err
	}
	frame, err := sonic.Marshal(domain.Envelope{JsonPatch: []domain.PatchOperation{op}})
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(t, frame)
}

// Close tears down every attached session with an end-of-stream marker.
func (s *Store) Close() {
	s.hub.Close()
}

// commitLocked assigns the next revision to the batch and fans it out.
// Called with s.mu held; the collection has already been mutated.
func (s *Store) commitLocked(ops []domain.PatchOperation) {
	s.revision++
	frame, err := sonic.Marshal(domain.Envelope{JsonPatch: ops})
	if err != nil {
		// Ops are produced from marshalable domain values, so this is a
		// programming error, not a runtime condition.
		s.logger.WithFields(log.Fields{"board": s.board, "revision": s.revision, "error": err}).Error("patch envelope marshal failed, patch not published")
		return
	}
	s.hub.Publish(frame)
	if s.syncer != nil {
		s.syncer.PatchPublished(s.board, s.revision, frame)
	}
}
