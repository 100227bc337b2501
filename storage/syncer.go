package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
)

// backend abstracts the durable clients so the syncer can be tested without
// Azure.
type backend interface {
	LoadBoard(ctx context.Context, board string) ([]domain.Task, error)
	UpsertTask(ctx context.Context, board string, t domain.Task) error
	DeleteTask(ctx context.Context, board, id string) error
	EnqueueChange(ctx context.Context, board string, revision uint64, envelope []byte) error
}

type jobKind int

const (
	jobUpsert jobKind = iota
	jobDelete
	jobJournal
)

type syncJob struct {
	kind     jobKind
	board    string
	task     domain.Task
	id       string
	revision uint64
	envelope []byte
}

// Syncer mirrors accepted mutations to durable storage from behind a bounded
// buffer, so the writer never waits on Azure. Handoff is non-blocking: when
// the buffer is saturated the job is dropped with a warning, the table copy
// catches up on the next mutation of the same task, and the journal entry is
// lost — durability here is best-effort behind the in-memory canonical state.
type Syncer struct {
	base    backend
	cache   *Cache
	logger  *log.Logger
	timeout time.Duration

	jobs     chan syncJob
	workerWG sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSyncer starts the write-behind workers. cache may be nil.
func NewSyncer(base backend, cache *Cache, logger *log.Logger, buffer, workers int) *Syncer {
	if base == nil {
		panic("storage.NewSyncer: base storage is nil")
	}
	if buffer <= 0 {
		buffer = 4096
	}
	if workers <= 0 {
		workers = 8
	}
	s := &Syncer{
		base:    base,
		cache:   cache,
		logger:  logger,
		timeout: 60 * time.Second,
		jobs:    make(chan syncJob, buffer),
	}
	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}
	return s
}

// LoadBoard rehydrates a board straight from the table.
func (s *Syncer) LoadBoard(ctx context.Context, board string) ([]domain.Task, error) {
	return s.base.LoadBoard(ctx, board)
}

// TaskUpserted records a created or updated task.
func (s *Syncer) TaskUpserted(board string, t domain.Task) {
	s.cache.Evict(context.Background(), board)
	s.dispatch(syncJob{kind: jobUpsert, board: board, task: t})
}

// TaskDeleted records a deletion.
func (s *Syncer) TaskDeleted(board, id string) {
	s.cache.Evict(context.Background(), board)
	s.dispatch(syncJob{kind: jobDelete, board: board, id: id})
}

// PatchPublished journals an accepted mutation's patch envelope.
func (s *Syncer) PatchPublished(board string, revision uint64, envelope []byte) {
	s.dispatch(syncJob{kind: jobJournal, board: board, revision: revision, envelope: envelope})
}

func (s *Syncer) dispatch(j syncJob) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.jobs <- j:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()
	s.logger.WithFields(log.Fields{"board": j.board, "kind": int(j.kind)}).Warn("sync buffer saturated, dropping write-behind job")
}

func (s *Syncer) worker() {
	defer s.workerWG.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		var err error
		switch j.kind {
		case jobUpsert:
			err = s.base.UpsertTask(ctx, j.board, j.task)
		case jobDelete:
			err = s.base.DeleteTask(ctx, j.board, j.id)
		case jobJournal:
			err = s.base.EnqueueChange(ctx, j.board, j.revision, j.envelope)
		}
		cancel()
		if err != nil {
			s.logger.WithFields(log.Fields{"board": j.board, "kind": int(j.kind), "error": err}).Error("write-behind sync failed")
		}
	}
}

// Close drains outstanding jobs and stops the workers.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.workerWG.Wait()
}
