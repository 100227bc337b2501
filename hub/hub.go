package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
)

// ErrClosed is returned when attaching to a hub that has been torn down.
var ErrClosed = errors.New("hub is closed")

// DefaultQueueSize bounds a session's outbound queue when no explicit size
// is configured.
const DefaultQueueSize = 256

var finishedFrame = mustMarshal(domain.Envelope{Finished: true})

func mustMarshal(v any) []byte {
	data, err := sonic.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Hub is the registry of attached sessions. Publishing never blocks: a
// session whose queue is full is closed instead, so one slow consumer cannot
// stall the writer or its peers. A closed session must reattach and receive
// a fresh snapshot, since a gap in its patch stream would break convergence.
type Hub struct {
	logger    *log.Logger
	queueSize int

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool

	published      atomic.Uint64
	overflowCloses atomic.Uint64
}

// New creates a hub whose sessions buffer up to queueSize frames.
func New(logger *log.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		sessions:  make(map[*Session]struct{}),
	}
}

// Attach registers a new session and enqueues its snapshot frame before any
// subsequent patch can reach it. The caller must produce the snapshot and
// call Attach under the same lock it publishes under, so the snapshot and
// the patch stream cannot leave a gap.
func (h *Hub) Attach(t Transport, snapshot []byte) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		hub:       h,
		transport: t,
		queue:     make(chan []byte, h.queueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	s.queue <- snapshot
	s.state.Store(int32(StateStreaming))
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.run(h.logger)
	return s, nil
}

// Publish enqueues one frame, in generation order, to every attached
// session. Sessions that cannot keep up are closed.
func (h *Hub) Publish(data []byte) {
	h.mu.Lock()
	var overflowed []*Session
	for s := range h.sessions {
		if !s.enqueue(data) {
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		delete(h.sessions, s)
		close(s.queue)
		h.overflowCloses.Add(1)
	}
	h.published.Add(1)
	h.mu.Unlock()

	for _, s := range overflowed {
		h.logger.WithField("session", s.id).Warn("session queue overflow, closing session")
	}
}

// Detach removes the session and closes its queue; the drain loop finishes
// pending writes and releases the transport.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		close(s.queue)
	}
	h.mu.Unlock()
}

// remove is Detach for a session that is tearing itself down after a write
// failure.
func (h *Hub) remove(s *Session) {
	h.Detach(s)
}

// Len returns the number of attached sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stats summarizes the hub for the metrics endpoint.
type Stats struct {
	Sessions       int    `json:"sessions"`
	Published      uint64 `json:"published"`
	OverflowCloses uint64 `json:"overflowCloses"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return Stats{
		Sessions:       n,
		Published:      h.published.Load(),
		OverflowCloses: h.overflowCloses.Load(),
	}
}

// Close sends the end-of-stream marker to every session and detaches them
// all. Further attaches fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for s := range h.sessions {
		delete(h.sessions, s)
		s.enqueue(finishedFrame)
		close(s.queue)
	}
	h.mu.Unlock()
}
