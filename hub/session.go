package hub

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// State tracks the server-side session lifecycle.
type State int32

const (
	StateAttaching State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport delivers framed messages to one observer.
type Transport interface {
	Write(data []byte) error
	Close() error
}

// Session is one observer's connection plus its private outbound queue.
// The queue is written only under the hub lock; the drain loop is the sole
// reader and forwards frames in strict FIFO order.
type Session struct {
	id        string
	hub       *Hub
	transport Transport
	queue     chan []byte
	state     atomic.Int32
	done      chan struct{}
	sent      atomic.Uint64
}

// ID returns the session identifier used in logs and metrics.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Sent returns the number of frames written to the transport so far.
func (s *Session) Sent() uint64 {
	return s.sent.Load()
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close detaches the session from its hub and releases the transport. Safe
// to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.hub.Detach(s)
}

// enqueue appends a frame without ever blocking the caller. It reports
// false when the queue is full.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.queue <- data:
		return true
	default:
		return false
	}
}

// run drains the queue onto the transport until the queue is closed or a
// write fails. A write failure detaches the session.
func (s *Session) run(logger *log.Logger) {
	defer func() {
		s.state.Store(int32(StateClosed))
		_ = s.transport.Close()
		close(s.done)
	}()

	for data := range s.queue {
		if err := s.transport.Write(data); err != nil {
			logger.WithFields(log.Fields{"session": s.id, "error": err}).Debug("session transport write failed")
			s.hub.remove(s)
			return
		}
		s.sent.Add(1)
	}
}
