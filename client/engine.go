package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"canvas-sync/domain"
)

// State tracks the observer connection state machine.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one established patch-stream connection.
type Conn interface {
	// Read blocks for the next envelope; it returns an error on any
	// transport failure or unexpected close.
	Read() (domain.Envelope, error)
	Close() error
}

// Dialer performs the transport handshake for a new connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options tunes the engine. Zero values fall back to the defaults below.
type Options struct {
	BaseDelay time.Duration // first reconnect delay, default 1s
	MaxDelay  time.Duration // delay cap, default 8s
	Logger    *log.Logger
	// OnChange is invoked from the engine loop with a copy of the mirror
	// after every applied batch.
	OnChange func(tasks map[string]domain.Task)
}

// Engine maintains a local mirror of a board's collection. It connects,
// initializes the mirror from the first (snapshot) envelope, applies
// subsequent patch batches in arrival order, and reconnects with capped
// exponential backoff, rebuilding the mirror from a fresh snapshot each
// time. There is no gap-filling across reconnects.
type Engine struct {
	dialer Dialer
	opts   Options

	state atomic.Int32

	mu     sync.RWMutex
	mirror *domain.Mirror
}

// New creates an engine; Run drives it.
func New(dialer Dialer, opts Options) *Engine {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 8 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	e := &Engine{
		dialer: dialer,
		opts:   opts,
		mirror: domain.NewMirror(),
	}
	e.state.Store(int32(StateConnecting))
	return e
}

// State returns the current connection state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Tasks returns a copy of the mirrored collection.
func (e *Engine) Tasks() map[string]domain.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mirror.Tasks()
}

// Task looks up one mirrored task.
func (e *Engine) Task(id string) (domain.Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mirror.Task(id)
}

// Run drives the connect/reconnect loop until the stream finishes
// gracefully (returns nil) or ctx is cancelled (returns ctx.Err()).
// Cancellation closes the transport and any pending reconnect timer without
// scheduling further attempts.
func (e *Engine) Run(ctx context.Context) error {
	attempt := 0
	for {
		e.setState(StateConnecting)
		conn, err := e.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.setState(StateClosed)
				return ctx.Err()
			}
			e.opts.Logger.WithField("error", err).Debug("sync dial failed")
			if !e.waitBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		attempt = 0
		e.mu.Lock()
		e.mirror.Reset()
		e.mu.Unlock()
		e.setState(StateOpen)

		finished := e.stream(ctx, conn)
		_ = conn.Close()
		if finished {
			e.setState(StateClosed)
			return nil
		}
		if ctx.Err() != nil {
			e.setState(StateClosed)
			return ctx.Err()
		}
		if !e.waitBackoff(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

// stream applies envelopes until the end-of-stream marker (true) or a
// transport error (false).
func (e *Engine) stream(ctx context.Context, conn Conn) bool {
	// Unblock the read when ctx is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		env, err := conn.Read()
		if err != nil {
			if ctx.Err() == nil {
				e.opts.Logger.WithField("error", err).Debug("sync stream interrupted")
			}
			return false
		}
		if env.Finished {
			return true
		}
		e.apply(env.JsonPatch)
	}
}

func (e *Engine) apply(ops []domain.PatchOperation) {
	if len(ops) == 0 {
		return
	}
	e.mu.Lock()
	errs := e.mirror.Apply(ops)
	e.mu.Unlock()
	for _, err := range errs {
		e.opts.Logger.WithField("error", err).Warn("patch skipped")
	}
	if e.opts.OnChange != nil {
		e.opts.OnChange(e.Tasks())
	}
}

// waitBackoff sleeps for the attempt's backoff delay; false means ctx was
// cancelled while waiting.
func (e *Engine) waitBackoff(ctx context.Context, attempt int) bool {
	e.setState(StateReconnecting)
	timer := time.NewTimer(backoffDelay(attempt, e.opts.BaseDelay, e.opts.MaxDelay))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		e.setState(StateClosed)
		return false
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// backoffDelay returns min(max, base*2^attempt).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
