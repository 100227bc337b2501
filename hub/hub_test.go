package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

// gateTransport signals when a write begins and blocks it until released.
type gateTransport struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	frames [][]byte
}

func newGateTransport() *gateTransport {
	return &gateTransport{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (t *gateTransport) Write(data []byte) error {
	t.started <- struct{}{}
	<-t.release
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *gateTransport) Close() error { return nil }

func (t *gateTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

type recordTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (t *recordTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *recordTransport) Close() error { return nil }

func (t *recordTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestPublishFansOutInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 16)

	t1 := &recordTransport{}
	t2 := &recordTransport{}
	s1, err := h.Attach(t1, []byte("snap1"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	s2, err := h.Attach(t2, []byte("snap2"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.Publish([]byte("p1"))
	h.Publish([]byte("p2"))
	h.Close()
	waitDone(t, s1)
	waitDone(t, s2)

	want := []string{"snap1", "p1", "p2", `{"finished":true}`}
	got := t1.written()
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
	if frames := t2.written(); string(frames[0]) != "snap2" {
		t.Fatalf("second session snapshot mismatch: %s", frames[0])
	}
}

func TestSlowSessionClosedOnOverflowOthersUnaffected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 1)

	slow := newGateTransport()
	fast := &recordTransport{}

	slowSess, err := h.Attach(slow, []byte("snap"))
	if err != nil {
		t.Fatalf("attach slow: %v", err)
	}
	fastSess, err := h.Attach(fast, []byte("snap"))
	if err != nil {
		t.Fatalf("attach fast: %v", err)
	}

	// Wait until the slow session is stuck writing its snapshot so its
	// queue is empty and deterministic.
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow session never started writing")
	}

	h.Publish([]byte("p1")) // fills the slow queue
	h.Publish([]byte("p2")) // overflows it

	stats := h.Stats()
	if stats.OverflowCloses != 1 {
		t.Fatalf("expected 1 overflow close, got %d", stats.OverflowCloses)
	}
	if h.Len() != 1 {
		t.Fatalf("expected only the fast session to remain, got %d", h.Len())
	}

	close(slow.release)
	waitDone(t, slowSess)
	if slowSess.State() != StateClosed {
		t.Fatalf("expected slow session closed, got %s", slowSess.State())
	}

	// Wait for the fast session to drain its queue so Close has room to
	// enqueue the end-of-stream marker; on a single-CPU scheduler the drain
	// goroutine may not have run yet.
	deadline := time.Now().Add(2 * time.Second)
	for fastSess.Sent() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("fast session never drained published frames")
		}
		time.Sleep(time.Millisecond)
	}

	h.Close()
	waitDone(t, fastSess)
	frames := fast.written()
	want := []string{"snap", "p1", "p2", `{"finished":true}`}
	if len(frames) != len(want) {
		t.Fatalf("fast session got %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if string(frames[i]) != want[i] {
			t.Fatalf("fast frame %d = %s, want %s", i, frames[i], want[i])
		}
	}
}

func TestWriteFailureDetachesSession(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 16)

	tr := &recordTransport{err: errors.New("broken pipe")}
	s, err := h.Attach(tr, []byte("snap"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	waitDone(t, s)
	if h.Len() != 0 {
		t.Fatalf("expected session removed, hub has %d", h.Len())
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestAttachAfterCloseFails(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 16)
	h.Close()
	if _, err := h.Attach(&recordTransport{}, []byte("snap")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 16)
	s, err := h.Attach(&recordTransport{}, []byte("snap"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.Close()
	s.Close()
	waitDone(t, s)
	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", h.Len())
	}
}
