package proc

import (
	"context"
	"io"
	"sync"

	"github.com/tolvanen/warden/internal/message"
)

// FakeSpawner implements Spawner for tests. Each Start produces a
// FakeHandle whose stdin/stdout are in-memory pipes, so tests can
// observe records the orchestrator sends and script worker replies
// without real processes.
type FakeSpawner struct {
	mu       sync.Mutex
	handles  []*FakeHandle
	startErr error
	nextPid  int

	// AutoReady makes every handle emit a ready record on start.
	AutoReady bool
	// Script, if set, is invoked for every record a handle receives.
	Script func(h *FakeHandle, m message.Message)
}

// NewFakeSpawner creates a fake spawner whose handles emit ready on
// start. Tests exercising spawn-failure paths clear AutoReady.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{AutoReady: true, nextPid: 1000}
}

// FailStarts makes subsequent Start calls return err.
func (s *FakeSpawner) FailStarts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// Start creates a new FakeHandle.
func (s *FakeSpawner) Start(ctx context.Context, spec Spec) (Handle, error) {
	s.mu.Lock()
	if s.startErr != nil {
		err := s.startErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextPid++
	h := newFakeHandle(s.nextPid, spec, s.Script)
	s.handles = append(s.handles, h)
	autoReady := s.AutoReady
	s.mu.Unlock()

	if autoReady {
		h.Emit(message.Message{Kind: message.KindReady})
	}
	return h, nil
}

// Handles returns every handle created so far.
func (s *FakeSpawner) Handles() []*FakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeHandle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Verify FakeSpawner implements Spawner at compile time.
var _ Spawner = (*FakeSpawner)(nil)

// FakeHandle is a scriptable in-memory worker process.
type FakeHandle struct {
	pid  int
	spec Spec

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	outbox chan message.Message

	mu       sync.Mutex
	received []message.Message
	exited   bool

	// ReceivedCh streams every record written to the handle's stdin.
	ReceivedCh chan message.Message

	status ExitStatus
	done   chan struct{}
}

func newFakeHandle(pid int, spec Spec, script func(*FakeHandle, message.Message)) *FakeHandle {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &FakeHandle{
		pid:        pid,
		spec:       spec,
		stdinR:     stdinR,
		stdinW:     stdinW,
		stdoutR:    stdoutR,
		stdoutW:    stdoutW,
		outbox:     make(chan message.Message, 64),
		ReceivedCh: make(chan message.Message, 64),
		done:       make(chan struct{}),
	}

	// Writer goroutine keeps Emit non-blocking even before a reader is
	// attached to stdout, while preserving emit order.
	go func() {
		enc := message.NewEncoder(stdoutW)
		for m := range h.outbox {
			if err := enc.Encode(m); err != nil {
				return
			}
		}
	}()

	go func() {
		dec := message.NewDecoder(stdinR, nil)
		for {
			m, err := dec.Decode()
			if err != nil {
				close(h.ReceivedCh)
				return
			}
			h.mu.Lock()
			h.received = append(h.received, m)
			h.mu.Unlock()
			select {
			case h.ReceivedCh <- m:
			default:
			}
			if script != nil {
				script(h, m)
			}
		}
	}()

	return h
}

// Spec returns the spawn spec this handle was started with.
func (h *FakeHandle) Spec() Spec {
	return h.spec
}

// Emit writes a record to the handle's stdout for the orchestrator to
// read. Records emitted after Exit are discarded.
func (h *FakeHandle) Emit(m message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	select {
	case h.outbox <- m:
	default:
	}
}

// Exit ends the fake process with the given code.
func (h *FakeHandle) Exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	close(h.outbox)
	h.mu.Unlock()

	h.stdoutW.Close()
	h.stdinR.Close()
	h.status = ExitStatus{Code: code}
	close(h.done)
}

// Received returns a copy of every record written to the handle so far.
func (h *FakeHandle) Received() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]message.Message, len(h.received))
	copy(out, h.received)
	return out
}

func (h *FakeHandle) Pid() int          { return h.pid }
func (h *FakeHandle) Stdin() io.Writer  { return h.stdinW }
func (h *FakeHandle) Stdout() io.Reader { return h.stdoutR }

// Kill ends the fake process with code -1.
func (h *FakeHandle) Kill() error {
	h.Exit(-1)
	return nil
}

func (h *FakeHandle) Done() <-chan struct{} { return h.done }

// ExitStatus is valid once Done is closed.
func (h *FakeHandle) ExitStatus() ExitStatus {
	select {
	case <-h.done:
		return h.status
	default:
		return ExitStatus{}
	}
}

// Verify FakeHandle implements Handle at compile time.
var _ Handle = (*FakeHandle)(nil)
