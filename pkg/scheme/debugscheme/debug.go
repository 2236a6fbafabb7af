// Package debugscheme implements C6: the debug: scheme backing the
// simulated serial console (spec.md §4.6).
package debugscheme

import (
	"sync"
	"sync/atomic"

	"github.com/kr/pty"

	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kconfig"
	"github.com/oplik0/redox-kernel/pkg/scheme"
)

const oAccMode = 0x3
const oNonblock = 0x800

// waitQueue is a blocking byte queue backing the shared debug input
// buffer: every open handle's read() drains the same queue (spec.md
// §4.6 "a single shared input queue, not per-handle").
type waitQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	bytes []byte
}

func newWaitQueue() *waitQueue {
	q := &waitQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *waitQueue) send(b byte) {
	q.mu.Lock()
	q.bytes = append(q.bytes, b)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// receiveInto copies up to len(dst) queued bytes into dst. If block is
// true and the queue is currently empty, it blocks until data arrives;
// otherwise an empty queue returns EAGAIN.
func (q *waitQueue) receiveInto(dst []byte, block bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.bytes) == 0 {
		if !block {
			return 0, errno.New(errno.EAGAIN)
		}
		q.cond.Wait()
	}
	n := copy(dst, q.bytes)
	q.bytes = q.bytes[n:]
	return n, nil
}

var input = newWaitQueue()

// DebugInput feeds one byte into the shared input queue, as if it had
// arrived on the serial line.
func DebugInput(b byte) { input.send(b) }

// DebugNotify is a no-op placeholder for the event-scheme wakeup the
// original fires on every input byte; this module's WaitQueue already
// wakes blocked readers directly via its condition variable, so there is
// no separate notification step to perform (spec.md Non-goals excludes
// the event: scheme).
func DebugNotify() {}

// SerialWriter is the minimal surface the scheme needs from the
// platform console. One is obtained anew for each bounce-buffer chunk of
// a write() call (see Scheme.Write) rather than holding one open handle under a shared
// lock, matching the original's rationale: a page-fault handler might
// need to print through the same writer mid-call.
type SerialWriter interface {
	Write(p []byte) (int, error)
}

var (
	ptyOnce   sync.Once
	ptyMaster SerialWriter
	ptyErr    error
)

func defaultWriter() (SerialWriter, error) {
	ptyOnce.Do(func() {
		master, slave, err := pty.Open()
		if err != nil {
			ptyErr = err
			return
		}
		_ = slave.Close()
		ptyMaster = master
	})
	return ptyMaster, ptyErr
}

// NewWriter returns the collaborator Write() sends a write() chunk
// through. Overridable for tests.
var NewWriter = defaultWriter

type handle struct {
	flags int
}

// Scheme is the debug: kernel scheme: a single shared input queue plus
// a handle table, gated to uid 0 (spec.md §4.6).
type Scheme struct {
	scheme.BaseScheme

	nextID  uint64
	mu      sync.RWMutex
	handles map[int]*handle
}

// New returns a fresh debug: scheme instance.
func New() *Scheme {
	return &Scheme{handles: make(map[int]*handle)}
}

func (s *Scheme) Open(path string, flags int, caller scheme.CallerCtx) (scheme.OpenResult, error) {
	if caller.UID != 0 {
		return scheme.OpenResult{}, errno.New(errno.EPERM)
	}
	if path != "" {
		return scheme.OpenResult{}, errno.New(errno.ENOENT)
	}

	id := int(atomic.AddUint64(&s.nextID, 1) - 1)
	s.mu.Lock()
	s.handles[id] = &handle{flags: flags &^ oAccMode}
	s.mu.Unlock()

	return scheme.LocalResult(id), nil
}

func (s *Scheme) getHandle(id int) (*handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, errno.New(errno.EBADF)
	}
	return h, nil
}

func (s *Scheme) Close(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		return errno.New(errno.EBADF)
	}
	delete(s.handles, id)
	return nil
}

func (s *Scheme) FCntl(id int, cmd int, arg int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return 0, errno.New(errno.EBADF)
	}
	const (
		fGetFL = 3
		fSetFL = 4
	)
	switch cmd {
	case fGetFL:
		return h.flags, nil
	case fSetFL:
		h.flags = arg &^ oAccMode
		return 0, nil
	default:
		return 0, errno.New(errno.EINVAL)
	}
}

func (s *Scheme) FEvent(id int, _ uint32) (uint32, error) {
	if _, err := s.getHandle(id); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Scheme) FSync(id int) error {
	_, err := s.getHandle(id)
	return err
}

func (s *Scheme) Read(id int, buf []byte) (int, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return 0, err
	}
	return input.receiveInto(buf, h.flags&oNonblock != oNonblock)
}

func (s *Scheme) Write(id int, buf []byte) (int, error) {
	if _, err := s.getHandle(id); err != nil {
		return 0, err
	}

	bounceSize := kconfig.Current().DebugBounceBufferSize
	if bounceSize <= 0 {
		bounceSize = kconfig.Default().DebugBounceBufferSize
	}

	for off := 0; off < len(buf); off += bounceSize {
		end := off + bounceSize
		if end > len(buf) {
			end = len(buf)
		}
		w, err := NewWriter()
		if err != nil {
			return off, err
		}
		if _, err := w.Write(buf[off:end]); err != nil {
			return off, err
		}
	}
	return len(buf), nil
}

func (s *Scheme) FPath(id int, buf []byte) (int, error) {
	if _, err := s.getHandle(id); err != nil {
		return 0, err
	}
	const src = "debug:"
	n := copy(buf, src)
	return n, nil
}
