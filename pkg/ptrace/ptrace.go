// Package ptrace is the tracer/tracee side-table behind the `trace`
// operation of C5's proc: scheme. It is deliberately a separate
// registry from kcontext.Table: a Context never owns a pointer to its
// tracer (spec.md §9, "keeping the session keyed by pid in a side table
// rather than inside Context avoids a cyclic ownership dependency
// between the scheme and the table").
package ptrace

import (
	"sync"

	"github.com/oplik0/redox-kernel/pkg/arch"
	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kcontext"
)

// Flags mirrors the PTRACE_STOP_*/PTRACE_EVENT_* bitflags a tracer
// writes to arm the next breakpoint and a tracee's SendEvent matches
// against.
type Flags uint64

const (
	StopSignal     Flags = 1 << iota // stop on any signal delivery
	StopBreakpoint                   // single int3-style trap
	StopSingleStep                   // stop after every instruction
	StopExit                         // stop at process exit

	EventClone            // a child was spawned via inherit_context
	EventExec             // exe was replaced
	EventAddrSpaceSwitch  // current-addrspace close landed
)

// StopMask and EventMask split Flags into "stop on this condition" vs
// "report this as an informational event" — a breakpoint may combine
// bits from both (spec.md §4.5 trace write()).
const (
	StopMask  = StopSignal | StopBreakpoint | StopSingleStep | StopExit
	EventMask = EventClone | EventExec | EventAddrSpaceSwitch
)

// Cause values populate PtraceEvent.Cause; they reuse the Flags space
// for EventClone and also cover the stop conditions a debugger reads
// back to distinguish why it woke up.
type Cause = Flags

// Event is the five-word record written back from a `trace` read(),
// matching the wire struct `PtraceEvent { cause, a, b, c, d }` the
// original kernel copies to userspace verbatim.
type Event struct {
	Cause Cause
	A, B, C, D uint64
}

const eventBurst = 4 // trace read() drains at most this many events per call

// sessionData is the mutex-guarded innards of a Session: the armed
// breakpoint and the pending event queue.
type sessionData struct {
	mu         sync.Mutex
	breakpoint *Flags
	events     []Event
	reached    bool
}

func (d *sessionData) setBreakpoint(f *Flags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoint = f
	d.reached = false
}

func (d *sessionData) fEventFlags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) > 0 {
		return 1 // EVENT_READ, matching fevent()'s "there's something to read"
	}
	return 0
}

// recvEvents drains up to len(dst) queued events into dst, returning the
// count copied.
func (d *sessionData) recvEvents(dst []Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(dst, d.events)
	d.events = d.events[n:]
	if len(d.events) == 0 {
		d.reached = false
	}
	return n
}

// isReached reports whether the most recent SendEvent matched the armed
// breakpoint, the signal trace's read() uses to tell "woke up for a real
// reason" from "woke up spuriously" (spec.md §4.5).
func (d *sessionData) isReached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reached
}

func (d *sessionData) push(ev Event, matchedBreakpoint bool) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	if matchedBreakpoint {
		d.reached = true
	}
	d.mu.Unlock()
}

// Session is the per-tracee state a `trace` handle addresses.
type Session struct {
	PID      kcontext.ID
	HandleID int

	data sessionData

	// tracee is the wait condition a blocking trace read() sleeps on
	// until the tracee reports a new event (spec.md §4.5, §6).
	tracMu sync.Mutex
	tracee sync.Cond
	closed bool
}

func newSession(pid kcontext.ID, handleID int) *Session {
	s := &Session{PID: pid, HandleID: handleID}
	s.tracee = *sync.NewCond(&s.tracMu)
	return s
}

// Notify wakes anyone blocked in Wait for this session, used both when a
// new event arrives and when the tracer writes to clear ptrace_stop
// (spec.md §4.5 trace write()).
func (s *Session) Notify() {
	s.tracMu.Lock()
	s.tracee.Broadcast()
	s.tracMu.Unlock()
}

var (
	sessionsMu sync.RWMutex
	sessions   = map[kcontext.ID]*Session{}
)

// TryNewSession registers pid as traced by handleID. Returns false if
// pid is already traced (spec.md §4.5: open("trace") with an existing
// session fails EBUSY).
func TryNewSession(pid kcontext.ID, handleID int) bool {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	if _, exists := sessions[pid]; exists {
		return false
	}
	sessions[pid] = newSession(pid, handleID)
	return true
}

// CloseSession removes pid's trace session, if any, waking anyone still
// blocked in Wait so they observe ESRCH on their next lookup.
func CloseSession(pid kcontext.ID) {
	sessionsMu.Lock()
	sess, ok := sessions[pid]
	if ok {
		delete(sessions, pid)
	}
	sessionsMu.Unlock()
	if ok {
		sess.tracMu.Lock()
		sess.closed = true
		sess.tracee.Broadcast()
		sess.tracMu.Unlock()
	}
}

// IsTraced reports whether pid currently has a trace session, used by
// the handle-close path to decide whether a formerly-ignored clone
// child should resume on its own (spec.md §4.5 continue_ignored_children).
func IsTraced(pid kcontext.ID) bool {
	sessionsMu.RLock()
	defer sessionsMu.RUnlock()
	_, ok := sessions[pid]
	return ok
}

// WithSession looks up pid's session and invokes fn with it, returning
// ESRCH if untraced.
func WithSession(pid kcontext.ID, fn func(*Session) error) error {
	sessionsMu.RLock()
	sess, ok := sessions[pid]
	sessionsMu.RUnlock()
	if !ok {
		return errno.New(errno.ESRCH)
	}
	return fn(sess)
}

// SetBreakpoint arms pid's next stop/event mask, or clears it if f is
// nil.
func SetBreakpoint(pid kcontext.ID, f *Flags) error {
	return WithSession(pid, func(s *Session) error {
		s.data.setBreakpoint(f)
		return nil
	})
}

// FEventFlags reports whether pid's session has unread events queued.
func FEventFlags(pid kcontext.ID) (uint32, error) {
	var out uint32
	err := WithSession(pid, func(s *Session) error {
		out = s.data.fEventFlags()
		return nil
	})
	return out, err
}

// RecvEvents drains up to len(dst) queued events for pid, also
// reporting whether the breakpoint was reached (spec.md §4.5 trace
// read()).
func RecvEvents(pid kcontext.ID, dst []Event) (read int, reached bool, err error) {
	err = WithSession(pid, func(s *Session) error {
		reached = s.data.isReached()
		read = s.data.recvEvents(dst)
		return nil
	})
	return
}

// SendEvent posts an event to token's bound context's trace session, if
// any, returning false if that context is untraced. token stands in for
// "the currently executing context": see kcontext.CallerToken.
func SendEvent(token kcontext.CallerToken, ev Event) bool {
	pid := kcontext.CurrentID(token)
	sessionsMu.RLock()
	sess, ok := sessions[pid]
	sessionsMu.RUnlock()
	if !ok {
		return false
	}

	matched := false
	sess.data.mu.Lock()
	if sess.data.breakpoint != nil && (*sess.data.breakpoint)&(ev.Cause) != 0 {
		matched = true
	}
	sess.data.mu.Unlock()

	sess.data.push(ev, matched)
	sess.Notify()
	return true
}

// Wait blocks until pid's session reports a new event or the breakpoint
// is reached, mirroring `ptrace::wait` which the original soft-blocks
// via switch(); since contexts are not goroutines here (see package
// kcontext doc), the calling goroutine genuinely blocks on a
// sync.Cond instead.
func Wait(pid kcontext.ID) error {
	sessionsMu.RLock()
	sess, ok := sessions[pid]
	sessionsMu.RUnlock()
	if !ok {
		return errno.New(errno.ESRCH)
	}

	sess.tracMu.Lock()
	defer sess.tracMu.Unlock()
	for {
		if sess.closed {
			return errno.New(errno.ESRCH)
		}
		sess.data.mu.Lock()
		ready := len(sess.data.events) > 0 || sess.data.reached
		sess.data.mu.Unlock()
		if ready {
			return nil
		}
		sess.tracee.Wait()
	}
}

// RegsFor returns the trap frame backing int-register access for ctx,
// or nil if ctx has never taken a trap yet (a freshly cloned context
// still parked in its entry trampoline, spec.md §9's clone_entry case).
func RegsFor(ctx *kcontext.Context) *arch.TrapFrame {
	if !ctx.HasTrapFrame {
		return nil
	}
	return &ctx.Arch
}

// RegsForMut is RegsFor's mutable counterpart; int-register writes
// (regs/int write, single-step arming) go through it.
func RegsForMut(ctx *kcontext.Context) *arch.TrapFrame {
	return RegsFor(ctx)
}
