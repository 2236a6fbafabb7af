// Package kcontext implements C1 (the context table) and C2 (the
// per-CPU block) from spec.md. A Context bundles a kernel thread with
// its user-mode address space, file table, and signal actions
// (GLOSSARY); the table itself is an ordered, insertion-stable registry
// keyed by a monotonic id, backed by github.com/google/btree so the
// scheduler's round-robin traversal is O(log n) per step instead of a
// linear scan, mirroring the Rust original's BTreeMap<ContextId, _>.
package kcontext

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/oplik0/redox-kernel/pkg/arch"
	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kmm"
)

// ID is a monotonic context identifier.
type ID uint64

// Status is the context's run-state variant (spec.md §3).
type Status int

const (
	Runnable Status = iota
	SoftBlocked
	Stopped // carries a signal number, see Context.StoppedSignal
	Exited  // carries an exit code, see Context.ExitCode
)

func (s Status) IsRunnable() bool { return s == Runnable }
func (s Status) IsSoftBlocked() bool { return s == SoftBlocked }

// KSig is the saved-signal-frame triple stashed by the scheduler's
// commit phase and restored by update_runnable step 1 (spec.md §4.3).
type KSig struct {
	Arch   arch.TrapFrame
	KFX    arch.FloatRegisters
	KStack []byte
	Signal int
}

// Context is a C1 entry: the kernel's unit of scheduling.
//
// Every field access must go through the RWMutex embedded here — callers
// obtain a handle via Table.Get/Spawn and lock it
// themselves, matching the Rust original's Arc<RwLock<Context>> and the
// "Every handle yields a reader/writer lock" requirement in spec.md §4.1.
type Context struct {
	mu sync.RWMutex

	ID ID

	Affinity  AffinitySet
	CPUID     *int // last-run / pinned CPU id, nil if never run
	Status    Status
	StoppedSignal int
	ExitCode  int

	Running     bool
	PtraceStop  bool

	KsigRestore bool
	Ksig        *KSig

	Pending []int // pending signal numbers, FIFO

	Wake *uint64 // monotonic deadline, nil if not sleeping

	SwitchTime uint64
	CPUTime    uint64

	AddrSpace   *kmm.AddrSpace
	Files       *kmm.FileTable
	Sigactions  *kmm.SigActionsTable

	Name       string
	SigStack   *uint64
	EUID, EGID uint32
	RUID, RGID uint32
	PPID       ID
	PGID       ID
	NamespaceID int

	CloneEntry *[2]uint64 // [ip, sp] pending clone entry

	Arch arch.TrapFrame
	KFX  arch.FloatRegisters
	KStack []byte
	Env  arch.EnvRegisters

	ArchKind arch.Arch

	// HasTrapFrame is false for a freshly cloned context still waiting
	// in its entry trampoline: it has never taken a syscall trap, so
	// there is no saved register frame to read or write yet (see
	// ptrace.RegsFor).
	HasTrapFrame bool
}

// Lock/Unlock/RLock/RUnlock expose the embedded RWMutex so callers can
// write `ctx.Lock(); defer ctx.Unlock()` exactly like the Rust
// `context.write()` / `context.read()` guards.
func (c *Context) Lock()    { c.mu.Lock() }
func (c *Context) Unlock()  { c.mu.Unlock() }
func (c *Context) RLock()   { c.mu.RLock() }
func (c *Context) RUnlock() { c.mu.RUnlock() }

// IsExited reports Status == Exited under its own read lock, the check
// every proc: operation performs before touching a context (spec.md §3
// Invariants: "A context with status = Exited is never... mutated by
// C5").
func (c *Context) IsExited() bool {
	c.RLock()
	defer c.RUnlock()
	return c.Status == Exited
}

// AffinitySet is a bitset of logical CPU ids a context may run on.
type AffinitySet uint64

func AffinityAll() AffinitySet { return ^AffinitySet(0) }
func AffinitySingle(cpu int) AffinitySet { return AffinitySet(1) << uint(cpu) }
func (a AffinitySet) Empty() bool { return a == 0 }
func (a AffinitySet) Contains(cpu int) bool { return a&(AffinitySet(1)<<uint(cpu)) != 0 }
func (a AffinitySet) FirstSet() int {
	for i := 0; i < 64; i++ {
		if a.Contains(i) {
			return i
		}
	}
	return -1
}

// btreeItem adapts *Context to btree.Item, ordered by ID ascending.
type btreeItem struct{ ctx *Context }

func (a btreeItem) Less(than btree.Item) bool {
	return a.ctx.ID < than.(btreeItem).ctx.ID
}

// Table is C1: the registry of all contexts, keyed by a monotonic id,
// with an insertion-ordered (by ascending id) traversal view the
// scheduler uses for fair round robin (spec.md §4.1).
type Table struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	byID    map[ID]*Context
	nextID  uint64
	currentID atomic.Uint64 // unused; the current-context binding is the package-level map set by SetCurrent
}

// NewTable returns an empty context table. nextID starts at 1 so 0 can
// be used as a sentinel by callers.
func NewTable() *Table {
	return &Table{tree: btree.New(32), byID: make(map[ID]*Context), nextID: 1}
}

// Spawn allocates a new context with a fresh id and inserts it into the
// table, returning the handle. Initial status is Runnable; callers (e.g.
// inherit_context) mutate it under its own lock afterward.
func (t *Table) Spawn() *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := ID(t.nextID)
	t.nextID++
	ctx := &Context{
		ID:           id,
		Affinity:     AffinityAll(),
		Status:       Runnable,
		AddrSpace:    kmm.NewAddrSpace(),
		Files:        kmm.NewFileTable(),
		Sigactions:   kmm.NewSigActionsTable(),
		HasTrapFrame: true,
	}
	t.tree.ReplaceOrInsert(btreeItem{ctx})
	t.byID[id] = ctx
	return ctx
}

// Get returns the context with the given id, if present.
func (t *Table) Get(id ID) (*Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.byID[id]
	return ctx, ok
}

// Remove deletes a context from the table (reaping, spec.md §3
// Lifecycle: "the structure is reaped later when its last handle
// drops").
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.byID[id]; ok {
		t.tree.Delete(btreeItem{ctx})
		delete(t.byID, id)
	}
}

// Range calls fn for every context with lo <= id < hi in ascending id
// order, stopping early if fn returns false. Used directly by the
// scheduler's victim-selection traversal.
func (t *Table) Range(lo, hi ID, fn func(*Context) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.tree.AscendRange(btreeItem{&Context{ID: lo}}, btreeItem{&Context{ID: hi}}, func(item btree.Item) bool {
		return fn(item.(btreeItem).ctx)
	})
}

// RangeFrom calls fn for every context with id >= lo in ascending order.
func (t *Table) RangeFrom(lo ID, fn func(*Context) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.tree.AscendGreaterOrEqual(btreeItem{&Context{ID: lo}}, func(item btree.Item) bool {
		return fn(item.(btreeItem).ctx)
	})
}

// Ancestors returns the contexts on the ppid chain, starting with pid
// itself and walking upward, used by proc:'s "is this caller an ancestor" access check
// (spec.md §4.5).
func (t *Table) Ancestors(pid ID) []*Context {
	var out []*Context
	seen := map[ID]bool{}
	cur := pid
	for {
		ctx, ok := t.Get(cur)
		if !ok || seen[cur] {
			break
		}
		seen[cur] = true
		out = append(out, ctx)
		ctx.RLock()
		ppid := ctx.PPID
		ctx.RUnlock()
		if ppid == cur {
			break
		}
		cur = ppid
	}
	return out
}

// Len reports the number of live contexts, for tests/diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

var (
	// current models "the calling context" for schemes that
	// need it (proc:current, try_stop_context self-check). Real kernels
	// derive this from which context is dispatched on the calling CPU;
	// since this module does not model contexts as goroutines (see
	// DESIGN.md), callers bind the "current" context explicitly via
	// SetCurrent for the duration of a simulated syscall.
	currentMu sync.RWMutex
	current   = map[int64]ID{} // keyed by a caller-supplied CallerToken
)

// CallerToken identifies "who is calling" a scheme operation, standing
// in for the hardware notion of "the CPU's currently dispatched
// context" (spec.md §4.2). Tests and syscall-simulation harnesses
// allocate one token per simulated thread of control.
type CallerToken int64

// SetCurrent binds token's current context id.
func SetCurrent(token CallerToken, id ID) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current[int64(token)] = id
}

// CurrentID returns the context id bound to token, or 0 if unbound.
func CurrentID(token CallerToken) ID {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current[int64(token)]
}

// ErrNotFound is returned by lookups against a nonexistent context.
var ErrNotFound = errno.New(errno.ESRCH)
