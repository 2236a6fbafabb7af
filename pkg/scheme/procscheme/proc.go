// Package procscheme implements C5: proc:, the scheme exposing another
// context's registers, memory, file table, and trace session (spec.md
// §4.5). It is the largest component of the kernel core: every
// operation variant below corresponds 1:1 to an entry in spec.md's
// proc: operation table.
package procscheme

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/oplik0/redox-kernel/pkg/arch"
	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kcontext"
	"github.com/oplik0/redox-kernel/pkg/klog"
	"github.com/oplik0/redox-kernel/pkg/kmm"
	"github.com/oplik0/redox-kernel/pkg/ptrace"
	"github.com/oplik0/redox-kernel/pkg/scheme"
)

var log = klog.ForSubsystem("proc")

const (
	oNonblock = 0x800
	oTrunc    = 0x200
	oExcl     = 0x80
)

// userEndOffset is the top of the user-addressable half of the address
// space (the x86_64 canonical-boundary split at bit 47), an external
// paging-layout collaborator per spec.md §6 rather than something this
// module derives itself.
const userEndOffset = uint64(1) << 47

const (
	addrspaceOpMmap     = 0
	addrspaceOpTransfer = 1
	addrspaceOpMunmap   = 2
	addrspaceOpMprotect = 3
)

type opKind int

const (
	opRegsFloat opKind = iota
	opRegsInt
	opRegsEnv
	opTrace
	opExe
	opName
	opSigstack
	opUID
	opGID
	opOpenViaDup
	opFiletable
	opAddrSpace
	opCurrentAddrSpace
	opAwaitingAddrSpaceChange
	opCurrentFiletable
	opAwaitingFiletableChange
	opSchedAffinity
	opSigactions
	opCurrentSigactions
	opAwaitingSigactionsChange
	opMmapMinAddr
)

func (k opKind) needsChildProcess() bool {
	switch k {
	case opRegsFloat, opRegsInt, opRegsEnv, opTrace, opFiletable, opAddrSpace,
		opCurrentAddrSpace, opCurrentFiletable, opSigactions, opCurrentSigactions,
		opAwaitingSigactionsChange:
		return true
	}
	return false
}

func (k opKind) needsRoot() bool { return k == opUID || k == opGID }

func (k opKind) pathName() string {
	switch k {
	case opRegsFloat:
		return "regs/float"
	case opRegsInt:
		return "regs/int"
	case opRegsEnv:
		return "regs/env"
	case opTrace:
		return "trace"
	case opExe:
		return "exe"
	case opName:
		return "name"
	case opSigstack:
		return "sigstack"
	case opUID:
		return "uid"
	case opGID:
		return "gid"
	case opFiletable:
		return "filetable"
	case opAddrSpace:
		return "addrspace"
	case opSigactions:
		return "sigactions"
	case opCurrentAddrSpace:
		return "current-addrspace"
	case opCurrentFiletable:
		return "current-filetable"
	case opCurrentSigactions:
		return "current-sigactions"
	case opOpenViaDup:
		return "open-via-dup"
	case opMmapMinAddr:
		return "mmap-min-addr"
	case opSchedAffinity:
		return "sched-affinity"
	}
	return ""
}

// handle is a single open proc: file descriptor. Its kind is fixed at
// open except for current-addrspace/current-filetable/current-sigactions
// handles, which a write turns into their Awaiting* counterpart (filling
// the await* fields), applied at close().
type handle struct {
	mu    sync.Mutex
	pid   kcontext.ID
	flags int
	kind  opKind

	filetable  *kmm.FileTable
	addrspace  *kmm.AddrSpace
	sigactions *kmm.SigActionsTable

	awaitFiletable  *kmm.FileTable
	awaitSigactions *kmm.SigActionsTable
	awaitAddrspace  *kmm.AddrSpace
	awaitSP, awaitIP uint64

	staticBuf    []byte
	staticOffset int

	addrspaceOffset int

	traceClones []kcontext.ID
}

// FileResolver looks up the scheme+number behind a file descriptor
// number in the caller's file table, used by CurrentAddrSpace/
// CurrentFiletable/CurrentSigactions writes and OpenViaDup's dup() to
// find the object another scheme's handle addresses (spec.md §4.5
// extract_scheme_number). Tests provide a fake; the real wiring comes
// from whatever owns the syscall dispatch table.
type FileResolver interface {
	Resolve(callerPID kcontext.ID, fd int) (schemeID scheme.ID, number int, err error)
}

// Registry is the subset of *scheme.List procscheme needs to resolve a
// scheme id back into a KernelScheme, for OpenViaDup/CurrentAddrSpace et
// al.
type Registry interface {
	Get(id scheme.ID) (scheme.KernelScheme, bool)
}

// Scheme is C5. Restricted == true models `thisproc:` (addressable
// only via "current"/"new"); Restricted == false models `proc:`.
type Scheme struct {
	scheme.BaseScheme

	Table      *kcontext.Table
	Resolver   FileResolver
	Registry   Registry
	Restricted bool

	// Token resolves "the currently executing context" for operations
	// that don't carry a CallerCtx (Read/Write/Close), mirroring the
	// hardware notion of "whichever context trapped into this syscall"
	// (see kcontext.CallerToken doc).
	Token kcontext.CallerToken

	// CPUCount is the modulus sched-affinity writes reduce against
	// (original: `LogicalCpuId::new(val % crate::cpu_count())`), not a
	// hard-coded word width.
	CPUCount int

	nextID  uint64
	mu      sync.RWMutex
	handles map[int]*handle
}

func New(table *kcontext.Table, resolver FileResolver, registry Registry, restricted bool, token kcontext.CallerToken, cpuCount int) *Scheme {
	if cpuCount < 1 {
		cpuCount = 1
	}
	return &Scheme{
		Table:      table,
		Resolver:   resolver,
		Registry:   registry,
		Restricted: restricted,
		Token:      token,
		CPUCount:   cpuCount,
		handles:    make(map[int]*handle),
	}
}

func (s *Scheme) newHandle(h *handle) int {
	id := int(atomic.AddUint64(&s.nextID, 1) - 1)
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	return id
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

// withContext runs fn with pid's context read-locked, failing ESRCH if
// absent or exited (spec.md §4.5 with_context).
func (s *Scheme) withContext(pid kcontext.ID, fn func(*kcontext.Context) error) error {
	ctx, ok := s.Table.Get(pid)
	if !ok {
		return errno.New(errno.ESRCH)
	}
	ctx.RLock()
	defer ctx.RUnlock()
	if ctx.Status == kcontext.Exited {
		return errno.New(errno.ESRCH)
	}
	return fn(ctx)
}

func (s *Scheme) withContextMut(pid kcontext.ID, fn func(*kcontext.Context) error) error {
	ctx, ok := s.Table.Get(pid)
	if !ok {
		return errno.New(errno.ESRCH)
	}
	ctx.Lock()
	defer ctx.Unlock()
	if ctx.Status == kcontext.Exited {
		return errno.New(errno.ESRCH)
	}
	return fn(ctx)
}

// tryStopContext stops pid (sets ptrace_stop, spins until not running),
// runs fn, then restores the prior ptrace_stop value (spec.md §4.5
// try_stop_context). Rejects self-targeting with EBADF, mirroring the
// original's refusal to let a context stop itself.
func (s *Scheme) tryStopContext(pid, callerPID kcontext.ID, fn func(*kcontext.Context) error) error {
	if pid == callerPID {
		return errno.New(errno.EBADF)
	}

	var wasStopped, running bool
	err := s.withContextMut(pid, func(ctx *kcontext.Context) error {
		wasStopped = ctx.PtraceStop
		ctx.PtraceStop = true
		running = ctx.Running
		return nil
	})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxInterval = time.Millisecond
	for running {
		time.Sleep(b.NextBackOff())
		if err := s.withContext(pid, func(ctx *kcontext.Context) error {
			running = ctx.Running
			return nil
		}); err != nil {
			return err
		}
	}

	return s.withContextMut(pid, func(ctx *kcontext.Context) error {
		ret := fn(ctx)
		ctx.PtraceStop = wasStopped
		return ret
	})
}

// Open resolves "<pid-or-keyword>/<operation>" (spec.md §4.5 kopen).
func (s *Scheme) Open(path string, flags int, caller scheme.CallerCtx) (scheme.OpenResult, error) {
	parts := strings.SplitN(path, "/", 2)
	pidStr := parts[0]
	var opStr string
	if len(parts) > 1 {
		opStr = parts[1]
	}

	callerPID := kcontext.ID(caller.PID)

	var pid kcontext.ID
	switch {
	case pidStr == "current":
		pid = callerPID
	case pidStr == "new":
		newPID, err := s.inheritContext(callerPID)
		if err != nil {
			return scheme.OpenResult{}, err
		}
		pid = newPID
	case s.Restricted:
		return scheme.OpenResult{}, errno.New(errno.EACCES)
	default:
		n, err := strconv.ParseUint(pidStr, 10, 64)
		if err != nil {
			return scheme.OpenResult{}, errno.New(errno.ENOENT)
		}
		pid = kcontext.ID(n)
	}

	id, err := s.openInner(pid, opStr, flags, caller)
	if err != nil {
		return scheme.OpenResult{}, err
	}
	return scheme.LocalResult(id), nil
}

func (s *Scheme) openInner(pid kcontext.ID, opStr string, flags int, caller scheme.CallerCtx) (int, error) {
	ctx, ok := s.Table.Get(pid)
	if !ok {
		return 0, errno.New(errno.ESRCH)
	}

	h := &handle{pid: pid, flags: flags}

	switch opStr {
	case "addrspace":
		h.kind = opAddrSpace
		h.addrspace = ctx.AddrSpace
	case "filetable":
		h.kind = opFiletable
		h.filetable = ctx.Files
	case "current-addrspace":
		h.kind = opCurrentAddrSpace
	case "current-filetable":
		h.kind = opCurrentFiletable
	case "regs/float":
		h.kind = opRegsFloat
	case "regs/int":
		h.kind = opRegsInt
	case "regs/env":
		h.kind = opRegsEnv
	case "trace":
		h.kind = opTrace
	case "exe":
		h.kind = opExe
	case "name":
		h.kind = opName
	case "sigstack":
		h.kind = opSigstack
	case "uid":
		h.kind = opUID
	case "gid":
		h.kind = opGID
	case "open_via_dup":
		h.kind = opOpenViaDup
	case "sigactions":
		h.kind = opSigactions
		h.sigactions = ctx.Sigactions
	case "current-sigactions":
		h.kind = opCurrentSigactions
	case "mmap-min-addr":
		h.kind = opMmapMinAddr
		h.addrspace = ctx.AddrSpace
	case "sched-affinity":
		h.kind = opSchedAffinity
	default:
		return 0, errno.New(errno.EINVAL)
	}

	ctx.RLock()
	exited := ctx.Status == kcontext.Exited
	name := ctx.Name
	euid, egid := ctx.EUID, ctx.EGID
	ppid := ctx.PPID
	ctx.RUnlock()
	if exited {
		return 0, errno.New(errno.ESRCH)
	}

	if h.kind == opExe {
		h.staticBuf = []byte(name)
	}

	// Security: preserved verbatim, see DESIGN.md ("&&" vs "||").
	if h.kind.needsChildProcess() && caller.UID != 0 && caller.GID != 0 {
		current, ok := s.Table.Get(kcontext.ID(caller.PID))
		if !ok {
			return 0, errno.New(errno.ESRCH)
		}
		if current.ID != ctx.ID {
			if caller.UID != euid && caller.GID != egid {
				return 0, errno.New(errno.EPERM)
			}
			ancestorOK := false
			for _, anc := range s.Table.Ancestors(ppid) {
				if anc.ID == current.ID {
					ancestorOK = true
					break
				}
			}
			if !ancestorOK {
				return 0, errno.New(errno.EPERM)
			}
		}
	} else if h.kind.needsRoot() && (caller.UID != 0 || caller.GID != 0) {
		return 0, errno.New(errno.EPERM)
	}

	if h.kind == opFiletable {
		h.staticBuf = ctx.Files.Listing()
	}

	id := s.newHandle(h)

	if h.kind == opTrace {
		if !ptrace.TryNewSession(pid, id) {
			s.mu.Lock()
			delete(s.handles, id)
			s.mu.Unlock()
			return 0, errno.New(errno.EBUSY)
		}
		if flags&oTrunc == oTrunc {
			ctx.Lock()
			ctx.PtraceStop = true
			ctx.Unlock()
		}
	}

	return id, nil
}

func (s *Scheme) continueIgnoredChildren(h *handle) {
	for _, pid := range h.traceClones {
		if ptrace.IsTraced(pid) {
			continue
		}
		if ctx, ok := s.Table.Get(pid); ok {
			ctx.Lock()
			ctx.PtraceStop = false
			ctx.Unlock()
		}
	}
	h.traceClones = nil
}

func (s *Scheme) FEvent(id int, _ uint32) (uint32, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return 0, err
	}
	if h.kind != opTrace {
		return 0, nil
	}
	return ptrace.FEventFlags(h.pid)
}

func (s *Scheme) Close(id int) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return errno.New(errno.EBADF)
	}

	s.continueIgnoredChildren(h)

	switch h.kind {
	case opAwaitingAddrSpaceChange:
		apply := func(ctx *kcontext.Context) error {
			if regs := ptrace.RegsForMut(ctx); regs != nil {
				regs.Int.IP = h.awaitIP
				regs.Int.SP = h.awaitSP
			} else {
				ctx.CloneEntry = &[2]uint64{h.awaitIP, h.awaitSP}
			}
			ctx.AddrSpace = h.awaitAddrspace
			return nil
		}
		var err error
		if h.pid == kcontext.CurrentID(s.Token) {
			err = s.withContextMut(h.pid, apply)
		} else {
			err = s.tryStopContext(h.pid, kcontext.CurrentID(s.Token), apply)
		}
		if err != nil {
			return err
		}
		ptrace.SendEvent(s.Token, ptrace.Event{Cause: ptrace.EventAddrSpaceSwitch})
	case opAwaitingFiletableChange:
		if err := s.withContextMut(h.pid, func(ctx *kcontext.Context) error {
			ctx.Files = h.awaitFiletable
			return nil
		}); err != nil {
			return err
		}
	case opAwaitingSigactionsChange:
		if err := s.withContextMut(h.pid, func(ctx *kcontext.Context) error {
			ctx.Sigactions = h.awaitSigactions
			return nil
		}); err != nil {
			return err
		}
	case opTrace:
		ptrace.CloseSession(h.pid)
		if h.flags&oExcl == oExcl {
			if ctx, ok := s.Table.Get(h.pid); ok {
				ctx.Lock()
				ctx.Status = kcontext.Exited
				ctx.Unlock()
			}
		}
		if ctx, ok := s.Table.Get(h.pid); ok {
			ctx.Lock()
			ctx.PtraceStop = false
			ctx.Unlock()
		}
	}
	return nil
}

func (s *Scheme) AsAddrSpace(id int) (scheme.AddrSpaceRef, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return scheme.AddrSpaceRef{}, err
	}
	if h.kind != opAddrSpace {
		return scheme.AddrSpaceRef{}, errno.New(errno.EBADF)
	}
	return scheme.AddrSpaceRef{Value: h.addrspace}, nil
}

func (s *Scheme) AsFiletable(id int) (scheme.FiletableRef, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return scheme.FiletableRef{}, err
	}
	if h.kind != opFiletable {
		return scheme.FiletableRef{}, errno.New(errno.EBADF)
	}
	return scheme.FiletableRef{Value: h.filetable}, nil
}

func (s *Scheme) AsSigactions(id int) (scheme.SigactionsRef, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return scheme.SigactionsRef{}, err
	}
	if h.kind != opSigactions {
		return scheme.SigactionsRef{}, errno.New(errno.EBADF)
	}
	return scheme.SigactionsRef{Value: h.sigactions}, nil
}

func (s *Scheme) Read(id int, buf []byte) (int, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return 0, err
	}

	switch h.kind {
	case opExe, opFiletable:
		h.mu.Lock()
		defer h.mu.Unlock()
		n := copy(buf, h.staticBuf[h.staticOffset:])
		h.staticOffset += n
		return n, nil

	case opRegsFloat:
		var out arch.FloatRegisters
		if err := s.withContext(h.pid, func(ctx *kcontext.Context) error {
			out = ctx.KFX
			return nil
		}); err != nil {
			return 0, err
		}
		return encodeInto(buf, out.Raw[:])

	case opRegsInt:
		var regs arch.IntRegisters
		err := s.tryStopContext(h.pid, kcontext.CurrentID(s.Token), func(ctx *kcontext.Context) error {
			frame := ptrace.RegsForMut(ctx)
			if frame == nil {
				log.Errorf("couldn't read registers from stopped process %d", h.pid)
				return errno.New(errno.ENOTRECOVERABLE)
			}
			frame.Save(&regs)
			return nil
		})
		if err != nil {
			return 0, err
		}
		return encodeStruct(buf, regs)

	case opRegsEnv:
		regs, err := s.readEnvRegs(h.pid)
		if err != nil {
			return 0, err
		}
		return encodeStruct(buf, regs)

	case opTrace:
		return s.readTrace(h, buf)

	case opAddrSpace:
		return s.readAddrSpace(h, buf)

	case opName:
		var name string
		if err := s.withContext(h.pid, func(ctx *kcontext.Context) error { name = ctx.Name; return nil }); err != nil {
			return 0, err
		}
		return copy(buf, name), nil

	case opSigstack:
		var val uint64 = ^uint64(0)
		if err := s.withContext(h.pid, func(ctx *kcontext.Context) error {
			if ctx.SigStack != nil {
				val = *ctx.SigStack
			}
			return nil
		}); err != nil {
			return 0, err
		}
		return encodeUint64(buf, val)

	case opUID, opGID:
		var val uint32
		if err := s.withContext(h.pid, func(ctx *kcontext.Context) error {
			if h.kind == opUID {
				val = ctx.EUID
			} else {
				val = ctx.EGID
			}
			return nil
		}); err != nil {
			return 0, err
		}
		return copy(buf, []byte(fmt.Sprintf("%d", val))), nil

	case opMmapMinAddr:
		return encodeUint64(buf, h.addrspace.MmapMinAddr())

	case opSchedAffinity:
		var aff kcontext.AffinitySet
		if err := s.withContext(h.pid, func(ctx *kcontext.Context) error { aff = ctx.Affinity; return nil }); err != nil {
			return 0, err
		}
		// An unpinned context carries kcontext.AffinityAll() (every bit
		// set, the Spawn default); that and the zero-value both report as
		// the usize::MAX "no restriction" sentinel the original uses for
		// sched-affinity. Anything narrower reports its lowest set CPU.
		val := ^uint64(0)
		if !aff.Empty() && aff != kcontext.AffinityAll() {
			val = uint64(aff.FirstSet())
		}
		return encodeUint64(buf, val)
	}

	return 0, errno.New(errno.EBADF)
}

// readEnvRegs implements the self-vs-foreign asymmetry from the
// original's arch-specific read_env_regs: reading the calling context's
// own fsbase/gsbase never stops it (there is nothing to stop — it's
// already not running anywhere else), while reading another context's
// requires the same stop-and-spin dance as regs/int (spec.md SPEC_FULL
// supplemented feature: env-register asymmetry).
func (s *Scheme) readEnvRegs(pid kcontext.ID) (arch.EnvRegisters, error) {
	if pid == kcontext.CurrentID(s.Token) {
		var out arch.EnvRegisters
		err := s.withContext(pid, func(ctx *kcontext.Context) error { out = ctx.Env; return nil })
		return out, err
	}
	var out arch.EnvRegisters
	err := s.tryStopContext(pid, kcontext.CurrentID(s.Token), func(ctx *kcontext.Context) error {
		out = ctx.Env
		return nil
	})
	return out, err
}

func (s *Scheme) writeEnvRegs(pid kcontext.ID, regs arch.EnvRegisters) error {
	if pid == kcontext.CurrentID(s.Token) {
		return s.withContextMut(pid, func(ctx *kcontext.Context) error { ctx.Env = regs; return nil })
	}
	return s.tryStopContext(pid, kcontext.CurrentID(s.Token), func(ctx *kcontext.Context) error {
		ctx.Env = regs
		return nil
	})
}

func (s *Scheme) readTrace(h *handle, buf []byte) (int, error) {
	if h.flags&oNonblock != oNonblock {
		if err := ptrace.Wait(h.pid); err != nil {
			return 0, err
		}
	}
	if err := s.withContext(h.pid, func(*kcontext.Context) error { return nil }); err != nil {
		return 0, err
	}

	const eventSize = 40 // Cause + A + B + C + D, 8 bytes each
	maxEvents := len(buf) / eventSize
	if maxEvents > 4 {
		maxEvents = 4
	}
	dst := make([]ptrace.Event, maxEvents)

	read, reached, err := ptrace.RecvEvents(h.pid, dst)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	for _, ev := range dst[:read] {
		if ev.Cause == ptrace.EventClone {
			h.traceClones = append(h.traceClones, kcontext.ID(ev.A))
		}
	}
	h.mu.Unlock()

	if read == 0 && !reached {
		if h.flags&oNonblock != oNonblock {
			log.Errorf("trace wait woke up spuriously for pid %d", h.pid)
		}
		return 0, errno.New(errno.EAGAIN)
	}

	off := 0
	for _, ev := range dst[:read] {
		binary.LittleEndian.PutUint64(buf[off:], uint64(ev.Cause))
		binary.LittleEndian.PutUint64(buf[off+8:], ev.A)
		binary.LittleEndian.PutUint64(buf[off+16:], ev.B)
		binary.LittleEndian.PutUint64(buf[off+24:], ev.C)
		binary.LittleEndian.PutUint64(buf[off+32:], ev.D)
		off += eventSize
	}
	return off, nil
}

// grantDescSize is the wire size of one GrantDesc record: base, size,
// flags (padded to a word), offset.
const grantDescSize = 32

func (s *Scheme) readAddrSpace(h *handle, buf []byte) (int, error) {
	h.mu.Lock()
	offset := h.addrspaceOffset
	h.mu.Unlock()

	maxRecords := len(buf) / grantDescSize
	if maxRecords > 16 {
		maxRecords = 16
	}
	grants := h.addrspace.Grants(offset, maxRecords)

	out := 0
	for _, g := range grants {
		fileOffset := ^uint64(0)
		if g.FileRef != nil {
			fileOffset = g.FileRef.BaseOffset
		}
		binary.LittleEndian.PutUint64(buf[out:], g.Base)
		binary.LittleEndian.PutUint64(buf[out+8:], uint64(g.PageCount)*kmm.PageSize)
		binary.LittleEndian.PutUint64(buf[out+16:], uint64(g.Flags))
		binary.LittleEndian.PutUint64(buf[out+24:], fileOffset)
		out += grantDescSize
	}

	h.mu.Lock()
	h.addrspaceOffset += len(grants)
	h.mu.Unlock()

	return out, nil
}

func encodeStruct(dst []byte, v interface{}) (int, error) {
	var words []uint64
	switch t := v.(type) {
	case arch.IntRegisters:
		words = []uint64{t.IP, t.SP, t.Flags, t.Return, t.Arg0, t.Arg1, t.Arg2, t.Arg3, t.Arg4, t.Arg5}
	case arch.EnvRegisters:
		words = []uint64{t.FSBase, t.GSBase, t.TpidrEL0, t.TpidrroEL0}
	default:
		return 0, errno.New(errno.EINVAL)
	}
	n := 0
	for _, w := range words {
		if n+8 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint64(dst[n:], w)
		n += 8
	}
	return n, nil
}

func decodeStruct(src []byte, v interface{}) error {
	read := func(i int) uint64 { return binary.LittleEndian.Uint64(src[i*8:]) }
	switch t := v.(type) {
	case *arch.IntRegisters:
		if len(src) < 80 {
			return errno.New(errno.EINVAL)
		}
		*t = arch.IntRegisters{IP: read(0), SP: read(1), Flags: read(2), Return: read(3),
			Arg0: read(4), Arg1: read(5), Arg2: read(6), Arg3: read(7), Arg4: read(8), Arg5: read(9)}
	case *arch.EnvRegisters:
		if len(src) < 32 {
			return errno.New(errno.EINVAL)
		}
		*t = arch.EnvRegisters{FSBase: read(0), GSBase: read(1), TpidrEL0: read(2), TpidrroEL0: read(3)}
	default:
		return errno.New(errno.EINVAL)
	}
	return nil
}

func encodeInto(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

func encodeUint64(dst []byte, v uint64) (int, error) {
	if len(dst) < 8 {
		return 0, errno.New(errno.EINVAL)
	}
	binary.LittleEndian.PutUint64(dst, v)
	return 8, nil
}

func decodeUint64(src []byte) (uint64, error) {
	if len(src) < 8 {
		return 0, errno.New(errno.EINVAL)
	}
	return binary.LittleEndian.Uint64(src), nil
}

func (s *Scheme) Write(id int, buf []byte) (int, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	clones := h.traceClones
	h.traceClones = nil
	h.mu.Unlock()
	if len(clones) > 0 {
		h.mu.Lock()
		h.traceClones = clones
		h.mu.Unlock()
		s.continueIgnoredChildren(h)
	}

	switch h.kind {
	case opExe, opFiletable:
		return 0, errno.New(errno.EBADF)

	case opAddrSpace:
		return s.writeAddrSpace(h, buf)

	case opRegsFloat:
		var regs arch.FloatRegisters
		copy(regs.Raw[:], buf)
		err := s.withContextMut(h.pid, func(ctx *kcontext.Context) error { ctx.KFX = regs; return nil })
		if err != nil {
			return 0, err
		}
		return len(regs.Raw), nil

	case opRegsInt:
		var regs arch.IntRegisters
		if err := decodeStruct(buf, &regs); err != nil {
			return 0, err
		}
		err := s.tryStopContext(h.pid, kcontext.CurrentID(s.Token), func(ctx *kcontext.Context) error {
			frame := ptrace.RegsForMut(ctx)
			if frame == nil {
				log.Errorf("couldn't write registers to stopped process %d", h.pid)
				return errno.New(errno.ENOTRECOVERABLE)
			}
			frame.Load(&regs)
			return nil
		})
		if err != nil {
			return 0, err
		}
		return 80, nil

	case opRegsEnv:
		var regs arch.EnvRegisters
		if err := decodeStruct(buf, &regs); err != nil {
			return 0, err
		}
		if err := s.writeEnvRegs(h.pid, regs); err != nil {
			return 0, err
		}
		return 32, nil

	case opTrace:
		return s.writeTrace(h, buf)

	case opName:
		name := string(buf)
		if len(name) > 256 {
			name = name[:256]
		}
		if err := s.withContextMut(h.pid, func(ctx *kcontext.Context) error { ctx.Name = name; return nil }); err != nil {
			return 0, err
		}
		return len(buf), nil

	case opSigstack:
		val, err := decodeUint64(buf)
		if err != nil {
			return 0, err
		}
		err = s.withContextMut(h.pid, func(ctx *kcontext.Context) error {
			if val == ^uint64(0) {
				ctx.SigStack = nil
			} else {
				v := val
				ctx.SigStack = &v
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return len(buf), nil

	case opUID, opGID:
		n, err := strconv.ParseUint(strings.TrimSpace(string(buf)), 10, 32)
		if err != nil {
			return 0, errno.New(errno.EINVAL)
		}
		err = s.withContextMut(h.pid, func(ctx *kcontext.Context) error {
			if h.kind == opUID {
				ctx.EUID = uint32(n)
			} else {
				ctx.EGID = uint32(n)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return len(buf), nil

	case opCurrentFiletable:
		fdVal, err := decodeUint64(buf)
		if err != nil {
			return 0, err
		}
		ft, err := s.resolveFiletable(int(fdVal))
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.kind = opAwaitingFiletableChange
		h.awaitFiletable = ft
		h.mu.Unlock()
		return 8, nil

	case opCurrentAddrSpace:
		if len(buf) < 24 {
			return 0, errno.New(errno.EINVAL)
		}
		fdVal := binary.LittleEndian.Uint64(buf[0:8])
		sp := binary.LittleEndian.Uint64(buf[8:16])
		ip := binary.LittleEndian.Uint64(buf[16:24])
		as, err := s.resolveAddrSpace(int(fdVal))
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.kind = opAwaitingAddrSpaceChange
		h.awaitAddrspace = as
		h.awaitSP = sp
		h.awaitIP = ip
		h.mu.Unlock()
		return 24, nil

	case opCurrentSigactions:
		fdVal, err := decodeUint64(buf)
		if err != nil {
			return 0, err
		}
		sa, err := s.resolveSigactions(int(fdVal))
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.kind = opAwaitingSigactionsChange
		h.awaitSigactions = sa
		h.mu.Unlock()
		return 8, nil

	case opMmapMinAddr:
		val, err := decodeUint64(buf)
		if err != nil {
			return 0, err
		}
		if val%kmm.PageSize != 0 || val > userEndOffset {
			return 0, errno.New(errno.EINVAL)
		}
		h.addrspace.SetMmapMinAddr(val)
		return 8, nil

	case opSchedAffinity:
		val, err := decodeUint64(buf)
		if err != nil {
			return 0, err
		}
		err = s.withContextMut(h.pid, func(ctx *kcontext.Context) error {
			if val == 0xFFFFFFFF {
				ctx.Affinity = kcontext.AffinityAll()
			} else {
				ctx.Affinity = kcontext.AffinitySingle(int(val) % s.CPUCount)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return 8, nil
	}

	return 0, errno.New(errno.EBADF)
}

func (s *Scheme) writeTrace(h *handle, buf []byte) (int, error) {
	raw, err := decodeUint64(buf)
	if err != nil {
		return 0, err
	}
	op := ptrace.Flags(raw)

	var armed *ptrace.Flags
	if op&(ptrace.StopMask|ptrace.EventMask) != 0 {
		v := op
		armed = &v
	}
	if err := ptrace.SetBreakpoint(h.pid, armed); err != nil {
		return 0, err
	}

	if op&ptrace.StopSingleStep != 0 {
		err := s.tryStopContext(h.pid, kcontext.CurrentID(s.Token), func(ctx *kcontext.Context) error {
			frame := ptrace.RegsForMut(ctx)
			if frame == nil {
				log.Errorf("couldn't arm single-step on stopped process %d", h.pid)
				return errno.New(errno.ENOTRECOVERABLE)
			}
			frame.SetSingleStep(true)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if err := s.withContextMut(h.pid, func(ctx *kcontext.Context) error { ctx.PtraceStop = false; return nil }); err != nil {
		return 0, err
	}

	if err := ptrace.WithSession(h.pid, func(sess *ptrace.Session) error { sess.Notify(); return nil }); err != nil {
		return 0, err
	}

	return 8, nil
}

func (s *Scheme) writeAddrSpace(h *handle, buf []byte) (int, error) {
	words := len(buf) / 8
	if words == 0 {
		return 0, errno.New(errno.EINVAL)
	}
	next := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[i*8:]) }

	op := next(0)
	switch op {
	case addrspaceOpMmap, addrspaceOpTransfer:
		if words < 6 {
			return 0, errno.New(errno.EINVAL)
		}
		fd := next(1)
		offset := next(2)
		address := next(3)
		size := next(4)
		flags := kmm.MapFlags(next(5))

		if flags&kmm.MapFixed == 0 {
			return 0, errno.New(errno.EOPNOTSUPP)
		}
		pageCount := int(size / kmm.PageSize)

		srcAS, err := s.resolveAddrSpace(int(fd))
		if err != nil {
			return 0, err
		}
		var dstBase *uint64
		if address != 0 {
			a := address
			dstBase = &a
		}

		var base uint64
		if op == addrspaceOpTransfer {
			base, err = h.addrspace.Move(dstBase, srcAS, offset, pageCount, flags)
		} else {
			base, err = h.addrspace.Mmap(dstBase, srcAS, offset, pageCount, flags, &kmm.FileRef{BaseOffset: offset})
		}
		if err != nil {
			return 0, err
		}
		_ = base
		return 6 * 8, nil

	case addrspaceOpMunmap:
		if words < 3 {
			return 0, errno.New(errno.EINVAL)
		}
		address := next(1)
		size := next(2)
		if err := h.addrspace.Munmap(address, int(size/kmm.PageSize)); err != nil {
			return 0, err
		}
		return 3 * 8, nil

	case addrspaceOpMprotect:
		if words < 4 {
			return 0, errno.New(errno.EINVAL)
		}
		address := next(1)
		size := next(2)
		flags := kmm.MapFlags(next(3))
		if err := h.addrspace.Mprotect(address, int(size/kmm.PageSize), flags); err != nil {
			return 0, err
		}
		return 4 * 8, nil

	default:
		return 0, errno.New(errno.EINVAL)
	}
}

func (s *Scheme) FPath(id int, buf []byte) (int, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return 0, err
	}
	path := fmt.Sprintf("proc:%d/%s", h.pid, h.kind.pathName())
	return copy(buf, path), nil
}

func (s *Scheme) FStat(id int) (scheme.Stat, error) {
	h, err := s.getHandle(id)
	if err != nil {
		return scheme.Stat{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	size := uint64(0)
	if h.kind == opExe || h.kind == opFiletable {
		size = uint64(len(h.staticBuf) - h.staticOffset)
	}
	return scheme.Stat{Mode: 0o666, Size: size}, nil
}

// Dup implements clone()/execve() support: reopening via a
// previously-granted open_via_dup handle, or deriving a sibling handle
// (copy/empty/exclusive/grant-fd-<hex>) from an existing addrspace,
// filetable, or sigactions handle (spec.md §4.5 kdup).
func (s *Scheme) Dup(oldID int, buf []byte, caller scheme.CallerCtx) (scheme.OpenResult, error) {
	h, err := s.getHandle(oldID)
	if err != nil {
		return scheme.OpenResult{}, err
	}

	switch h.kind {
	case opOpenViaDup:
		opStr := strings.TrimSpace(string(buf))
		var euid, egid uint32
		cur, ok := s.Table.Get(kcontext.CurrentID(s.Token))
		if !ok {
			return scheme.OpenResult{}, errno.New(errno.ESRCH)
		}
		cur.RLock()
		euid, egid = cur.EUID, cur.EGID
		cur.RUnlock()
		id, err := s.openInner(h.pid, opStr, 0, scheme.CallerCtx{PID: caller.PID, UID: euid, GID: egid})
		if err != nil {
			return scheme.OpenResult{}, err
		}
		return scheme.LocalResult(id), nil

	case opFiletable:
		if string(buf) != "copy" {
			return scheme.OpenResult{}, errno.New(errno.EINVAL)
		}
		nh := &handle{pid: h.pid, kind: opFiletable, filetable: h.filetable.Clone()}
		return scheme.LocalResult(s.newHandle(nh)), nil

	case opAddrSpace:
		const grantFDPrefix = "grant-fd-"
		switch {
		case string(buf) == "empty":
			nh := &handle{pid: h.pid, kind: opAddrSpace, addrspace: kmm.NewAddrSpace()}
			return scheme.LocalResult(s.newHandle(nh)), nil
		case string(buf) == "exclusive":
			nh := &handle{pid: h.pid, kind: opAddrSpace, addrspace: h.addrspace.TryClone()}
			return scheme.LocalResult(s.newHandle(nh)), nil
		case string(buf) == "mmap-min-addr":
			nh := &handle{pid: h.pid, kind: opMmapMinAddr, addrspace: h.addrspace}
			return scheme.LocalResult(s.newHandle(nh)), nil
		case strings.HasPrefix(string(buf), grantFDPrefix):
			hexAddr := strings.TrimPrefix(string(buf), grantFDPrefix)
			pageAddr, err := strconv.ParseUint(hexAddr, 16, 64)
			if err != nil || pageAddr%kmm.PageSize != 0 {
				return scheme.OpenResult{}, errno.New(errno.EINVAL)
			}
			g, ok := h.addrspace.GrantAt(pageAddr)
			if !ok || g.FileRef == nil {
				return scheme.OpenResult{}, errno.New(errno.EBADF)
			}
			return scheme.OpenResult{External: &scheme.ExternalRef{SchemeID: scheme.ID(g.FileRef.Description.SchemeID), Number: g.FileRef.Description.Number}}, nil
		default:
			return scheme.OpenResult{}, errno.New(errno.EINVAL)
		}

	case opSigactions:
		switch string(buf) {
		case "empty":
			nh := &handle{pid: h.pid, kind: opSigactions, sigactions: kmm.NewSigActionsTable()}
			return scheme.LocalResult(s.newHandle(nh)), nil
		case "copy":
			nh := &handle{pid: h.pid, kind: opSigactions, sigactions: h.sigactions.Clone()}
			return scheme.LocalResult(s.newHandle(nh)), nil
		default:
			return scheme.OpenResult{}, errno.New(errno.EINVAL)
		}
	}

	return scheme.OpenResult{}, errno.New(errno.EINVAL)
}

// resolveFiletable/resolveAddrSpace/resolveSigactions/resolveAddrSpaceHandle
// use Resolver+Registry to turn a raw fd number (from the caller's own
// file table) into the target object another scheme's handle addresses
// (spec.md §4.5 extract_scheme_number).
func (s *Scheme) resolveFiletable(fd int) (*kmm.FileTable, error) {
	schemeID, number, err := s.Resolver.Resolve(kcontext.CurrentID(s.Token), fd)
	if err != nil {
		return nil, err
	}
	target, ok := s.Registry.Get(schemeID)
	if !ok {
		return nil, errno.New(errno.ENODEV)
	}
	ref, err := target.AsFiletable(number)
	if err != nil {
		return nil, err
	}
	ft, ok := ref.Value.(*kmm.FileTable)
	if !ok {
		return nil, errno.New(errno.EBADF)
	}
	return ft, nil
}

func (s *Scheme) resolveAddrSpace(fd int) (*kmm.AddrSpace, error) {
	schemeID, number, err := s.Resolver.Resolve(kcontext.CurrentID(s.Token), fd)
	if err != nil {
		return nil, err
	}
	target, ok := s.Registry.Get(schemeID)
	if !ok {
		return nil, errno.New(errno.ENODEV)
	}
	ref, err := target.AsAddrSpace(number)
	if err != nil {
		return nil, err
	}
	as, ok := ref.Value.(*kmm.AddrSpace)
	if !ok {
		return nil, errno.New(errno.EBADF)
	}
	return as, nil
}

func (s *Scheme) resolveSigactions(fd int) (*kmm.SigActionsTable, error) {
	schemeID, number, err := s.Resolver.Resolve(kcontext.CurrentID(s.Token), fd)
	if err != nil {
		return nil, err
	}
	target, ok := s.Registry.Get(schemeID)
	if !ok {
		return nil, errno.New(errno.ENODEV)
	}
	ref, err := target.AsSigactions(number)
	if err != nil {
		return nil, err
	}
	sa, ok := ref.Value.(*kmm.SigActionsTable)
	if !ok {
		return nil, errno.New(errno.EBADF)
	}
	return sa, nil
}

// inheritContext spawns a new context inheriting the caller's
// credentials, used by open("new") (spec.md §4.5 inherit_context). The
// child starts Stopped(SIGSTOP): its entry point arrives later via a
// current-addrspace close(), which either patches its (not yet taken)
// trap frame or, here, stashes [ip, sp] in CloneEntry for whatever
// starts it running (spec.md §9 clone_handler/inherit_context
// trampoline).
func (s *Scheme) inheritContext(callerPID kcontext.ID) (kcontext.ID, error) {
	current, ok := s.Table.Get(callerPID)
	if !ok {
		return 0, errno.New(errno.ESRCH)
	}

	child := s.Table.Spawn()
	child.Lock()
	current.RLock()
	child.Status = kcontext.Stopped
	child.StoppedSignal = sigstop
	child.EUID, child.EGID = current.EUID, current.EGID
	child.RUID, child.RGID = current.RUID, current.RGID
	child.PPID = current.ID
	child.PGID = current.PGID
	child.HasTrapFrame = false
	current.RUnlock()
	child.Unlock()

	if ptrace.SendEvent(s.Token, ptrace.Event{Cause: ptrace.EventClone, A: uint64(child.ID)}) {
		child.Lock()
		child.PtraceStop = true
		child.Unlock()
	}

	return child.ID, nil
}

const sigstop = 19
