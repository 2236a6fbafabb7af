// Package kmm models the shared, reference-counted per-context resources
// spec.md §3 calls out: the address space (grants), the file table, and
// the signal-actions table. Layout follows gVisor's
// pkg/sentry/mm.MemoryManager split (a mutex-guarded struct with plain
// getter/setter methods, no interface where one concrete type suffices)
// scaled down to what proc: actually mutates.
package kmm

import (
	"sort"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/oplik0/redox-kernel/pkg/errno"
)

// MapFlags mirrors the subset of mmap(2) PROT_*/MAP_* bits proc:'s
// addrspace write language cares about.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapExec
	MapFixed
	MapShared
)

// Grant is a single virtual-memory mapping within an address space (see
// GLOSSARY). It may be private, shared, or backed by an external file
// description.
type Grant struct {
	Base      uint64
	PageCount int
	Flags     MapFlags
	FileRef   *FileRef
}

func (g Grant) end() uint64 { return g.Base + uint64(g.PageCount)*PageSize }

// FileRef is the external file description backing a grant, returned
// verbatim by the grant-fd-<hex> dup introspection path (spec.md §4.5).
type FileRef struct {
	Description *FileDescription
	BaseOffset  uint64
}

// FileDescription is an opaque external file-description handle; the
// kernel core only ever moves it around, never interprets it (spec.md
// §4.4 OpenResult::External).
type FileDescription struct {
	SchemeID   int
	Number     int
	BaseOffset uint64
}

// PageSize is the collaborator-supplied page size (spec.md §6:
// "PAGE_SIZE"). Fixed here since the kernel core treats paging hardware
// as an external collaborator.
const PageSize = 4096

// AddrSpace is a context's address space: a reference-counted,
// read/write-locked grant map (spec.md §3: "Every reference-counted
// resource... is released when the last context drops it").
type AddrSpace struct {
	mu        sync.RWMutex
	grants    []Grant // sorted ascending by Base, non-overlapping
	MmapMin   uint64
}

// NewAddrSpace returns a fresh, empty address space.
func NewAddrSpace() *AddrSpace {
	return &AddrSpace{}
}

// TryClone produces an "exclusive" deep copy of addr space's grants,
// backing the AddrSpace("exclusive") dup variant in proc: (spec.md
// §4.5).
func (a *AddrSpace) TryClone() *AddrSpace {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cloned := deepcopy.Copy(a.grants).([]Grant)
	return &AddrSpace{grants: cloned, MmapMin: a.MmapMin}
}

// Grants returns a snapshot of the grant list starting at offset,
// capped to n entries, for the addrspace read streaming protocol.
func (a *AddrSpace) Grants(offset, n int) []Grant {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if offset >= len(a.grants) {
		return nil
	}
	end := offset + n
	if end > len(a.grants) {
		end = len(a.grants)
	}
	out := make([]Grant, end-offset)
	copy(out, a.grants[offset:end])
	return out
}

func (a *AddrSpace) insertLocked(g Grant) {
	idx := sort.Search(len(a.grants), func(i int) bool { return a.grants[i].Base >= g.Base })
	a.grants = append(a.grants, Grant{})
	copy(a.grants[idx+1:], a.grants[idx:])
	a.grants[idx] = g
}

func (a *AddrSpace) overlapsLocked(base uint64, count int) bool {
	end := base + uint64(count)*PageSize
	for _, g := range a.grants {
		if base < g.end() && g.Base < end {
			return true
		}
	}
	return false
}

// Mmap records a new grant of pageCount pages in this address space at
// dstBase (or at a free region if dstBase is nil), implementing the
// ADDRSPACE_OP_MMAP path of proc:'s addrspace write language. src is only
// compared against a (EBUSY when they are the same); srcBase is not used
// and nothing about src is recorded in the new grant.
func (a *AddrSpace) Mmap(dstBase *uint64, src *AddrSpace, srcBase uint64, pageCount int, flags MapFlags, fileRef *FileRef) (uint64, error) {
	if a == src {
		return 0, errno.New(errno.EBUSY)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	base, err := a.pickBaseLocked(dstBase, pageCount, flags)
	if err != nil {
		return 0, err
	}
	a.insertLocked(Grant{Base: base, PageCount: pageCount, Flags: flags, FileRef: fileRef})
	return base, nil
}

// Move transfers pageCount pages from src starting at srcBase into this
// address space, removing them from src — the ADDRSPACE_OP_TRANSFER
// path ("TRANSFER moves grants").
func (a *AddrSpace) Move(dstBase *uint64, src *AddrSpace, srcBase uint64, pageCount int, flags MapFlags) (uint64, error) {
	if a == src {
		return 0, errno.New(errno.EBUSY)
	}
	src.mu.Lock()
	g, ok := src.takeLocked(srcBase, pageCount)
	src.mu.Unlock()
	if !ok {
		return 0, errno.New(errno.EINVAL)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	base, err := a.pickBaseLocked(dstBase, pageCount, flags)
	if err != nil {
		return 0, err
	}
	g.Base = base
	g.Flags = flags
	a.insertLocked(g)
	return base, nil
}

func (a *AddrSpace) takeLocked(base uint64, count int) (Grant, bool) {
	for i, g := range a.grants {
		if g.Base == base && g.PageCount == count {
			a.grants = append(a.grants[:i], a.grants[i+1:]...)
			return g, true
		}
	}
	return Grant{}, false
}

func (a *AddrSpace) pickBaseLocked(requested *uint64, pageCount int, flags MapFlags) (uint64, error) {
	if requested != nil {
		if flags&MapFixed == 0 {
			return 0, errno.New(errno.EOPNOTSUPP)
		}
		if a.overlapsLocked(*requested, pageCount) {
			return 0, errno.New(errno.EBUSY)
		}
		return *requested, nil
	}
	// First-fit search above MmapMin.
	base := a.MmapMin
	if base == 0 {
		base = PageSize
	}
	for a.overlapsLocked(base, pageCount) {
		base += PageSize
	}
	return base, nil
}

// Munmap removes the grant that starts exactly at base and spans exactly
// count pages; any other range fails with EINVAL.
func (a *AddrSpace) Munmap(base uint64, count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.takeLocked(base, count); !ok {
		return errno.New(errno.EINVAL)
	}
	return nil
}

// Mprotect updates the flags on the grant that starts exactly at base and
// spans exactly count pages; any other range fails with EINVAL.
func (a *AddrSpace) Mprotect(base uint64, count int, flags MapFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.grants {
		if a.grants[i].Base == base && a.grants[i].PageCount == count {
			a.grants[i].Flags = flags
			return nil
		}
	}
	return errno.New(errno.EINVAL)
}

// MmapMinAddr returns the lowest address considered for a free-region
// mmap search (spec.md §4.5 mmap-min-addr).
func (a *AddrSpace) MmapMinAddr() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.MmapMin
}

// SetMmapMinAddr updates the mmap-min-addr floor.
func (a *AddrSpace) SetMmapMinAddr(val uint64) {
	a.mu.Lock()
	a.MmapMin = val
	a.mu.Unlock()
}

// GrantCount reports how many grants are currently mapped, for the
// addrspace read() EOF check.
func (a *AddrSpace) GrantCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.grants)
}

// GrantAt returns the grant containing the given page address, used by
// the grant-fd-<hex> dup introspection path.
func (a *AddrSpace) GrantAt(page uint64) (Grant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, g := range a.grants {
		if page >= g.Base && page < g.end() {
			return g, true
		}
	}
	return Grant{}, false
}
