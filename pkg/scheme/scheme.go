// Package scheme implements C4: the uniform scheme registry every
// open() path resolves through, plus the KernelScheme interface C5 and
// C6 implement (spec.md §4.4).
package scheme

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/oplik0/redox-kernel/pkg/errno"
)

// ID identifies one registered scheme.
type ID int

// Namespace partitions the scheme name -> ID mapping, mirroring mount
// namespaces: namespace 0 (Null) is the restricted set handed to a
// freshly cloned context before it execs, namespace 1 (Root) is the
// full set (spec.md §4.4).
type Namespace int

const (
	Null Namespace = 0
	Root Namespace = 1
)

// DefaultMaxSchemes bounds the id space before wraparound (spec.md §4.4,
// kconfig.MaxSchemes, default 65536).
const DefaultMaxSchemes = 65536

// CallerCtx is the (pid, uid, gid) triple every kopen/kdup call carries,
// used for scheme-side access checks (spec.md §4.5).
type CallerCtx struct {
	PID int
	UID uint32
	GID uint32
}

// OpenResult is either a new scheme-local descriptor number, or a
// handoff to a FileDescription living in another scheme entirely (the
// `grant-fd-<hex>` dup case, spec.md §4.5).
type OpenResult struct {
	Local    int
	External *ExternalRef
}

// ExternalRef names a file description owned by a different scheme,
// returned by dup() calls that redirect rather than allocate locally.
type ExternalRef struct {
	SchemeID ID
	Number   int
}

func LocalResult(n int) OpenResult { return OpenResult{Local: n} }

// KernelScheme is the uniform interface every scheme implements;
// default methods fail with the errno the original kernel's blanket
// trait-default impls use, so a scheme need only override what it
// actually supports (spec.md §4.4 "uniform dispatch interface").
type KernelScheme interface {
	Open(path string, flags int, caller CallerCtx) (OpenResult, error)
	Close(id int) error

	Read(id int, buf []byte) (int, error)
	Write(id int, buf []byte) (int, error)

	FPath(id int, buf []byte) (int, error)
	FStat(id int) (Stat, error)
	FStatVFS(id int) (StatVFS, error)
	FSync(id int) error
	FTruncate(id int, length int) error
	Seek(id int, pos int64, whence int) (int64, error)
	FChmod(id int, mode uint16) error
	FChown(id int, uid, gid uint32) error
	FEvent(id int, flags uint32) (uint32, error)
	FRename(id int, newPath string, caller CallerCtx) error
	FCntl(id int, cmd int, arg int) (int, error)

	Rmdir(path string, caller CallerCtx) error
	Unlink(path string, caller CallerCtx) error

	Dup(oldID int, buf []byte, caller CallerCtx) (OpenResult, error)

	// Capability probes: most schemes return EBADF; proc:'s
	// addrspace/filetable/sigactions handles answer these to let one
	// open handle's underlying object be addressed by another scheme
	// (spec.md §4.5 kfmap/as_addrspace and friends).
	AsFiletable(id int) (FiletableRef, error)
	AsAddrSpace(id int) (AddrSpaceRef, error)
	AsSigactions(id int) (SigactionsRef, error)
}

// Stat/StatVFS are placeholders carrying only the fields C5/C6 actually
// populate; a full VFS stat struct is out of scope (spec.md Non-goals).
type Stat struct {
	Mode uint32
	Size uint64
}
type StatVFS struct {
	BlockSize uint32
	Blocks    uint64
	BFree     uint64
}

// FiletableRef/AddrSpaceRef/SigactionsRef are opaque handles returned by
// the As* capability probes; callers type-assert to the concrete type
// they expect (kmm.FileTable, kmm.AddrSpace, kmm.SigActionsTable).
type FiletableRef struct{ Value interface{} }
type AddrSpaceRef struct{ Value interface{} }
type SigactionsRef struct{ Value interface{} }

// BaseScheme provides errno-returning defaults for every KernelScheme
// method, so concrete schemes can embed it and override only what they
// support — the same "blanket default, override as needed" shape the
// original's trait default methods give every scheme.
type BaseScheme struct{}

func (BaseScheme) Open(string, int, CallerCtx) (OpenResult, error) { return OpenResult{}, errno.New(errno.ENOENT) }
func (BaseScheme) Close(int) error                                 { return errno.New(errno.EBADF) }
func (BaseScheme) Read(int, []byte) (int, error)                   { return 0, errno.New(errno.EBADF) }
func (BaseScheme) Write(int, []byte) (int, error)                  { return 0, errno.New(errno.EBADF) }
func (BaseScheme) FPath(int, []byte) (int, error)                  { return 0, errno.New(errno.EBADF) }
func (BaseScheme) FStat(int) (Stat, error)                         { return Stat{}, errno.New(errno.EBADF) }
func (BaseScheme) FStatVFS(int) (StatVFS, error)                   { return StatVFS{}, errno.New(errno.EBADF) }
func (BaseScheme) FSync(int) error                                 { return errno.New(errno.EBADF) }
func (BaseScheme) FTruncate(int, int) error                        { return errno.New(errno.EBADF) }
func (BaseScheme) Seek(int, int64, int) (int64, error)             { return 0, errno.New(errno.ESPIPE) }
func (BaseScheme) FChmod(int, uint16) error                        { return errno.New(errno.EBADF) }
func (BaseScheme) FChown(int, uint32, uint32) error                { return errno.New(errno.EBADF) }
func (BaseScheme) FEvent(int, uint32) (uint32, error)              { return 0, errno.New(errno.EBADF) }
func (BaseScheme) FRename(int, string, CallerCtx) error            { return errno.New(errno.EBADF) }
func (BaseScheme) FCntl(int, int, int) (int, error)                { return 0, errno.New(errno.EBADF) }
func (BaseScheme) Rmdir(string, CallerCtx) error                   { return errno.New(errno.ENOENT) }
func (BaseScheme) Unlink(string, CallerCtx) error                  { return errno.New(errno.ENOENT) }
func (BaseScheme) Dup(int, []byte, CallerCtx) (OpenResult, error)  { return OpenResult{}, errno.New(errno.EOPNOTSUPP) }
func (BaseScheme) AsFiletable(int) (FiletableRef, error)           { return FiletableRef{}, errno.New(errno.EBADF) }
func (BaseScheme) AsAddrSpace(int) (AddrSpaceRef, error)           { return AddrSpaceRef{}, errno.New(errno.EBADF) }
func (BaseScheme) AsSigactions(int) (SigactionsRef, error)         { return SigactionsRef{}, errno.New(errno.EBADF) }

// List is C4: the registry mapping scheme names (within a namespace) to
// IDs, and IDs to the scheme implementations themselves (spec.md §4.4).
type List struct {
	mu sync.RWMutex

	maxSchemes int
	schemes    map[ID]KernelScheme
	names      map[Namespace]map[string]ID

	nextNS int
	nextID int

	// makeNSGroup collapses concurrent MakeNS calls requesting the same
	// (from, names) view into one allocation, so two contexts cloning at
	// the same instant with an identical scheme list don't each pay for
	// (and leak an id of) their own namespace.
	makeNSGroup singleflight.Group
}

// NewList returns an empty registry; maxSchemes <= 0 uses
// DefaultMaxSchemes.
func NewList(maxSchemes int) *List {
	if maxSchemes <= 0 {
		maxSchemes = DefaultMaxSchemes
	}
	return &List{
		maxSchemes: maxSchemes,
		schemes:    make(map[ID]KernelScheme),
		names:      make(map[Namespace]map[string]ID),
		nextNS:     int(Root) + 1,
		nextID:     1,
	}
}

// Get returns the scheme registered under id.
func (l *List) Get(id ID) (KernelScheme, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.schemes[id]
	return s, ok
}

// GetName resolves name within ns to (id, scheme).
func (l *List) GetName(ns Namespace, name string) (ID, KernelScheme, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names, ok := l.names[ns]
	if !ok {
		return 0, nil, false
	}
	id, ok := names[name]
	if !ok {
		return 0, nil, false
	}
	return id, l.schemes[id], true
}

// Insert registers a new scheme under name within ns, allocating a
// fresh ID via schemeFn, which receives the ID it will be stored under
// (some schemes embed their own ID, e.g. for fpath rendering).
func (l *List) Insert(ns Namespace, name string, schemeFn func(ID) KernelScheme) (ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(ns, name, schemeFn)
}

func (l *List) insertLocked(ns Namespace, name string, schemeFn func(ID) KernelScheme) (ID, error) {
	names, ok := l.names[ns]
	if !ok {
		return 0, errno.New(errno.ENODEV)
	}
	if _, exists := names[name]; exists {
		return 0, errno.New(errno.EEXIST)
	}

	if l.nextID >= l.maxSchemes {
		l.nextID = 1
	}
	for {
		if _, taken := l.schemes[ID(l.nextID)]; !taken {
			break
		}
		l.nextID++
		if l.nextID >= l.maxSchemes {
			l.nextID = 1
		}
	}

	id := ID(l.nextID)
	l.nextID++

	l.schemes[id] = schemeFn(id)
	names[name] = id
	return id, nil
}

// EnsureNamespace creates ns's name table if absent (used when building
// the null/root namespaces at boot, and by MakeNS).
func (l *List) EnsureNamespace(ns Namespace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.names[ns]; !ok {
		l.names[ns] = make(map[string]ID)
	}
}

// MakeNS copies the named schemes from an existing namespace into a
// freshly allocated one, for use by a process wanting a narrower view
// (spec.md §4.4 make_ns).
func (l *List) MakeNS(from Namespace, names []string) (Namespace, error) {
	key := strconv.Itoa(int(from)) + ":" + strings.Join(names, ",")
	v, err, _ := l.makeNSGroup.Do(key, func() (interface{}, error) {
		return l.makeNSLocked(from, names)
	})
	if err != nil {
		return 0, err
	}
	return v.(Namespace), nil
}

func (l *List) makeNSLocked(from Namespace, names []string) (Namespace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromNames, ok := l.names[from]
	if !ok {
		return 0, errno.New(errno.ENODEV)
	}

	to := Namespace(l.nextNS)
	resolved := make(map[string]ID, len(names))
	for _, name := range names {
		id, ok := fromNames[name]
		if !ok {
			return 0, errno.New(errno.ENODEV)
		}
		if _, dup := resolved[name]; dup {
			return 0, errno.New(errno.EEXIST)
		}
		resolved[name] = id
	}

	l.nextNS++
	l.names[to] = resolved
	return to, nil
}

// Remove unregisters id from the scheme map and every namespace's name
// table.
func (l *List) Remove(id ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.schemes, id)
	for _, names := range l.names {
		for name, nameID := range names {
			if nameID == id {
				delete(names, name)
			}
		}
	}
}

// IterName returns the (name, id) pairs registered in ns, sorted by
// name for deterministic iteration (spec.md's BTreeMap-backed original
// iterates in name order).
func (l *List) IterName(ns Namespace) []NamedID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := l.names[ns]
	out := make([]NamedID, 0, len(names))
	for name, id := range names {
		out = append(out, NamedID{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NamedID is one entry of IterName's result.
type NamedID struct {
	Name string
	ID   ID
}

// CalcSeekOffset implements the SEEK_SET/CUR/END arithmetic every
// scheme's Seek delegates to (spec.md §4.4).
func CalcSeekOffset(cur int64, rel int64, whence int, length int64) (int64, error) {
	const (
		SeekSet = 0
		SeekCur = 1
		SeekEnd = 2
	)
	switch whence {
	case SeekSet:
		if rel < 0 {
			return 0, errno.New(errno.EINVAL)
		}
		return rel, nil
	case SeekCur:
		sum := cur + rel
		if (rel > 0 && sum < cur) || (rel < 0 && sum > cur) {
			return 0, errno.New(errno.EOVERFLOW)
		}
		return sum, nil
	case SeekEnd:
		sum := length + rel
		if (rel > 0 && sum < length) || (rel < 0 && sum > length) {
			return 0, errno.New(errno.EOVERFLOW)
		}
		return sum, nil
	default:
		return 0, errno.New(errno.EINVAL)
	}
}
