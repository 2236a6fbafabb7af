package kmm

import (
	"sync"

	"github.com/mohae/deepcopy"
)

// SigAction mirrors the {handler, flags} POSIX sigaction entry; the
// kernel core does not interpret it beyond copying it around.
type SigAction struct {
	Handler uint64
	Mask    uint64
	Flags   uint64
}

// SigActionsTable is the shared, reference-counted signal-actions table
// a context owns a handle to (spec.md §3).
type SigActionsTable struct {
	mu      sync.RWMutex
	entries [64]SigAction
}

// NewSigActionsTable returns a table with every signal at its default
// disposition.
func NewSigActionsTable() *SigActionsTable { return &SigActionsTable{} }

// Clone deep-copies the table, backing the Sigactions("copy") dup
// variant (spec.md §4.5).
func (s *SigActionsTable) Clone() *SigActionsTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cloned := deepcopy.Copy(s.entries).([64]SigAction)
	return &SigActionsTable{entries: cloned}
}

// Get returns the action for signal number sig (1-64).
func (s *SigActionsTable) Get(sig int) SigAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig < 1 || sig > len(s.entries) {
		return SigAction{}
	}
	return s.entries[sig-1]
}

// Set installs the action for signal number sig (1-64).
func (s *SigActionsTable) Set(sig int, act SigAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig < 1 || sig > len(s.entries) {
		return
	}
	s.entries[sig-1] = act
}
