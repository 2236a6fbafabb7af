package kcontext

import "sync"

// SwitchResult is the deferred-drop slot holding the write locks of both
// the outgoing and incoming context until after the low-level swap
// completes (spec.md §4.2). Release drops both guards in the order
// they were taken: prev, then next, mirroring the Rust SwitchResult
// struct whose Drop order matches field declaration order.
type SwitchResult struct {
	Prev *Context
	Next *Context
}

// Release drops both write guards. Safe to call at most once; callers
// (switch_finish_hook) must ensure that.
func (s *SwitchResult) Release() {
	if s == nil {
		return
	}
	s.Prev.Unlock()
	s.Next.Unlock()
}

// PerCPU is C2: CPU-local state (spec.md §4.2). Its fields are guarded
// by mu, which every accessor below takes.
type PerCPU struct {
	mu sync.Mutex // guards the fields below against the rare cross-CPU diagnostic read

	CurrentID ID
	IdleID    ID
	PITTicks  int

	// SwitchResult is set by the scheduler's commit phase and cleared by
	// switch_finish_hook; its presence across a switch is the invariant
	// "#3 CONTEXT_SWITCH_LOCK observed false" depends on.
	SwitchResult *SwitchResult
}

// NewPerCPU returns a fresh per-CPU block with the given idle context id.
func NewPerCPU(idleID ID) *PerCPU {
	return &PerCPU{IdleID: idleID}
}

func (p *PerCPU) current() ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentID
}

func (p *PerCPU) setCurrent(id ID) {
	p.mu.Lock()
	p.CurrentID = id
	p.mu.Unlock()
}

// TakeSwitchResult atomically removes and returns the stashed switch
// result, mirroring `switch_internals.switch_result.take()` in
// switch_finish_hook.
func (p *PerCPU) TakeSwitchResult() *SwitchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.SwitchResult
	p.SwitchResult = nil
	return r
}

func (p *PerCPU) setSwitchResult(r *SwitchResult) {
	p.mu.Lock()
	p.SwitchResult = r
	p.mu.Unlock()
}
