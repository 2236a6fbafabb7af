// Package kernel assembles C1 through C6 into a running instance: the
// context table, one scheduler per logical CPU, the scheme registry,
// and the null/root namespace population every booting kernel needs
// before it can exec an init process (spec.md §4.4, grounded on
// SchemeList::new/new_null/new_root in original_source/src/scheme/mod.rs).
package kernel

import (
	"golang.org/x/sys/unix"

	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kclock"
	"github.com/oplik0/redox-kernel/pkg/kconfig"
	"github.com/oplik0/redox-kernel/pkg/kcontext"
	"github.com/oplik0/redox-kernel/pkg/scheduler"
	"github.com/oplik0/redox-kernel/pkg/scheme"
	"github.com/oplik0/redox-kernel/pkg/scheme/debugscheme"
	"github.com/oplik0/redox-kernel/pkg/scheme/procscheme"
)

// hostCPUCount probes the calling thread's allowed CPU set via
// sched_getaffinity, the same primitive the original's ::arch::cpu_count
// relies on to size its per-CPU array at boot (spec.md §2, "C2: one
// per-CPU block exists per logical CPU the kernel has brought up"). A
// probe failure (sandboxed runners, non-Linux hosts) falls back to a
// single CPU rather than failing Boot.
func hostCPUCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 1
	}
	n := set.Count()
	if n < 1 {
		return 1
	}
	return n
}

// Kernel bundles the pieces a boot sequence wires together.
type Kernel struct {
	Table     *kcontext.Table
	Schemes   *scheme.List
	Scheduler *scheduler.Scheduler

	// Token identifies "the calling context" for the single simulated
	// thread of control this instance drives (see kcontext.CallerToken).
	Token kcontext.CallerToken
}

// fileTableResolver implements procscheme.FileResolver against a
// context's real kmm.FileTable, turning a raw fd number from the
// caller's own file table into the (scheme, number) pair it names —
// the Go equivalent of extract_scheme_number in
// original_source/src/scheme/mod.rs.
type fileTableResolver struct {
	table *kcontext.Table
}

func (r *fileTableResolver) Resolve(callerPID kcontext.ID, fd int) (scheme.ID, int, error) {
	ctx, ok := r.table.Get(callerPID)
	if !ok {
		return 0, 0, errno.New(errno.ESRCH)
	}
	ctx.RLock()
	files := ctx.Files
	ctx.RUnlock()

	desc, err := files.Get(fd)
	if err != nil {
		return 0, 0, err
	}
	return scheme.ID(desc.SchemeID), desc.Number, nil
}

// schemeRegistry adapts *scheme.List to procscheme.Registry.
type schemeRegistry struct{ list *scheme.List }

func (r *schemeRegistry) Get(id scheme.ID) (scheme.KernelScheme, bool) { return r.list.Get(id) }

// Boot constructs a fresh kernel instance: an idle context registered as
// CPU 0's idle and current context, the null and root scheme namespaces populated per spec.md
// §4.4/§4.6, and the scheduler primed to run. token identifies the
// caller driving this instance (tests typically allocate one token per
// simulated thread).
func Boot(token kcontext.CallerToken) *Kernel {
	table := kcontext.NewTable()

	idle := table.Spawn()
	idle.Lock()
	idle.Name = "idle"
	idle.Running = true
	idle.Unlock()

	cfg := kconfig.Current()
	sched := scheduler.New(table, kclock.Real, cfg.TicksPerSwitch)
	sched.AddCPU(0, idle.ID)
	sched.SetCurrent(0, idle.ID)

	// Bring up one PerCPU block per host-reported logical CPU beyond 0,
	// each with its own idle context, so Switch's victim selection has a
	// real multi-CPU affinity mask to respect instead of a single-CPU
	// stub (spec.md §4.3 affinity check).
	for cpu := 1; cpu < hostCPUCount(); cpu++ {
		cpuIdle := table.Spawn()
		cpuIdle.Lock()
		cpuIdle.Name = "idle"
		cpuIdle.Running = true
		cpuIdle.Unlock()
		sched.AddCPU(cpu, cpuIdle.ID)
		sched.SetCurrent(cpu, cpuIdle.ID)
	}

	schemes := scheme.NewList(cfg.MaxSchemes)
	schemes.EnsureNamespace(scheme.Null)
	schemes.EnsureNamespace(scheme.Root)

	resolver := &fileTableResolver{table: table}
	registry := &schemeRegistry{list: schemes}
	cpuCount := hostCPUCount()

	// Null namespace: only the restricted thisproc: view, matching
	// new_null's "only memory:/thisproc:/pipe: are in the null
	// namespace" comment (memory:/pipe: are out of this module's scope,
	// see SPEC_FULL.md Non-goals).
	mustInsert(schemes, scheme.Null, "thisproc", func(scheme.ID) scheme.KernelScheme {
		return procscheme.New(table, resolver, registry, true, token, cpuCount)
	})

	// Root namespace: the full proc:/thisproc:/debug: surface.
	mustInsert(schemes, scheme.Root, "debug", func(scheme.ID) scheme.KernelScheme {
		return debugscheme.New()
	})
	mustInsert(schemes, scheme.Root, "proc", func(scheme.ID) scheme.KernelScheme {
		return procscheme.New(table, resolver, registry, false, token, cpuCount)
	})
	mustInsert(schemes, scheme.Root, "thisproc", func(scheme.ID) scheme.KernelScheme {
		return procscheme.New(table, resolver, registry, true, token, cpuCount)
	})

	kcontext.SetCurrent(token, idle.ID)

	return &Kernel{Table: table, Schemes: schemes, Scheduler: sched, Token: token}
}

func mustInsert(list *scheme.List, ns scheme.Namespace, name string, fn func(scheme.ID) scheme.KernelScheme) {
	if _, err := list.Insert(ns, name, fn); err != nil {
		panic("kernel: boot-time scheme registration failed for " + name + ": " + err.Error())
	}
}
