// Package arch provides the architecture-dependent register shapes that
// cross the proc: scheme boundary (spec.md §4.5: regs/int, regs/float,
// regs/env), modeled on gVisor's pkg/sentry/arch.Context64/State split:
// one Arch enum, one IntRegisters/FloatRegisters/EnvRegisters trio per
// trap frame, and no behavior hidden behind an interface where a single
// concrete shape suffices.
package arch

import "fmt"

// Arch identifies the target instruction set. The kernel core itself is
// architecture-agnostic; Arch records which EnvRegisters fields are
// meaningful. No code path in this module branches on it.
type Arch int

const (
	AMD64 Arch = iota
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// IntRegisters is the general-purpose register snapshot taken from a
// context's trap frame. The field set is intentionally generic (not
// amd64-only) since this kernel core multiplexes simulated contexts
// rather than real hardware threads; IP/SP/Return are the ones the
// scheduler and proc: actually need.
type IntRegisters struct {
	IP     uint64
	SP     uint64
	Flags  uint64
	Return uint64
	Arg0   uint64
	Arg1   uint64
	Arg2   uint64
	Arg3   uint64
	Arg4   uint64
	Arg5   uint64
}

// FloatRegisters is an opaque floating-point save area. The kernel never
// interprets its contents ("the kernel will never touch floats" per
// proc.rs), it only copies it to/from a context's kfx buffer.
type FloatRegisters struct {
	Raw [512]byte
}

// EnvRegisters carries the architecture-specific TLS base registers
// (spec.md §4.5: "fs/gs on x86-family, tpidr_el0/tpidrro_el0 on
// aarch64"). Both field pairs exist unconditionally rather than behind a
// build tag, selected at runtime by the caller's Arch, mirroring the
// original's target_arch-gated EnvRegisters union collapsed into one Go
// struct.
type EnvRegisters struct {
	// x86 / x86_64
	FSBase uint64
	GSBase uint64

	// aarch64
	TpidrEL0   uint64
	TpidrroEL0 uint64
}

// TrapFrame is the saved register state plus single-step flag used
// by the ksig_restore mechanism (spec.md §3, Invariants #4) and by
// try_stop_context's register read/write path.
type TrapFrame struct {
	Int        IntRegisters
	SingleStep bool
}

// Save copies the trap frame's general-purpose registers out, mirroring
// `stack.save(&mut regs)` in proc.rs's regs/int read path.
func (t *TrapFrame) Save(dst *IntRegisters) { *dst = t.Int }

// Load installs regs into the trap frame, mirroring `stack.load(&regs)`
// in proc.rs's regs/int write path.
func (t *TrapFrame) Load(regs *IntRegisters) { t.Int = *regs }

// SetSingleStep implements the "preserve the single-step flag across the
// restoration" / PTRACE_STOP_SINGLESTEP requirements of spec.md §4.3/§4.5.
func (t *TrapFrame) SetSingleStep(v bool) { t.SingleStep = v }
