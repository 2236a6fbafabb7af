// Package kclock is the kernel's monotonic clock collaborator
// (spec.md §6: "a monotonic clock (time::monotonic() -> u64 nanoseconds)").
// It is a seam so the scheduler and ptrace wait paths can be driven by a
// fake clock in tests without sleeping in real time.
package kclock

import "time"

// Clock returns nanoseconds on a monotonic timeline. The zero value is
// unspecified; only deltas and comparisons are meaningful.
type Clock interface {
	Now() uint64
}

type realClock struct{ start time.Time }

func (r realClock) Now() uint64 {
	return uint64(time.Since(r.start).Nanoseconds())
}

// Real is the production clock, backed by the Go runtime's monotonic
// reading (time.Since on a value obtained from time.Now ties into the
// runtime's monotonic clock reading per the time package docs).
var Real Clock = realClock{start: time.Now()}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	ns uint64
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Now() uint64 { return f.ns }

// Advance moves the fake clock forward by d nanoseconds.
func (f *Fake) Advance(d uint64) { f.ns += d }

// Set pins the fake clock to an absolute nanosecond value.
func (f *Fake) Set(ns uint64) { f.ns = ns }
