package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/oplik0/redox-kernel/pkg/kclock"
	"github.com/oplik0/redox-kernel/pkg/kcontext"
)

// newFixture spawns an idle context (not marked Running) and a scheduler
// with it registered on CPU 0. Tests mark whichever context is "current"
// as Running themselves, mirroring the invariant that exactly one
// context per CPU carries Running == true at a time.
func newFixture(t *testing.T) (*Scheduler, *kcontext.Table, *kcontext.Context) {
	t.Helper()
	table := kcontext.NewTable()
	idle := table.Spawn()

	s := New(table, kclock.NewFake(), 3)
	s.AddCPU(0, idle.ID)
	s.SetCurrent(0, idle.ID)
	return s, table, idle
}

func markRunning(ctx *kcontext.Context) {
	ctx.Lock()
	ctx.Running = true
	ctx.Unlock()
}

func TestTickOnlySwitchesAtThreshold(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)
	b := table.Spawn()

	assert.False(t, s.Tick(0))
	assert.False(t, s.Tick(0))
	assert.True(t, s.Tick(0))
	assert.Equal(t, b.ID, s.CurrentID(0))
}

func TestSwitchSkipsIdleUnlessNothingElseRunnable(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)
	b := table.Spawn()

	switched := s.Switch(0)
	require.True(t, switched)
	assert.Equal(t, b.ID, s.CurrentID(0))
	assert.NotEqual(t, idle.ID, s.CurrentID(0))
}

func TestSwitchFallsBackToIdleWhenNothingElseRunnable(t *testing.T) {
	s, table, idle := newFixture(t)
	worker := table.Spawn()
	markRunning(worker)
	s.SetCurrent(0, worker.ID)

	switched := s.Switch(0)
	require.True(t, switched)
	assert.Equal(t, idle.ID, s.CurrentID(0))
}

func TestSwitchReturnsFalseWhenOnlyCurrentIsRunnable(t *testing.T) {
	s, _, idle := newFixture(t)
	markRunning(idle)

	assert.False(t, s.Switch(0))
	assert.Equal(t, idle.ID, s.CurrentID(0))
}

func TestSwitchSkipsStoppedAndAffinityMismatch(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)

	stopped := table.Spawn()
	stopped.Lock()
	stopped.PtraceStop = true
	stopped.Unlock()

	wrongCPU := table.Spawn()
	wrongCPU.Lock()
	wrongCPU.Affinity = kcontext.AffinitySingle(5)
	wrongCPU.Unlock()

	runnable := table.Spawn()

	require.True(t, s.Switch(0))
	assert.Equal(t, runnable.ID, s.CurrentID(0))
}

func TestLockReleasedAfterSwitch(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)
	table.Spawn()

	s.Switch(0)
	assert.False(t, s.LockHeld())
}

func TestSwitchInvokesLowLevelSwitchHook(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)
	next := table.Spawn()

	var gotPrev, gotNext kcontext.ID
	s.LowLevelSwitch = func(prev, nxt *kcontext.Context) {
		gotPrev = prev.ID
		gotNext = nxt.ID
	}

	require.True(t, s.Switch(0))
	assert.Equal(t, idle.ID, gotPrev)
	assert.Equal(t, next.ID, gotNext)
}

func TestKsigRestoreClearsOnPickup(t *testing.T) {
	s, table, idle := newFixture(t)
	markRunning(idle)

	blocked := table.Spawn()
	blocked.Lock()
	blocked.KsigRestore = true
	blocked.Ksig = &kcontext.KSig{Signal: 9}
	blocked.Status = kcontext.Stopped
	blocked.Unlock()

	require.True(t, s.Switch(0))
	assert.Equal(t, blocked.ID, s.CurrentID(0))

	blocked.RLock()
	defer blocked.RUnlock()
	assert.False(t, blocked.KsigRestore)
	assert.Nil(t, blocked.Ksig)
}

// TestMultipleCPUsSwitchConcurrentlyUnderGlobalLock drives several
// simulated logical CPUs through Switch at once via errgroup, the way a
// real SMP box would call into the scheduler from every core's tick
// interrupt simultaneously. CONTEXT_SWITCH_LOCK (spec.md §4.3, §5) is
// the only thing serializing them; if it ever let two Switch calls into
// the commit phase at once, this would corrupt a PerCPU's switch_result
// and switchFinishHook would panic on one of the goroutines; errgroup
// does not recover panics, so that would crash the test binary.
func TestMultipleCPUsSwitchConcurrentlyUnderGlobalLock(t *testing.T) {
	table := kcontext.NewTable()
	s := New(table, kclock.NewFake(), 3)

	const numCPUs = 4
	for cpu := 0; cpu < numCPUs; cpu++ {
		idle := table.Spawn()
		markRunning(idle)
		s.AddCPU(cpu, idle.ID)
		s.SetCurrent(cpu, idle.ID)
	}

	for i := 0; i < numCPUs*4; i++ {
		table.Spawn()
	}

	g, _ := errgroup.WithContext(context.Background())
	for cpu := 0; cpu < numCPUs; cpu++ {
		cpu := cpu
		g.Go(func() error {
			for i := 0; i < 8; i++ {
				s.Switch(cpu)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.False(t, s.LockHeld())
	for cpu := 0; cpu < numCPUs; cpu++ {
		_, ok := table.Get(s.CurrentID(cpu))
		assert.True(t, ok)
	}
}
