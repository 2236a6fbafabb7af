package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplik0/redox-kernel/pkg/kcontext"
	"github.com/oplik0/redox-kernel/pkg/kmm"
	"github.com/oplik0/redox-kernel/pkg/scheme"
)

func TestBootPopulatesNullAndRootNamespaces(t *testing.T) {
	k := Boot(1)

	_, _, ok := k.Schemes.GetName(scheme.Null, "thisproc")
	assert.True(t, ok, "null namespace must carry the restricted process view")
	_, _, ok = k.Schemes.GetName(scheme.Null, "debug")
	assert.False(t, ok, "null namespace must not carry debug:")
	_, _, ok = k.Schemes.GetName(scheme.Null, "proc")
	assert.False(t, ok, "null namespace must not carry the unrestricted proc:")

	for _, name := range []string{"debug", "proc", "thisproc"} {
		_, _, ok := k.Schemes.GetName(scheme.Root, name)
		assert.True(t, ok, "root namespace must carry %q", name)
	}
}

func TestBootIdleContextIsCurrentAndRunning(t *testing.T) {
	k := Boot(2)

	idleID := k.Scheduler.CurrentID(0)
	idle, ok := k.Table.Get(idleID)
	require.True(t, ok)

	idle.RLock()
	defer idle.RUnlock()
	assert.Equal(t, "idle", idle.Name)
	assert.True(t, idle.Running)
	assert.Equal(t, idleID, kcontext.CurrentID(k.Token))
}

func TestFileTableResolverResolvesRegisteredDescriptor(t *testing.T) {
	k := Boot(3)
	caller := k.Table.Spawn()

	fd := caller.Files.Insert(&kmm.FileDescriptor{SchemeID: 7, Number: 9})

	resolver := &fileTableResolver{table: k.Table}
	schemeID, number, err := resolver.Resolve(caller.ID, fd)
	require.NoError(t, err)
	assert.Equal(t, scheme.ID(7), schemeID)
	assert.Equal(t, 9, number)
}

func TestFileTableResolverUnknownContextFails(t *testing.T) {
	k := Boot(4)
	resolver := &fileTableResolver{table: k.Table}

	_, _, err := resolver.Resolve(kcontext.ID(99999), 0)
	require.Error(t, err)
}

func TestBootBringsUpAllHostReportedCPUs(t *testing.T) {
	k := Boot(6)

	n := hostCPUCount()
	require.GreaterOrEqual(t, n, 1)

	for cpu := 0; cpu < n; cpu++ {
		id := k.Scheduler.CurrentID(cpu)
		ctx, ok := k.Table.Get(id)
		require.True(t, ok, "cpu %d must have a registered idle context", cpu)

		ctx.RLock()
		name := ctx.Name
		running := ctx.Running
		ctx.RUnlock()
		assert.Equal(t, "idle", name)
		assert.True(t, running)
	}
}

func TestSchemeRegistryWrapsList(t *testing.T) {
	k := Boot(5)
	registry := &schemeRegistry{list: k.Schemes}

	id, _, ok := k.Schemes.GetName(scheme.Root, "debug")
	require.True(t, ok)

	got, ok := registry.Get(id)
	require.True(t, ok)
	assert.NotNil(t, got)
}
