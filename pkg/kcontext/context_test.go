package kcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableSpawnAssignsMonotonicIDs(t *testing.T) {
	table := NewTable()
	a := table.Spawn()
	b := table.Spawn()
	assert.Less(t, a.ID, b.ID)
	assert.True(t, a.HasTrapFrame)
	assert.Equal(t, Runnable, a.Status)
}

func TestTableGetRemove(t *testing.T) {
	table := NewTable()
	ctx := table.Spawn()

	got, ok := table.Get(ctx.ID)
	require.True(t, ok)
	assert.Same(t, ctx, got)

	table.Remove(ctx.ID)
	_, ok = table.Get(ctx.ID)
	assert.False(t, ok)
}

func TestTableRangeFromAscendingOrder(t *testing.T) {
	table := NewTable()
	var ids []ID
	for i := 0; i < 5; i++ {
		ids = append(ids, table.Spawn().ID)
	}

	var seen []ID
	table.RangeFrom(ids[2], func(c *Context) bool {
		seen = append(seen, c.ID)
		return true
	})
	assert.Equal(t, ids[2:], seen)
}

func TestTableAncestors(t *testing.T) {
	table := NewTable()
	grandparent := table.Spawn()
	parent := table.Spawn()
	child := table.Spawn()

	parent.Lock()
	parent.PPID = grandparent.ID
	parent.Unlock()
	child.Lock()
	child.PPID = parent.ID
	child.Unlock()
	grandparent.Lock()
	grandparent.PPID = grandparent.ID
	grandparent.Unlock()

	chain := table.Ancestors(child.ID)
	require.Len(t, chain, 3)
	assert.Equal(t, child.ID, chain[0].ID)
	assert.Equal(t, parent.ID, chain[1].ID)
	assert.Equal(t, grandparent.ID, chain[2].ID)
}

func TestAffinitySet(t *testing.T) {
	all := AffinityAll()
	assert.False(t, all.Empty())
	assert.True(t, all.Contains(0))
	assert.True(t, all.Contains(63))

	single := AffinitySingle(3)
	assert.True(t, single.Contains(3))
	assert.False(t, single.Contains(0))
	assert.Equal(t, 3, single.FirstSet())
}

func TestCallerTokenBindsCurrentID(t *testing.T) {
	var token CallerToken = 42
	assert.Equal(t, ID(0), CurrentID(token))

	SetCurrent(token, 7)
	assert.Equal(t, ID(7), CurrentID(token))
}

func TestIsExited(t *testing.T) {
	table := NewTable()
	ctx := table.Spawn()
	assert.False(t, ctx.IsExited())

	ctx.Lock()
	ctx.Status = Exited
	ctx.Unlock()
	assert.True(t, ctx.IsExited())
}
