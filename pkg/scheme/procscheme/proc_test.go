package procscheme

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/kcontext"
	"github.com/oplik0/redox-kernel/pkg/kmm"
	"github.com/oplik0/redox-kernel/pkg/scheme"
)

type fakeResolver struct{}

func (fakeResolver) Resolve(kcontext.ID, int) (scheme.ID, int, error) {
	return 0, 0, errno.New(errno.EBADF)
}

type fakeRegistry struct{}

func (fakeRegistry) Get(scheme.ID) (scheme.KernelScheme, bool) { return nil, false }

var tokenSeq int64

func newFixture(t *testing.T) (*Scheme, *kcontext.Table, *kcontext.Context, kcontext.CallerToken) {
	t.Helper()
	table := kcontext.NewTable()
	caller := table.Spawn()

	tokenSeq++
	token := kcontext.CallerToken(tokenSeq)
	kcontext.SetCurrent(token, caller.ID)

	s := New(table, fakeResolver{}, fakeRegistry{}, false, token, 4)
	return s, table, caller, token
}

func callerCtx(c *kcontext.Context) scheme.CallerCtx {
	c.RLock()
	defer c.RUnlock()
	return scheme.CallerCtx{PID: int(c.ID), UID: c.EUID, GID: c.EGID}
}

func TestNameWriteReadRoundTrip(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/name", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	n, err := s.Write(res.Local, []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 32)
	n, err = s.Read(res.Local, buf)
	require.NoError(t, err)
	assert.Equal(t, "init", string(buf[:n]))
}

func TestUIDWriteRequiresRoot(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	caller.Lock()
	caller.EUID, caller.EGID = 1000, 1000
	caller.Unlock()

	_, err := s.Open(fmt.Sprintf("%d/uid", target.ID), 0, callerCtx(caller))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EPERM))
}

func TestUIDWriteReadRoundTripAsRoot(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/uid", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	n, err := s.Write(res.Local, []byte("1001"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	target.RLock()
	got := target.EUID
	target.RUnlock()
	assert.Equal(t, uint32(1001), got)

	buf := make([]byte, 16)
	n, err = s.Read(res.Local, buf)
	require.NoError(t, err)
	assert.Equal(t, "1001", string(buf[:n]))
}

func TestSchedAffinityRoundTrip(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/sched-affinity", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := s.Read(res.Local, buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, ^uint64(0), le64(buf))

	setBuf := make([]byte, 8)
	putLE64(setBuf, 3)
	_, err = s.Write(res.Local, setBuf)
	require.NoError(t, err)

	target.RLock()
	aff := target.Affinity
	target.RUnlock()
	assert.True(t, aff.Contains(3))
	assert.False(t, aff.Contains(0))

	// newFixture's Scheme has CPUCount 4: writing a value at or beyond the
	// CPU count must reduce modulo CPUCount, not modulo a hard-coded word
	// width, mirroring `LogicalCpuId::new(val % crate::cpu_count())`.
	putLE64(setBuf, 5)
	_, err = s.Write(res.Local, setBuf)
	require.NoError(t, err)

	target.RLock()
	aff = target.Affinity
	target.RUnlock()
	assert.True(t, aff.Contains(1))
	assert.False(t, aff.Contains(5))
}

func TestMmapMinAddrRejectsUnaligned(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/mmap-min-addr", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	buf := make([]byte, 8)
	putLE64(buf, 1)
	_, err = s.Write(res.Local, buf)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EINVAL))
}

func TestMmapMinAddrRejectsAboveUserEndOffset(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/mmap-min-addr", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	buf := make([]byte, 8)
	putLE64(buf, userEndOffset+kmm.PageSize)
	_, err = s.Write(res.Local, buf)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EINVAL))
}

func TestMmapMinAddrWriteReadRoundTrip(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	res, err := s.Open(fmt.Sprintf("%d/mmap-min-addr", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	buf := make([]byte, 8)
	putLE64(buf, 0x10000)
	_, err = s.Write(res.Local, buf)
	require.NoError(t, err)

	out := make([]byte, 8)
	n, err := s.Read(res.Local, out)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, uint64(0x10000), le64(out))
}

func TestRegsIntOpenDeniedForNonOwnerNonAncestor(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()

	caller.Lock()
	caller.EUID, caller.EGID = 1000, 1000
	caller.Unlock()
	target.Lock()
	target.EUID, target.EGID = 2000, 2000
	target.Unlock()

	_, err := s.Open(fmt.Sprintf("%d/regs/int", target.ID), 0, callerCtx(caller))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EPERM))
}

func TestOpenUnknownPidFails(t *testing.T) {
	s, _, caller, _ := newFixture(t)
	_, err := s.Open("99999/name", 0, callerCtx(caller))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.ESRCH))
}

func TestOpenNewInheritsCredentialsAndStopsChild(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	caller.Lock()
	caller.EUID, caller.EGID = 42, 43
	caller.RUID, caller.RGID = 42, 43
	caller.Unlock()

	res, err := s.Open("new/name", 0, callerCtx(caller))
	require.NoError(t, err)
	assert.Nil(t, res.External)

	h, err := s.getHandle(res.Local)
	require.NoError(t, err)
	child, ok := table.Get(h.pid)
	require.True(t, ok)
	child.RLock()
	defer child.RUnlock()
	assert.Equal(t, uint32(42), child.EUID)
	assert.Equal(t, uint32(43), child.EGID)
	assert.Equal(t, kcontext.Stopped, child.Status)
}

func TestRestrictedSchemeRejectsNumericPID(t *testing.T) {
	table := kcontext.NewTable()
	caller := table.Spawn()
	target := table.Spawn()

	tokenSeq++
	token := kcontext.CallerToken(tokenSeq)
	kcontext.SetCurrent(token, caller.ID)
	s := New(table, fakeResolver{}, fakeRegistry{}, true, token, 4)

	_, err := s.Open(fmt.Sprintf("%d/name", target.ID), 0, callerCtx(caller))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EACCES))
}

func TestDupFiletableCopyIsIndependent(t *testing.T) {
	s, table, caller, _ := newFixture(t)
	target := table.Spawn()
	target.Files.Insert(&kmm.FileDescriptor{SchemeID: 1, Number: 1})

	res, err := s.Open(fmt.Sprintf("%d/filetable", target.ID), 0, callerCtx(caller))
	require.NoError(t, err)

	dup, err := s.Dup(res.Local, []byte("copy"), callerCtx(caller))
	require.NoError(t, err)
	assert.NotEqual(t, res.Local, dup.Local)

	dh, err := s.getHandle(dup.Local)
	require.NoError(t, err)
	require.NoError(t, dh.filetable.Remove(0))
	_, err = target.Files.Get(0)
	assert.NoError(t, err, "original table must be unaffected by clearing the copy")
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
