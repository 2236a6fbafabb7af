package ptrace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplik0/redox-kernel/pkg/kcontext"
)

func TestTryNewSessionRejectsDuplicate(t *testing.T) {
	pid := kcontext.ID(9001)
	require.True(t, TryNewSession(pid, 1))
	assert.False(t, TryNewSession(pid, 2))
	CloseSession(pid)
}

func TestSetBreakpointAndSendEventMatches(t *testing.T) {
	pid := kcontext.ID(9002)
	require.True(t, TryNewSession(pid, 1))
	defer CloseSession(pid)

	bp := StopBreakpoint
	require.NoError(t, SetBreakpoint(pid, &bp))

	ok := SendEvent(bindToken(pid), Event{Cause: StopBreakpoint})
	assert.True(t, ok)

	flags, err := FEventFlags(pid)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), flags)

	dst := make([]Event, 4)
	read, reached, err := RecvEvents(pid, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, read)
	assert.True(t, reached)
}

func TestSendEventToUntracedPIDReturnsFalse(t *testing.T) {
	ok := SendEvent(bindToken(kcontext.ID(424242)), Event{Cause: EventClone})
	assert.False(t, ok)
}

func TestWaitUnblocksOnEvent(t *testing.T) {
	pid := kcontext.ID(9003)
	require.True(t, TryNewSession(pid, 1))
	defer CloseSession(pid)

	done := make(chan error, 1)
	go func() { done <- Wait(pid) }()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Wait returned before any event was posted")
	default:
	}

	SendEvent(bindToken(pid), Event{Cause: EventClone, A: 7})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after SendEvent")
	}
}

func TestWaitReturnsESRCHAfterClose(t *testing.T) {
	pid := kcontext.ID(9004)
	require.True(t, TryNewSession(pid, 1))

	done := make(chan error, 1)
	go func() { done <- Wait(pid) }()
	time.Sleep(10 * time.Millisecond)

	CloseSession(pid)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after CloseSession")
	}
}

func TestRegsForNilWithoutTrapFrame(t *testing.T) {
	ctx := &kcontext.Context{HasTrapFrame: false}
	assert.Nil(t, RegsFor(ctx))

	ctx.HasTrapFrame = true
	assert.NotNil(t, RegsFor(ctx))
}

// bindToken allocates a fresh CallerToken bound to pid, for tests that
// need to drive SendEvent as "the currently executing context" without
// a full scheduler/kernel fixture.
var nextTestToken int64

func bindToken(pid kcontext.ID) kcontext.CallerToken {
	nextTestToken++
	token := kcontext.CallerToken(nextTestToken)
	kcontext.SetCurrent(token, pid)
	return token
}
