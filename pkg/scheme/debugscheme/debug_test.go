package debugscheme

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplik0/redox-kernel/pkg/errno"
	"github.com/oplik0/redox-kernel/pkg/scheme"
)

func TestOpenRequiresRootAndEmptyPath(t *testing.T) {
	s := New()

	_, err := s.Open("", 0, scheme.CallerCtx{UID: 1})
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EPERM))

	_, err = s.Open("extra", 0, scheme.CallerCtx{UID: 0})
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.ENOENT))

	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)
	assert.Nil(t, res.External)
}

func TestReadDrainsSharedInputQueue(t *testing.T) {
	s := New()
	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)

	DebugInput('h')
	DebugInput('i')

	buf := make([]byte, 4)
	n, err := s.Read(res.Local, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestReadNonblockReturnsEAGAINWhenEmpty(t *testing.T) {
	s := New()
	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)

	require.NoError(t, s.getHandleFlags(res.Local, func(h *handle) { h.flags |= oNonblock }))

	buf := make([]byte, 4)
	_, err = s.Read(res.Local, buf)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EAGAIN))
}

func TestReadBlocksUntilInputArrives(t *testing.T) {
	s := New()
	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)

	var n int
	var readErr error
	done := make(chan struct{})
	buf := make([]byte, 1)
	go func() {
		n, readErr = s.Read(res.Local, buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read returned before any byte was sent")
	case <-time.After(20 * time.Millisecond):
	}

	DebugInput('z')

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after DebugInput")
	}
	require.NoError(t, readErr)
	assert.Equal(t, "z", string(buf[:n]))
}

func TestWriteChunksThroughSerialWriter(t *testing.T) {
	s := New()
	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)

	var mu sync.Mutex
	var got bytes.Buffer
	orig := NewWriter
	NewWriter = func() (SerialWriter, error) {
		return writerFunc(func(p []byte) (int, error) {
			mu.Lock()
			got.Write(p)
			mu.Unlock()
			return len(p), nil
		}), nil
	}
	defer func() { NewWriter = orig }()

	n, err := s.Write(res.Local, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", got.String())
}

func TestCloseRejectsUnknownHandle(t *testing.T) {
	s := New()
	err := s.Close(999)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.EBADF))
}

func TestFPathReportsScheme(t *testing.T) {
	s := New()
	res, err := s.Open("", 0, scheme.CallerCtx{UID: 0})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := s.FPath(res.Local, buf)
	require.NoError(t, err)
	assert.Equal(t, "debug:", string(buf[:n]))
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (s *Scheme) getHandleFlags(id int, mutate func(*handle)) error {
	h, err := s.getHandle(id)
	if err != nil {
		return err
	}
	mutate(h)
	return nil
}
