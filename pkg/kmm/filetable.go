package kmm

import (
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/oplik0/redox-kernel/pkg/errno"
)

// FileDescriptor is an entry in a context's file table: a scheme id plus
// a scheme-local descriptor number (spec.md §3: owning handles to "a
// file-descriptor table (shared, reference-counted)").
type FileDescriptor struct {
	SchemeID int
	Number   int
	CloExec  bool
}

// FileTable is the shared, reference-counted file-descriptor table a
// context owns a handle to.
type FileTable struct {
	mu    sync.RWMutex
	files []*FileDescriptor // nil entries are closed slots
}

// NewFileTable returns a fresh, empty file table.
func NewFileTable() *FileTable { return &FileTable{} }

// Clone deep-copies the table, backing the Filetable("copy") dup variant
// (spec.md §4.5): "clone the file table behind a fresh reference".
func (t *FileTable) Clone() *FileTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := deepcopy.Copy(t.files).([]*FileDescriptor)
	return &FileTable{files: copied}
}

// Insert places fd in the first free slot (or appends) and returns its
// index.
func (t *FileTable) Insert(fd *FileDescriptor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.files {
		if existing == nil {
			t.files[i] = fd
			return i
		}
	}
	t.files = append(t.files, fd)
	return len(t.files) - 1
}

// Get returns the descriptor at index, or EBADF if empty/out of range.
func (t *FileTable) Get(index int) (*FileDescriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.files) || t.files[index] == nil {
		return nil, errno.New(errno.EBADF)
	}
	return t.files[index], nil
}

// Remove clears the slot at index.
func (t *FileTable) Remove(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.files) || t.files[index] == nil {
		return errno.New(errno.EBADF)
	}
	t.files[index] = nil
	return nil
}

// Listing renders the occupied indices one per line, the format the
// Filetable { .. } operation's Static snapshot uses in proc: (spec.md
// §4.5).
func (t *FileTable) Listing() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var buf []byte
	for i, fd := range t.files {
		if fd == nil {
			continue
		}
		buf = append(buf, []byte(itoa(i))...)
		buf = append(buf, '\n')
	}
	return buf
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
