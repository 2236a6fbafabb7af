// Package errno defines the fixed set of POSIX-numbered error kinds that
// every kernel-facing operation in this module returns instead of ad-hoc
// Go errors. The numeric values are fixed by POSIX and must not be
// renumbered.
package errno

import "fmt"

// Kind is one of the fixed syscall-surface error kinds.
type Kind int

const (
	EPERM          Kind = 1
	ENOENT         Kind = 2
	ESRCH          Kind = 3
	EBADF          Kind = 9
	EAGAIN         Kind = 11
	ENOMEM         Kind = 12
	EACCES         Kind = 13
	EBUSY          Kind = 16
	EEXIST         Kind = 17
	ENODEV         Kind = 19
	EINVAL         Kind = 22
	ESPIPE         Kind = 29
	EOPNOTSUPP     Kind = 95
	EOVERFLOW      Kind = 75
	EBADFD         Kind = 77
	ENOTRECOVERABLE Kind = 131
)

var names = map[Kind]string{
	EPERM:           "EPERM",
	ENOENT:          "ENOENT",
	ESRCH:           "ESRCH",
	EBADF:           "EBADF",
	EAGAIN:          "EAGAIN",
	ENOMEM:          "ENOMEM",
	EACCES:          "EACCES",
	EBUSY:           "EBUSY",
	EEXIST:          "EEXIST",
	ENODEV:          "ENODEV",
	EINVAL:          "EINVAL",
	ESPIPE:          "ESPIPE",
	EOPNOTSUPP:      "EOPNOTSUPP",
	EOVERFLOW:       "EOVERFLOW",
	EBADFD:          "EBADFD",
	ENOTRECOVERABLE: "ENOTRECOVERABLE",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error wraps a Kind so it satisfies the error interface while still
// being comparable with errors.Is against the New() sentinels.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return e.Kind.String()
}

// Is lets errors.Is match any *Error carrying the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New constructs an *Error for the given kind. Mirrors the original
// Result<T, syscall::error::Error> constructor `Error::new(KIND)`.
func New(k Kind) error {
	return &Error{Kind: k}
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
