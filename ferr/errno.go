// Package ferr defines the reportable error space of the file system core.
//
// Structural invariant violations are never represented here: they panic
// at the point of detection, per the fatal/reportable split in the spec.
package ferr

import "fmt"

// Errno is one of a small fixed set of POSIX-flavored error codes that a
// file-system call may return to its caller.
type Errno int

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	EIO          Errno = 5
	E2BIG        Errno = 7
	EEXIST       Errno = 17
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	ENOSPC       Errno = 28
	ENAMETOOLONG Errno = 36
	ENOTEMPTY    Errno = 39
)

var names = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "I/O error",
	E2BIG:        "file too large",
	EEXIST:       "file exists",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	ENOSPC:       "no space left on device",
	ENAMETOOLONG: "name too long",
	ENOTEMPTY:    "directory not empty",
}

// Err wraps an Errno as a standard error, optionally annotated with the
// operation and path that produced it.
type Err struct {
	Errno Errno
	Op    string
	Path  string
}

func (e *Err) Error() string {
	msg, ok := names[e.Errno]
	if !ok {
		msg = fmt.Sprintf("errno %d", int(e.Errno))
	}
	if e.Op == "" {
		return msg
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
}

// Is lets errors.Is(err, ferr.ENOENT) work by comparing Errno values; it
// also makes errors.Is(err, otherErr) work when otherErr is itself an
// *Err with the same Errno.
func (e *Err) Is(target error) bool {
	if en, ok := target.(Errno); ok {
		return e.Errno == en
	}
	other, ok := target.(*Err)
	if !ok {
		return false
	}
	return e.Errno == other.Errno
}

// New builds a reportable error for op acting on path.
func New(errno Errno, op, path string) error {
	return &Err{Errno: errno, Op: op, Path: path}
}

// Error implements the error interface on the bare Errno too, so
// errors.Is(err, ferr.ENOENT) matches regardless of which side wraps.
func (e Errno) Error() string {
	if msg, ok := names[e]; ok {
		return msg
	}
	return fmt.Sprintf("errno %d", int(e))
}
