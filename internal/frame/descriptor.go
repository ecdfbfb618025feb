package frame

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NoDescriptor is the value of an absent or scrubbed descriptor. It is also
// the sentinel written into redacted metadata.
const NoDescriptor = -1

// Ownership records who must close a descriptor.
type Ownership int

const (
	// Borrowed descriptors belong to the producer and are closed by its release operation.
	Borrowed Ownership = iota
	// Duplicated descriptors were dup'ed for the pipeline and are closed when the frame is released.
	Duplicated
)

func (o Ownership) String() string {
	switch o {
	case Borrowed:
		return "borrowed"
	case Duplicated:
		return "duplicated"
	default:
		return fmt.Sprintf("ownership(%d)", int(o))
	}
}

// Descriptor is an OS file descriptor referencing buffer memory.
type Descriptor struct {
	FD        int
	Ownership Ownership
}

// Borrow wraps a producer-owned descriptor.
func Borrow(fd int) Descriptor {
	return Descriptor{FD: fd, Ownership: Borrowed}
}

// Duplicate dups fd so the pipeline holds its own reference. The caller keeps
// ownership of fd.
func Duplicate(fd int) (Descriptor, error) {
	if fd < 0 {
		return Descriptor{FD: NoDescriptor}, fmt.Errorf("duplicate descriptor %d: invalid", fd)
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return Descriptor{FD: NoDescriptor}, fmt.Errorf("duplicate descriptor %d: %w", fd, err)
	}
	return Descriptor{FD: dup, Ownership: Duplicated}, nil
}

// Valid reports whether the descriptor refers to an fd number.
func (d Descriptor) Valid() bool {
	return d.FD >= 0
}

// close releases the pipeline's reference when it owns one.
func (d Descriptor) close() error {
	if d.Ownership != Duplicated || d.FD < 0 {
		return nil
	}
	return unix.Close(d.FD)
}
