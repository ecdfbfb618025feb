package frame

import (
	"errors"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
)

// Plane is one memory region of a possibly multi-planar image.
type Plane struct {
	Descriptor Descriptor
	Stride     uint32
	Offset     uint32
	Modifier   uint64
	Format     gputypes.TextureFormat
	ColorSpace string
}

// Frame is one rendered image handed to the pipeline. The coordinator owns it
// from Handle until Release.
type Frame struct {
	Seq        uint64
	Width      int
	Height     int
	Planes     []Plane
	CapturedAt time.Time

	handle  *Handle
	release sync.Once
}

// New builds a frame guarded by handle. A nil handle is replaced with a no-op one.
func New(seq uint64, width, height int, planes []Plane, handle *Handle) *Frame {
	if handle == nil {
		handle = NewHandle(nil)
	}
	return &Frame{
		Seq:        seq,
		Width:      width,
		Height:     height,
		Planes:     planes,
		CapturedAt: time.Now(),
		handle:     handle,
	}
}

// Release closes descriptors the pipeline duplicated, scrubs every plane's
// descriptor to NoDescriptor and runs the producer's release operation.
// Only the first call does anything.
func (f *Frame) Release() (bool, error) {
	if f == nil {
		return false, nil
	}
	var (
		released bool
		errs     []error
	)
	f.release.Do(func() {
		for i := range f.Planes {
			if err := f.Planes[i].Descriptor.close(); err != nil {
				errs = append(errs, err)
			}
			f.Planes[i].Descriptor = Descriptor{FD: NoDescriptor}
		}
		if f.handle == nil {
			f.handle = NewHandle(nil)
		}
		released = f.handle.Release()
	})
	return released, errors.Join(errs...)
}

// Released reports whether the frame's handle has been released.
func (f *Frame) Released() bool {
	return f != nil && f.handle != nil && f.handle.Released()
}
