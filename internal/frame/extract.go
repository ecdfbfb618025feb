package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrReleased is returned when a frame is read after its handle was released.
	ErrReleased = errors.New("frame already released")
	// ErrMalformed marks frames whose dimensions or plane layout cannot be described.
	ErrMalformed = errors.New("malformed frame")
)

// Extraction is everything the coordinator needs from a frame. Descriptor is
// plane 0's descriptor and is only meaningful when HasDescriptor is true.
type Extraction struct {
	Seq           uint64
	Descriptor    Descriptor
	HasDescriptor bool
	Metadata      Metadata
}

// Extract reads f once. A nil frame, a frame with no planes, or a plane 0
// without a descriptor yields HasDescriptor == false and no error.
func Extract(f *Frame) (Extraction, error) {
	if f == nil {
		return Extraction{Descriptor: Descriptor{FD: NoDescriptor}}, nil
	}
	if f.Released() {
		return Extraction{}, fmt.Errorf("extract frame %d: %w", f.Seq, ErrReleased)
	}
	if len(f.Planes) == 0 || !f.Planes[0].Descriptor.Valid() {
		return Extraction{Seq: f.Seq, Descriptor: Descriptor{FD: NoDescriptor}}, nil
	}
	if f.Width <= 0 || f.Height <= 0 {
		return Extraction{}, fmt.Errorf("extract frame %d: %w: dimensions %dx%d", f.Seq, ErrMalformed, f.Width, f.Height)
	}
	for i, plane := range f.Planes {
		// Chroma planes may be subsampled, so only plane 0 is held to the full width.
		if i == 0 {
			if want := MinStride(plane.Format, f.Width); plane.Stride < want {
				return Extraction{}, fmt.Errorf("extract frame %d: %w: plane 0 stride %d below %d for %s",
					f.Seq, ErrMalformed, plane.Stride, want, FormatName(plane.Format))
			}
		}
		if plane.Stride == 0 {
			return Extraction{}, fmt.Errorf("extract frame %d: %w: plane %d has zero stride", f.Seq, ErrMalformed, i)
		}
	}
	return Extraction{
		Seq:           f.Seq,
		Descriptor:    f.Planes[0].Descriptor,
		HasDescriptor: true,
		Metadata:      BuildMetadata(f),
	}, nil
}
