package frame

import "strconv"

// Metadata is the JSON document delivered on the metadata channel.
type Metadata struct {
	Seq    uint64          `json:"seq"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	Planes []PlaneMetadata `json:"planes"`
}

// PlaneMetadata describes one plane. FD is the descriptor placeholder; it is
// NoDescriptor whenever the metadata is redacted. Modifier is carried as a
// decimal string because DRM modifiers exceed the exact range of JSON numbers.
type PlaneMetadata struct {
	FD         int    `json:"fd"`
	Stride     uint32 `json:"stride"`
	Offset     uint32 `json:"offset"`
	Modifier   string `json:"modifier"`
	Format     string `json:"format"`
	ColorSpace string `json:"colorSpace,omitempty"`
}

// BuildMetadata describes f without modifying it.
func BuildMetadata(f *Frame) Metadata {
	if f == nil {
		return Metadata{Planes: []PlaneMetadata{}}
	}
	planes := make([]PlaneMetadata, 0, len(f.Planes))
	for _, plane := range f.Planes {
		planes = append(planes, PlaneMetadata{
			FD:         plane.Descriptor.FD,
			Stride:     plane.Stride,
			Offset:     plane.Offset,
			Modifier:   strconv.FormatUint(plane.Modifier, 10),
			Format:     FormatName(plane.Format),
			ColorSpace: plane.ColorSpace,
		})
	}
	return Metadata{Seq: f.Seq, Width: f.Width, Height: f.Height, Planes: planes}
}

// Redacted returns a copy whose plane descriptors are replaced with
// NoDescriptor. Every other field is unchanged.
func (m Metadata) Redacted() Metadata {
	out := m
	out.Planes = make([]PlaneMetadata, len(m.Planes))
	for i, plane := range m.Planes {
		plane.FD = NoDescriptor
		out.Planes[i] = plane
	}
	return out
}
