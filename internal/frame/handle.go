package frame

import (
	"sync"
	"sync/atomic"
)

// Handle wraps the producer's release operation so it runs at most once.
type Handle struct {
	once     sync.Once
	release  func()
	released atomic.Bool
}

// NewHandle returns a handle that invokes release on the first Release call.
// A nil release is allowed for frames whose producer owns nothing.
func NewHandle(release func()) *Handle {
	return &Handle{release: release}
}

// Release runs the release operation. It reports true only for the call that
// actually released; later calls are no-ops.
func (h *Handle) Release() bool {
	if h == nil {
		return false
	}
	first := false
	h.once.Do(func() {
		first = true
		h.released.Store(true)
		if h.release != nil {
			h.release()
		}
	})
	return first
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	return h != nil && h.released.Load()
}
