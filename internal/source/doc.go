// Package source produces synthetic frames so the bridge can run end to end
// without a renderer attached.
//
// Each frame is backed by its own anonymous memory file sized for the
// configured resolution and pixel format. The frame's first eight bytes carry
// its sequence number in little-endian order, which lets `texbridge recv`
// confirm that the descriptor it received belongs to the expected frame. The
// memory file is closed by the frame's release operation, so a frame that the
// pipeline never releases leaks exactly one descriptor.
package source
