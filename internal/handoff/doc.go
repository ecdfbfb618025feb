// Package handoff coordinates one frame at a time across the descriptor and
// metadata channels.
//
// A frame moves Received → DescriptorSent → MetadataSent → Released, and
// Released is reached from every state. The active Policy decides how the two
// channels are ordered; the policy table decides what a failure costs. Frames
// are never retried: a failed frame is dropped and the producer's next frame
// supersedes it.
package handoff
