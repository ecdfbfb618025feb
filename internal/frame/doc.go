// Package frame defines the unit of work that flows through the handoff
// pipeline: a Frame with its planes, the release-once Handle that guards the
// producer's GPU resource, descriptor ownership, and the metadata schema sent
// to consumers.
//
// Extract is the only way the pipeline reads a frame. It reports "no
// descriptor present" explicitly instead of treating a missing plane as an
// error, so empty (null texture) frames can be counted separately from
// failures.
package frame
