// Package taskqueue provides an ordered, single-flight work queue. Each Queue
// runs its tasks one at a time in submission order on its own goroutine; a
// failing or panicking task only fails its own Future.
//
// Depth is bounded. When the bound is reached the queue sheds either the
// oldest pending task or the new one, resolving the shed task's Future with
// ErrDropped and counting it.
package taskqueue
