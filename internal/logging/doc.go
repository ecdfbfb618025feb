// Package logging assembles structured slog loggers and formatting helpers used
// across texbridge.
//
// It owns the console and JSON handlers, level and output plumbing, the
// standard field keys (component, frame_seq, channel, event_type, ...), and
// the WarnWithContext/ErrorWithContext helpers that keep warnings shaped as
// cause + impact + next step. A no-op logger is provided for tests and for
// wiring code that cannot fail.
package logging
