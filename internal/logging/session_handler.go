package logging

import "log/slog"

// FieldSessionID is the structured logging key for the per-run session identifier.
const FieldSessionID = "session_id"

// newSessionIDHandler pins session_id onto every record emitted through base.
func newSessionIDHandler(base slog.Handler, sessionID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return base.WithAttrs([]slog.Attr{slog.String(FieldSessionID, sessionID)})
}
