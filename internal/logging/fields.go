package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for filtering (e.g. frame_dropped).
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldFrameSeq identifies the frame a log line belongs to.
	FieldFrameSeq = "frame_seq"
	// FieldChannel names the transport a log line concerns (descriptor or metadata).
	FieldChannel = "channel"
	// FieldPolicy names the active ordering policy.
	FieldPolicy = "policy"
	// FieldEndpoint carries a socket path or network address.
	FieldEndpoint = "endpoint"
	// FieldErrorKind carries the handoff error classification.
	FieldErrorKind = "error_kind"
)
