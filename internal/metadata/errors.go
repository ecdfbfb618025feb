package metadata

import "errors"

var (
	// ErrTimeout means no reply arrived within the reply timeout.
	ErrTimeout = errors.New("metadata reply timed out")
	// ErrProtocol means the consumer answered out of turn or with an empty or oversized reply.
	ErrProtocol = errors.New("metadata protocol error")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("metadata channel closed")
	// ErrTransfer wraps connection failures during a request.
	ErrTransfer = errors.New("metadata transfer failed")
)
