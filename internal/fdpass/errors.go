package fdpass

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrConnectionRefused means nothing is listening at the endpoint. Callers
	// drop the frame rather than retry.
	ErrConnectionRefused = errors.New("descriptor endpoint not listening")
	// ErrInvalidDescriptor means the descriptor was closed or never valid.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	// ErrProtocol means the receiver answered with something other than an ack.
	ErrProtocol = errors.New("descriptor protocol error")
	// ErrTransfer wraps I/O failures once a connection exists.
	ErrTransfer = errors.New("descriptor transfer failed")
)

func classifyDialError(endpoint string, err error) error {
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOTSOCK) {
		return fmt.Errorf("dial %s: %w: %w", endpoint, ErrConnectionRefused, err)
	}
	return fmt.Errorf("dial %s: %w: %w", endpoint, ErrTransfer, err)
}
