package fdpass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"texbridge/internal/logging"
)

const (
	// MaxTokenLen bounds the opaque token carried next to a descriptor.
	MaxTokenLen = 255
	// ackByte is written back by receivers that confirm delivery.
	ackByte = 0x06
)

// dummyPayload is sent when no token is given; SCM_RIGHTS needs at least one data byte.
var dummyPayload = []byte{0}

// Options configures a Sender.
type Options struct {
	// Timeout bounds connect, write and ack wait together.
	Timeout time.Duration
	// AwaitAck makes Send wait for a one byte acknowledgement from the receiver.
	AwaitAck bool
	Logger   *slog.Logger
}

// Sender transfers descriptors to local endpoints.
type Sender struct {
	timeout  time.Duration
	awaitAck bool
	logger   *slog.Logger
}

// NewSender returns a Sender. A zero timeout means one second.
func NewSender(opts Options) *Sender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Sender{
		timeout:  timeout,
		awaitAck: opts.AwaitAck,
		logger:   logging.NewComponentLogger(opts.Logger, "fdpass"),
	}
}

// Send transfers fd and an optional token to the listener at endpoint. The
// receiver gets its own duplicate; the caller still owns fd afterwards.
func (s *Sender) Send(ctx context.Context, endpoint string, fd int, token []byte) error {
	if len(token) > MaxTokenLen {
		return fmt.Errorf("%w: token is %d bytes, limit %d", ErrProtocol, len(token), MaxTokenLen)
	}
	payload := token
	if len(payload) == 0 {
		payload = dummyPayload
	}
	return s.transfer(ctx, endpoint, fd, payload)
}

// SendWithMetadata transfers fd with body as the message data, so the
// descriptor and its metadata arrive in one sendmsg.
func (s *Sender) SendWithMetadata(ctx context.Context, endpoint string, fd int, body []byte) error {
	if len(body) == 0 {
		body = dummyPayload
	}
	return s.transfer(ctx, endpoint, fd, body)
}

func (s *Sender) transfer(ctx context.Context, endpoint string, fd int, payload []byte) error {
	if err := checkDescriptor(fd); err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "unix", endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("dial %s: %w", endpoint, ctxErr)
		}
		return classifyDialError(endpoint, err)
	}
	defer conn.Close()
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("%w: unexpected connection type %T", ErrTransfer, conn)
	}

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = unixConn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = unixConn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	rights := unix.UnixRights(fd)
	n, oobn, err := unixConn.WriteMsgUnix(payload, rights, nil)
	if err != nil {
		return s.ioError(ctx, "write", err)
	}
	if n != len(payload) || oobn != len(rights) {
		return fmt.Errorf("%w: short write %d/%d bytes, %d/%d control bytes", ErrTransfer, n, len(payload), oobn, len(rights))
	}

	if s.awaitAck {
		if err := unixConn.CloseWrite(); err != nil {
			return s.ioError(ctx, "half-close", err)
		}
		var reply [1]byte
		if _, err := io.ReadFull(unixConn, reply[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: receiver closed without ack", ErrProtocol)
			}
			return s.ioError(ctx, "read ack", err)
		}
		if reply[0] != ackByte {
			return fmt.Errorf("%w: unexpected ack byte 0x%02x", ErrProtocol, reply[0])
		}
	}

	s.logger.Debug("descriptor sent",
		logging.String(logging.FieldEndpoint, endpoint),
		logging.Int("fd", fd),
		logging.Int("payload_bytes", len(payload)),
	)
	return nil
}

func (s *Sender) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s descriptor: %w", op, ctxErr)
	}
	return fmt.Errorf("%s descriptor: %w: %w", op, ErrTransfer, err)
}

// checkDescriptor rejects descriptors that are negative or no longer open.
func checkDescriptor(fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDescriptor, fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("%w: fd %d: %w", ErrInvalidDescriptor, fd, err)
	}
	return nil
}

// Probe reports whether a socket exists at endpoint without connecting to it.
// Absence maps to ErrConnectionRefused.
func Probe(endpoint string) error {
	info, err := os.Stat(endpoint)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("probe %s: %w", endpoint, ErrConnectionRefused)
		}
		return fmt.Errorf("probe %s: %w", endpoint, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("probe %s: %w: not a socket", endpoint, ErrConnectionRefused)
	}
	return nil
}
