package fdpass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	maxMessageBytes = 64 << 10
	// maxRights bounds how many descriptors one message may carry; extras are closed.
	maxRights = 4
)

// Received is one message taken off a Listener. The caller owns FD.
type Received struct {
	FD      int
	Payload []byte
}

// Token returns the payload unless it is the one byte placeholder sent when
// no token was given.
func (r Received) Token() []byte {
	if bytes.Equal(r.Payload, dummyPayload) {
		return nil
	}
	return r.Payload
}

// Close closes the received descriptor.
func (r *Received) Close() error {
	if r.FD < 0 {
		return nil
	}
	err := unix.Close(r.FD)
	r.FD = -1
	return err
}

// ListenOption configures a Listener.
type ListenOption func(*Listener)

// WithAck makes the listener answer every message with an ack byte.
func WithAck() ListenOption {
	return func(l *Listener) { l.ack = true }
}

// Listener receives descriptors on a unix socket.
type Listener struct {
	path string
	ln   *net.UnixListener
	ack  bool
}

// Listen creates the socket at path, replacing a stale one, and creates its
// parent directory when missing.
func Listen(path string, opts ...ListenOption) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	ln.SetUnlinkOnClose(true)

	l := &Listener{path: path, ln: ln}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept waits for one sender and returns its descriptor and payload.
func (l *Listener) Accept(ctx context.Context) (Received, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Unix(1, 0))
	})
	conn, err := l.ln.AcceptUnix()
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = l.ln.SetDeadline(time.Time{})
			return Received{FD: -1}, ctxErr
		}
		return Received{FD: -1}, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	deadlineStop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer deadlineStop()

	return l.receive(conn)
}

func (l *Listener) receive(conn *net.UnixConn) (Received, error) {
	buf := make([]byte, maxMessageBytes)
	oob := make([]byte, unix.CmsgSpace(maxRights*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Received{FD: -1}, fmt.Errorf("%w: read message: %w", ErrTransfer, err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Received{FD: -1}, err
	}
	if len(fds) == 0 {
		return Received{FD: -1}, fmt.Errorf("%w: message carried no descriptor", ErrProtocol)
	}
	for _, extra := range fds[1:] {
		_ = unix.Close(extra)
	}
	received := Received{FD: fds[0]}

	// A stream socket may split the body; the sender's close marks the end.
	body := bytes.NewBuffer(append([]byte(nil), buf[:n]...))
	if _, err := io.Copy(body, io.LimitReader(conn, maxMessageBytes)); err != nil {
		_ = received.Close()
		return Received{FD: -1}, fmt.Errorf("%w: read body: %w", ErrTransfer, err)
	}
	received.Payload = body.Bytes()

	if l.ack {
		// Senders that do not wait for the ack have already closed.
		_, _ = conn.Write([]byte{ackByte})
	}
	return received, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse control message: %w", ErrProtocol, err)
	}
	var fds []int
	for _, msg := range messages {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
