package fdpass_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"texbridge/internal/fdpass"
)

func listenOrSkip(t *testing.T, opts ...fdpass.ListenOption) *fdpass.Listener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0.sock")
	ln, err := fdpass.Listen(path, opts...)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping descriptor socket test: %v", err)
		}
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func tempDescriptor(t *testing.T, contents string) *os.File {
	t.Helper()
	file, err := os.CreateTemp(t.TempDir(), "buffer")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if _, err := file.WriteString(contents); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	return file
}

type acceptResult struct {
	received fdpass.Received
	err      error
}

func acceptAsync(ctx context.Context, ln *fdpass.Listener) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		received, err := ln.Accept(ctx)
		ch <- acceptResult{received, err}
	}()
	return ch
}

func TestSendDeliversDescriptorAndToken(t *testing.T) {
	for _, awaitAck := range []bool{false, true} {
		t.Run(fmt.Sprintf("ack=%v", awaitAck), func(t *testing.T) {
			var opts []fdpass.ListenOption
			if awaitAck {
				opts = append(opts, fdpass.WithAck())
			}
			ln := listenOrSkip(t, opts...)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			results := acceptAsync(ctx, ln)
			file := tempDescriptor(t, "pixels")

			sender := fdpass.NewSender(fdpass.Options{Timeout: 2 * time.Second, AwaitAck: awaitAck})
			if err := sender.Send(ctx, ln.Path(), int(file.Fd()), []byte("stream-0")); err != nil {
				t.Fatalf("Send: %v", err)
			}

			res := <-results
			if res.err != nil {
				t.Fatalf("Accept: %v", res.err)
			}
			defer res.received.Close()
			if string(res.received.Token()) != "stream-0" {
				t.Fatalf("unexpected token %q", res.received.Token())
			}
			if res.received.FD == int(file.Fd()) {
				t.Fatal("expected receiver to hold its own descriptor number")
			}

			// The receiver's copy refers to the same open file.
			buf := make([]byte, 6)
			n, err := unix.Pread(res.received.FD, buf, 0)
			if err != nil {
				t.Fatalf("pread received fd: %v", err)
			}
			if string(buf[:n]) != "pixels" {
				t.Fatalf("unexpected contents %q", buf[:n])
			}
		})
	}
}

func TestSendWithoutTokenUsesPlaceholder(t *testing.T) {
	ln := listenOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := acceptAsync(ctx, ln)
	file := tempDescriptor(t, "x")
	if err := fdpass.NewSender(fdpass.Options{}).Send(ctx, ln.Path(), int(file.Fd()), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := <-results
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	defer res.received.Close()
	if len(res.received.Payload) != 1 {
		t.Fatalf("expected one placeholder byte, got %d", len(res.received.Payload))
	}
	if res.received.Token() != nil {
		t.Fatalf("expected no token, got %q", res.received.Token())
	}
}

func TestSendWithMetadataCarriesBody(t *testing.T) {
	ln := listenOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := acceptAsync(ctx, ln)
	file := tempDescriptor(t, "x")
	body := []byte(`{"seq":1,"width":1920,"height":1080,"planes":[{"fd":-1,"stride":7680}]}`)
	if err := fdpass.NewSender(fdpass.Options{}).SendWithMetadata(ctx, ln.Path(), int(file.Fd()), body); err != nil {
		t.Fatalf("SendWithMetadata: %v", err)
	}
	res := <-results
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	defer res.received.Close()
	if string(res.received.Payload) != string(body) {
		t.Fatalf("unexpected body %q", res.received.Payload)
	}
}

func TestSendToMissingEndpointIsConnectionRefused(t *testing.T) {
	file := tempDescriptor(t, "x")
	endpoint := filepath.Join(t.TempDir(), "absent.sock")

	err := fdpass.NewSender(fdpass.Options{}).Send(context.Background(), endpoint, int(file.Fd()), nil)
	if !errors.Is(err, fdpass.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if err := fdpass.Probe(endpoint); !errors.Is(err, fdpass.ErrConnectionRefused) {
		t.Fatalf("expected probe to report refused, got %v", err)
	}
}

func TestSendRejectsClosedDescriptor(t *testing.T) {
	file := tempDescriptor(t, "x")
	fd := int(file.Fd())
	dup, err := unix.Dup(fd)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	if err := unix.Close(dup); err != nil {
		t.Fatalf("close dup: %v", err)
	}

	sender := fdpass.NewSender(fdpass.Options{})
	for _, bad := range []int{-1, dup} {
		if err := sender.Send(context.Background(), "/nonexistent.sock", bad, nil); !errors.Is(err, fdpass.ErrInvalidDescriptor) {
			t.Fatalf("fd %d: expected ErrInvalidDescriptor, got %v", bad, err)
		}
	}
}

func TestSendRejectsOversizedToken(t *testing.T) {
	file := tempDescriptor(t, "x")
	token := []byte(strings.Repeat("t", fdpass.MaxTokenLen+1))
	err := fdpass.NewSender(fdpass.Options{}).Send(context.Background(), "/nonexistent.sock", int(file.Fd()), token)
	if !errors.Is(err, fdpass.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestAwaitAckWithoutAckingReceiverIsProtocolError(t *testing.T) {
	ln := listenOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := acceptAsync(ctx, ln)
	file := tempDescriptor(t, "x")
	err := fdpass.NewSender(fdpass.Options{AwaitAck: true, Timeout: 2 * time.Second}).Send(ctx, ln.Path(), int(file.Fd()), nil)
	if !errors.Is(err, fdpass.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if res := <-results; res.err == nil {
		_ = res.received.Close()
	}
}

// silentReceiver accepts connections on a unix socket and holds them open
// without reading or acknowledging anything.
func silentReceiver(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "silent.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping descriptor socket test: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	held := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case conn := <-held:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	return path
}

func TestAwaitAckTimesOutOnSilentReceiver(t *testing.T) {
	endpoint := silentReceiver(t)
	file := tempDescriptor(t, "x")
	sender := fdpass.NewSender(fdpass.Options{AwaitAck: true, Timeout: 200 * time.Millisecond})

	start := time.Now()
	err := sender.Send(context.Background(), endpoint, int(file.Fd()), nil)
	elapsed := time.Since(start)

	if !errors.Is(err, fdpass.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if !strings.Contains(err.Error(), "read ack") {
		t.Fatalf("expected the ack read to time out, got %v", err)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("send was not bounded by its timeout: took %s", elapsed)
	}
}

func TestProbeFindsListener(t *testing.T) {
	ln := listenOrSkip(t)
	if err := fdpass.Probe(ln.Path()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	regular := filepath.Join(t.TempDir(), "file.sock")
	if err := os.WriteFile(regular, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fdpass.Probe(regular); !errors.Is(err, fdpass.ErrConnectionRefused) {
		t.Fatalf("expected regular file to be refused, got %v", err)
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	ln := listenOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
