package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"texbridge/internal/fdpass"
)

// descriptorHeadroom covers the listener, the IPC socket, log files and the
// metadata connection.
const descriptorHeadroom = 32

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDescriptorReceiver reports whether a receiver is bound at the descriptor endpoint.
func CheckDescriptorReceiver(endpoint string) Result {
	const name = "Descriptor receiver"
	if err := fdpass.Probe(endpoint); err != nil {
		if errors.Is(err, fdpass.ErrConnectionRefused) {
			return Result{Name: name, Detail: fmt.Sprintf("no receiver at %s", endpoint)}
		}
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (socket present)", endpoint)}
}

// CheckMetadataConsumer dials the metadata endpoint once and hangs up.
func CheckMetadataConsumer(ctx context.Context, endpoint string, timeout time.Duration) Result {
	const name = "Metadata consumer"
	if timeout <= 0 {
		timeout = time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s unreachable (%v)", endpoint, err)}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (accepting)", endpoint)}
}

// CheckDescriptorLimit verifies the soft descriptor limit leaves room for
// framesAhead duplicated descriptors.
func CheckDescriptorLimit(framesAhead int) Result {
	const name = "Descriptor limit"
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("getrlimit: %v", err)}
	}
	need := uint64(framesAhead) + descriptorHeadroom
	if lim.Cur < need {
		return Result{Name: name, Detail: fmt.Sprintf("soft limit %d below %d; raise it with ulimit -n", lim.Cur, need)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("soft limit %d", lim.Cur)}
}

// CheckMemfd verifies anonymous memory files are available for the synthetic source.
func CheckMemfd() Result {
	const name = "Synthetic source"
	fd, err := unix.MemfdCreate("texbridge-preflight", unix.MFD_CLOEXEC)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("memfd_create unavailable: %v", err)}
	}
	_ = unix.Close(fd)
	return Result{Name: name, Passed: true, Detail: "memfd ok"}
}
