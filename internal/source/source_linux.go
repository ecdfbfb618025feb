//go:build linux

package source

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

func allocate(seq uint64, size int64) (int, error) {
	fd, err := unix.MemfdCreate(fmt.Sprintf("texbridge-frame-%d", seq), unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate frame: %w", err)
	}
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], seq)
	if _, err := unix.Pwrite(fd, header[:], 0); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("write frame header: %w", err)
	}
	return fd, nil
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
