//go:build !linux

package source

func allocate(uint64, int64) (int, error) {
	return -1, ErrUnsupported
}

func closeFD(int) {}
