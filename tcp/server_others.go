//go:build !linux

package tcp

import "fmt"

// NewServer fails on every platform but Linux: all three models are built
// directly on Linux syscalls.
func NewServer(mode string, _ Options) (Server, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, mode)
}
