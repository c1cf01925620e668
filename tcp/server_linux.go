//go:build linux

package tcp

import (
	"fmt"

	"mpmc/config"
)

// NewServer builds the server for one of the config modes.
func NewServer(mode string, opts Options) (Server, error) {
	switch mode {
	case config.ModePool:
		return NewPoolServer(opts), nil
	case config.ModeEpoll:
		srv, err := NewEpollServer(opts)
		if err != nil {
			return nil, err
		}
		return srv, nil
	case config.ModeUring:
		srv, err := NewUringServer(opts)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
	return nil, fmt.Errorf("unknown server mode %q", mode)
}
