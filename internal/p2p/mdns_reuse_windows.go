//go:build windows

package p2p

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseControl lets several processes on one host share the mDNS port
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
