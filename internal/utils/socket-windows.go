//go:build windows

package utils

import (
	"syscall"
)

// SocketControl is a net.Dialer Control hook tuning buffer sizes of retrieval sockets.
func SocketControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, DefaultBufferSize)
		syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, DefaultBufferSize)
	})
}
