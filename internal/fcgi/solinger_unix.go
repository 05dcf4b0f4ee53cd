//go:build unix

package fcgi

import (
	"net"

	"golang.org/x/sys/unix"
)

// soLingerTimeoutSeconds is the SO_LINGER timeout the runtime applies
// to every accepted connection, per the listener contract.
const soLingerTimeoutSeconds = 30

func setSoLinger(nc net.Conn) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
			Onoff:  1,
			Linger: soLingerTimeoutSeconds,
		})
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
