//go:build !unix

package fcgi

import "net"

// setSoLinger is a no-op on platforms without a unix-style
// setsockopt(SO_LINGER); the listener contract targets unix sockets
// inherited from a web server and this core never ships on anything else.
func setSoLinger(nc net.Conn) error {
	return nil
}
