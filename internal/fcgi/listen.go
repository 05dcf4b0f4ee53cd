package fcgi

import (
	"fmt"
	"net"
	"os"
)

// ListenFD wraps the file descriptor a web server inherited as the
// FastCGI listening socket (conventionally FD 0) as a net.Listener.
func ListenFD(fd uintptr) (net.Listener, error) {
	f := os.NewFile(fd, "fcgi-listen-socket")
	if f == nil {
		return nil, fmt.Errorf("fcgi: fd %d is not valid", fd)
	}
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("fcgi: wrapping listening socket: %w", err)
	}
	return l, nil
}
