package fcgi

// Request is one in-flight FastCGI request, published to the hand-off
// queue once the peer closes its standard-input stream. Before
// publication it is owned exclusively by the connection driver that is
// assembling it; after publication it is owned by whichever application
// goroutine dequeues it, until that code calls Runtime.FreeRequest.
type Request struct {
	id     uint16
	role   uint16
	flags  byte
	params map[string]string
	stdin  []byte

	// conn is a weak back-reference: writes through it no-op once the
	// connection has closed, and FreeRequest drops it entirely.
	conn *Connection

	stdoutBytes int
}

func newRequest(id uint16, role uint16, flags byte, conn *Connection) *Request {
	return &Request{
		id:     id,
		role:   role,
		flags:  flags,
		params: make(map[string]string),
		conn:   conn,
	}
}

func (r *Request) setParam(name, value string) { r.params[name] = value }

func (r *Request) appendStdin(b []byte) { r.stdin = append(r.stdin, b...) }

// ID returns the request's FastCGI request id.
func (r *Request) ID() uint16 { return r.id }

// Role returns the role requested by BEGIN_REQUEST.
func (r *Request) Role() uint16 { return r.role }

// Flags returns the raw BEGIN_REQUEST flags byte.
func (r *Request) Flags() byte { return r.flags }

// KeepConn reports whether the peer asked to reuse the connection after
// this request completes.
func (r *Request) KeepConn() bool { return r.flags&FlagKeepConn != 0 }

// Params returns the request's parameter map. Keys are unique; order of
// original arrival is not preserved.
func (r *Request) Params() map[string]string { return r.params }

// Stdin returns the accumulated standard-input bytes.
func (r *Request) Stdin() []byte { return r.stdin }

// Stdout writes a chunk of response body. It returns false if the
// connection has already been destroyed, or if the connection's
// outbound buffer has no room (the caller should retry once the buffer
// has drained).
func (r *Request) Stdout(payload []byte) bool {
	if r.conn == nil {
		return false
	}
	ok := r.conn.stdout(r.id, payload)
	if ok {
		r.stdoutBytes += len(payload)
	}
	return ok
}

// StdoutBytes returns the total payload bytes successfully written via
// Stdout so far.
func (r *Request) StdoutBytes() int { return r.stdoutBytes }

// EndStdout appends the stream terminator for standard output.
func (r *Request) EndStdout() bool {
	if r.conn == nil {
		return false
	}
	return r.conn.endStdout(r.id)
}

// Reply appends the END_REQUEST record carrying appStatus and, unless
// the request asked to keep the connection alive, arranges for the
// connection to close once this has been flushed.
func (r *Request) Reply(appStatus uint32) bool {
	if r.conn == nil {
		return false
	}
	return r.conn.reply(r.id, appStatus, !r.KeepConn())
}
