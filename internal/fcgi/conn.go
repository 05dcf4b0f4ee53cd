package fcgi

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Connection is one TCP session with a web server: a socket, an
// inbound buffer, an outbound buffer, and at most one request being
// assembled at a time. Its inbound side is driven exclusively by its
// own readLoop goroutine; it may be written to from whichever
// application goroutine is holding a published Request.
type Connection struct {
	id     uint64
	nc     net.Conn
	rt     *Runtime
	logger *logrus.Entry

	in  *InboundBuffer
	agg *aggregator

	requestsServed int

	// mu serializes every mutation of out, writeInFlight and
	// closeAfterDrain. Reads of the inbound buffer are single-threaded
	// (only this connection's readLoop goroutine touches it) and need
	// no lock.
	mu              sync.Mutex
	out             *OutboundBuffer
	writeInFlight   bool
	closeAfterDrain bool

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConnection(id uint64, nc net.Conn, rt *Runtime) *Connection {
	c := &Connection{
		id:  id,
		nc:  nc,
		rt:  rt,
		in:  NewInboundBuffer(),
		out: NewOutboundBuffer(),
	}
	c.agg = newAggregator(c)
	c.logger = rt.logger.WithFields(logrus.Fields{
		"conn":   id,
		"remote": nc.RemoteAddr(),
	})
	return c
}

// publish hands a completed request to the runtime's hand-off queue.
// Called by the aggregator from the read loop, without the connection
// mutex held, since the hand-off queue has its own lock.
func (c *Connection) publish(req *Request) {
	c.requestsServed++
	c.rt.queue.push(req)
	if c.rt.EnqueueHook != nil {
		c.rt.EnqueueHook()
	}
}

// readLoop repeatedly reads and decodes records until the peer closes,
// a fatal protocol outcome occurs, or the socket errors. It runs on
// its own goroutine for the life of the connection: each Read blocks
// only that goroutine (parked by the Go runtime's netpoller), never an
// OS thread or a pool worker another connection needs.
func (c *Connection) readLoop() {
	for {
		n, err := c.nc.Read(c.in.FreeRegion())
		if err != nil {
			c.logger.Debugf("read error: %v", err)
			c.closeAbortive()
			return
		}
		c.in.Transferred(n)

		for c.in.CanRead() {
			outcome := c.agg.parseRecord(c.in)
			if outcome == OutcomeNotComplete {
				break
			}
			if outcome.Fatal() {
				c.logger.Errorf("closing connection: %v", outcomeError(outcome))
				if c.rt.RejectHook != nil {
					c.rt.RejectHook(outcomeLabel(outcome))
				}
				c.closeAbortive()
				return
			}
			c.in.Advance()
		}

		c.in.Compact()
		if c.in.BufFull() {
			c.logger.Errorf("closing connection: %v", ErrOversizeRecord)
			if c.rt.RejectHook != nil {
				c.rt.RejectHook("oversize")
			}
			c.closeAbortive()
			return
		}
	}
}

// postWriteLocked issues the next asynchronous write, or marks the
// write pump idle if there is nothing pending. Callers must hold mu.
// Each write runs on its own goroutine rather than a shared pool job,
// for the same reason reads do: a blocked Write must never be able to
// stall behind other connections' blocked reads.
func (c *Connection) postWriteLocked() {
	if c.out.IsEmpty() {
		c.writeInFlight = false
		return
	}
	c.writeInFlight = true
	snapshot := c.out.Snapshot()
	go c.doWrite(snapshot)
}

func (c *Connection) doWrite(data []byte) {
	n, err := c.nc.Write(data)

	c.mu.Lock()
	if err != nil {
		c.mu.Unlock()
		c.logger.Debugf("write error: %v", err)
		c.closeAbortive()
		return
	}

	c.out.Transferred(n)
	if c.closeAfterDrain && c.out.IsEmpty() {
		c.mu.Unlock()
		c.closeGraceful()
		return
	}
	c.postWriteLocked()
	c.mu.Unlock()
}

// stdout appends a chunk of response body and kicks the write pump if
// it was idle.
func (c *Connection) stdout(requestID uint16, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.out.WriteStdout(requestID, payload)
	if ok && !c.writeInFlight {
		c.postWriteLocked()
	}
	return ok
}

func (c *Connection) endStdout(requestID uint16) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.out.WriteEndStdout(requestID)
	if ok && !c.writeInFlight {
		c.postWriteLocked()
	}
	return ok
}

func (c *Connection) reply(requestID uint16, appStatus uint32, closeAfter bool) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.out.WriteEndRequest(requestID, appStatus)
	if ok {
		if closeAfter {
			c.closeAfterDrain = true
		}
		if !c.writeInFlight {
			c.postWriteLocked()
		}
	}
	return ok
}

// closeAbortive closes the socket immediately. Used for every fatal
// protocol error and transport failure.
func (c *Connection) closeAbortive() {
	c.destroy(func() { _ = c.nc.Close() })
}

// closeGraceful performs a best-effort shutdown(both) before closing,
// used once a non-keep-alive request's END_REQUEST has been flushed.
func (c *Connection) closeGraceful() {
	c.destroy(func() {
		if tc, ok := c.nc.(*net.TCPConn); ok {
			_ = tc.CloseRead()
			_ = tc.CloseWrite()
		}
		_ = c.nc.Close()
	})
}

func (c *Connection) destroy(closeFn func()) {
	c.closeOnce.Do(func() {
		closeFn()
		c.closed.Store(true)
		c.rt.connectionClosed(c)
		if c.rt.ConnectionClosedHook != nil {
			c.rt.ConnectionClosedHook(c.id, c.requestsServed)
		}
	})
}
