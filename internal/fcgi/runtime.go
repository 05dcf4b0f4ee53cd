package fcgi

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Stats is a snapshot of the runtime's counters, mirroring the
// original's thread_num/connection_num/enqueue_num/dequeue_num report.
type Stats struct {
	ThreadNum     int
	ConnectionNum int64
	EnqueueNum    uint64
	DequeueNum    uint64
}

// Runtime owns the listening acceptor, the hand-off queue, and the
// live-connection count. Applications construct one explicit Runtime
// (see Default/SetDefault for the process-singleton convenience)
// rather than reaching into global state.
//
// I/O is driven by goroutines, not a bounded worker pool: each accept
// loop and each connection's read loop parks in a blocking syscall for
// as long as the peer leaves it waiting, and Go's runtime scheduler
// (not an OS thread) pays for that wait. A fixed-size pool that
// dispatched Accept/Read/Write as submitted jobs would let an idle
// keep-alive connection or a single pending Accept permanently starve
// the pool; see acceptLoop/readLoop.
type Runtime struct {
	listener net.Listener
	logger   *logrus.Logger
	queue    *handoffQueue

	// RejectHook, if set, is called whenever a connection closes because
	// of a fatal parse outcome (see outcomeLabel), letting callers count
	// rejections by reason without this package depending on a metrics
	// library itself.
	RejectHook func(outcome string)

	// AcceptHook, if set, is called once per accepted connection, before
	// its read loop starts.
	AcceptHook func()

	// EnqueueHook and DequeueHook, if set, are called after a request is
	// published to, or popped from, the hand-off queue. Like RejectHook,
	// these are plain callbacks so this package never imports a metrics
	// library itself.
	EnqueueHook func()
	DequeueHook func()

	// ConnectionClosedHook, if set, is called once a connection has
	// finished closing, reporting how many requests it served over its
	// lifetime.
	ConnectionClosedHook func(connectionID uint64, requestsServed int)

	threads int

	liveConns  atomic.Int64
	nextConnID atomic.Uint64

	connsMu sync.Mutex
	conns   map[*Connection]struct{}

	wg       sync.WaitGroup // live connections
	acceptWG sync.WaitGroup // accept-loop goroutines

	started atomic.Bool
	closing atomic.Bool
}

// NewRuntime constructs a runtime bound to an already-listening
// acceptor. queueCapacity sizes the hand-off queue's initial backing
// slice (see handoffQueue). logger may be nil, in which case a
// discard-configured logrus.Logger is used.
func NewRuntime(listener net.Listener, queueCapacity int, logger *logrus.Logger) *Runtime {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Runtime{
		listener: listener,
		logger:   logger,
		queue:    newHandoffQueue(queueCapacity),
		conns:    make(map[*Connection]struct{}),
	}
}

// Start spawns T accept-loop goroutines, each independently blocked in
// Accept on the shared listener (legal and ordinary in Go; the kernel
// wakes exactly one per incoming connection). It returns immediately.
func (rt *Runtime) Start(threads int) error {
	if rt.started.Swap(true) {
		return errors.New("fcgi: runtime already started")
	}
	if threads < 1 {
		threads = 1
	}
	rt.threads = threads
	rt.acceptWG.Add(threads)
	for i := 0; i < threads; i++ {
		go rt.acceptLoop()
	}
	return nil
}

// acceptLoop repeatedly accepts connections until the listener closes.
// Each accepted connection gets its own read loop goroutine rather
// than a job submitted to a shared pool, so one slow or idle peer
// never blocks another connection's reads or this loop's next accept.
func (rt *Runtime) acceptLoop() {
	defer rt.acceptWG.Done()
	for {
		nc, err := rt.listener.Accept()
		if err != nil {
			if !rt.closing.Load() {
				rt.logger.Errorf("accept error: %v", err)
			}
			return
		}

		if err := setSoLinger(nc); err != nil {
			rt.logger.Debugf("could not set SO_LINGER: %v", err)
		}
		id := rt.nextConnID.Add(1)
		conn := newConnection(id, nc, rt)

		rt.connsMu.Lock()
		rt.conns[conn] = struct{}{}
		rt.connsMu.Unlock()

		rt.wg.Add(1)
		rt.liveConns.Add(1)
		if rt.AcceptHook != nil {
			rt.AcceptHook()
		}
		go conn.readLoop()
	}
}

// connectionClosed is called exactly once per connection, when its
// refcount of in-flight I/O reaches zero (in this implementation: when
// destroy() runs). It decrements the live-connection counter and drops
// the runtime's own tracking entry.
func (rt *Runtime) connectionClosed(c *Connection) {
	rt.connsMu.Lock()
	delete(rt.conns, c)
	rt.connsMu.Unlock()
	rt.liveConns.Add(-1)
	rt.wg.Done()
}

// PopBlocking blocks until the hand-off queue is non-empty, then
// returns the head request.
func (rt *Runtime) PopBlocking() (*Request, bool) {
	req, ok := rt.queue.popBlocking()
	if ok && rt.DequeueHook != nil {
		rt.DequeueHook()
	}
	return req, ok
}

// PopNonBlocking returns the head request, or (nil, false) if the queue
// is currently empty.
func (rt *Runtime) PopNonBlocking() (*Request, bool) {
	req, ok := rt.queue.popNonBlocking()
	if ok && rt.DequeueHook != nil {
		rt.DequeueHook()
	}
	return req, ok
}

// FreeRequest destroys a consumed request, dropping its back-reference
// to the connection.
func (rt *Runtime) FreeRequest(req *Request) {
	req.conn = nil
}

// ResetStats zeroes the enqueue/dequeue counters.
func (rt *Runtime) ResetStats() {
	rt.queue.resetStats()
}

// Stats reports the runtime's current counters.
func (rt *Runtime) Stats() Stats {
	enqueue, dequeue := rt.queue.counts()
	return Stats{
		ThreadNum:     rt.threads,
		ConnectionNum: rt.liveConns.Load(),
		EnqueueNum:    enqueue,
		DequeueNum:    dequeue,
	}
}

// Shutdown closes the acceptor, forcibly closes every live connection,
// drops undelivered requests, and waits for every accept loop to exit
// and every connection to be destroyed.
func (rt *Runtime) Shutdown() {
	rt.closing.Store(true)
	_ = rt.listener.Close()
	rt.acceptWG.Wait()

	rt.connsMu.Lock()
	conns := make([]*Connection, 0, len(rt.conns))
	for c := range rt.conns {
		conns = append(conns, c)
	}
	rt.connsMu.Unlock()
	for _, c := range conns {
		c.closeAbortive()
	}

	rt.wg.Wait()
	rt.queue.closeAndDrop()
}
