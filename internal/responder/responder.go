// Package responder implements the demo FastCGI responder application:
// a worker pool that pops published requests off a fcgi.Runtime's
// hand-off queue and dispatches each to a Handler (by default Echo,
// which writes a greeting plus the request body and replies). This
// mirrors the original engine's bundled demo (a signal-driven main loop
// popping requests and echoing standard input back as HTML), adapted
// here into N concurrent worker goroutines instead of one polling loop,
// matching the multi-threaded applications the engine was designed for.
package responder

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gophpfpm/internal/accesslog"
	"gophpfpm/internal/fcgi"
	"gophpfpm/internal/metrics"
)

// Handler processes one published request and returns the application
// status to report in END_REQUEST.
type Handler func(req *fcgi.Request) uint32

// Pool runs a fixed number of worker goroutines, each blocking on the
// runtime's hand-off queue and dispatching to handler.
type Pool struct {
	rt      *fcgi.Runtime
	handler Handler
	access  *accesslog.Logger
	monitor *metrics.Monitor
	logger  *logrus.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewPool builds a worker pool bound to rt. handler defaults to Echo
// when nil.
func NewPool(rt *fcgi.Runtime, handler Handler, access *accesslog.Logger, monitor *metrics.Monitor, logger *logrus.Logger) *Pool {
	if handler == nil {
		handler = Echo
	}
	return &Pool{
		rt:      rt,
		handler: handler,
		access:  access,
		monitor: monitor,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start spawns workers worth of goroutines, each running until Stop is
// called.
func (p *Pool) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		req, ok := p.rt.PopBlocking()
		if !ok {
			// Queue was closed by Runtime.Shutdown.
			return
		}

		p.serve(req)
	}
}

func (p *Pool) serve(req *fcgi.Request) {
	defer p.rt.FreeRequest(req)

	start := time.Now()
	appStatus := p.handler(req)

	if p.monitor != nil {
		p.monitor.RequestDuration.
			WithLabelValues(roleLabel(req.Role())).
			Observe(time.Since(start).Seconds())
	}

	if p.access != nil {
		params := req.Params()
		p.access.LogRequest(accesslog.Completion{
			RequestID:     req.ID(),
			ScriptName:    params["SCRIPT_NAME"],
			RequestURI:    params["REQUEST_URI"],
			RequestMethod: params["REQUEST_METHOD"],
			AppStatus:     appStatus,
			StdinBytes:    len(req.Stdin()),
			StdoutBytes:   req.StdoutBytes(),
		})
	}
}

func roleLabel(role uint16) string {
	switch role {
	case fcgi.RoleResponder:
		return "responder"
	case fcgi.RoleAuthorizer:
		return "authorizer"
	case fcgi.RoleFilter:
		return "filter"
	default:
		return strconv.Itoa(int(role))
	}
}

// Stop signals every worker to exit once it next observes stop (or
// wakes from PopBlocking, whichever happens first) and waits for them
// to finish. A worker blocked in PopBlocking wakes only when a request
// arrives or Runtime.Shutdown closes the queue, so Stop returns only
// after one of those.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Echo is the default demo handler: it mirrors the original engine's
// bundled example, writing a plaintext greeting that includes the
// request body back to the peer.
func Echo(req *fcgi.Request) uint32 {
	body := fmt.Sprintf("Content-type: text/plain; charset=utf-8\r\n\r\nHello from request %d\n%s\n", req.ID(), req.Stdin())
	req.Stdout([]byte(body))
	req.EndStdout()
	req.Reply(0)
	return 0
}
