package fcgi

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gophpfpm/internal/fcgi/fcgitest"
)

// testRuntime builds a Runtime with a hand-off queue, suitable for
// driving a Connection end-to-end over a net.Pipe without going
// through Runtime.Start/Accept.
func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(discardWriter{})
	rt := &Runtime{
		logger: logger,
		queue:  newHandoffQueue(4),
		conns:  make(map[*Connection]struct{}),
	}
	return rt
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type decodedRecord struct {
	Type      byte
	RequestID uint16
	Content   []byte
}

// readRecords reads from nc until it has decoded want complete records,
// or the deadline elapses, returning copies so the caller does not
// depend on the shared InboundBuffer's cursor position.
func readRecords(t *testing.T, nc net.Conn, want int) []decodedRecord {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	in := NewInboundBuffer()
	var records []decodedRecord
	for len(records) < want {
		n, err := nc.Read(in.FreeRegion())
		if n > 0 {
			in.Transferred(n)
		}
		if err != nil && n == 0 {
			t.Fatalf("reading records: %v (got %d of %d)", err, len(records), want)
		}
		for in.CanRead() && len(records) < want {
			records = append(records, decodedRecord{
				Type:      in.Type(),
				RequestID: in.RequestID(),
				Content:   append([]byte(nil), in.Content()...),
			})
			in.Advance()
		}
	}
	return records
}

func TestConnection_ResponseShapeEndToEnd(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	rt := testRuntime(t)
	rt.wg.Add(1)
	conn := newConnection(1, server, rt)
	rt.connsMu.Lock()
	rt.conns[conn] = struct{}{}
	rt.connsMu.Unlock()
	go conn.readLoop()

	request := fcgitest.Concat(
		fcgitest.BeginRequest(1, fcgitest.RoleResponder, 0),
		fcgitest.EmptyParams(1),
		fcgitest.EmptyStdin(1),
	)
	writeDone := make(chan error, 1)
	go func() {
		_, err := client.Write(request)
		writeDone <- err
	}()
	if err := <-writeDone; err != nil {
		t.Fatalf("writing request: %v", err)
	}

	req, ok := rt.PopBlocking()
	if !ok {
		t.Fatalf("request was not published")
	}
	if req.ID() != 1 {
		t.Fatalf("request id = %d, want 1", req.ID())
	}

	if !req.Stdout([]byte("hello")) {
		t.Fatalf("Stdout failed")
	}
	if !req.EndStdout() {
		t.Fatalf("EndStdout failed")
	}
	if !req.Reply(0) {
		t.Fatalf("Reply failed")
	}

	records := readRecords(t, client, 3)
	if records[0].Type != TypeStdout || string(records[0].Content) != "hello" {
		t.Fatalf("record 1 = type %d content %q, want STDOUT \"hello\"", records[0].Type, records[0].Content)
	}
	if records[1].Type != TypeStdout || len(records[1].Content) != 0 {
		t.Fatalf("record 2 = type %d len %d, want empty STDOUT", records[1].Type, len(records[1].Content))
	}
	if records[2].Type != TypeEndRequest {
		t.Fatalf("record 3 = type %d, want END_REQUEST", records[2].Type)
	}
	for _, r := range records {
		if r.RequestID != 1 {
			t.Fatalf("record request id = %d, want 1", r.RequestID)
		}
	}

	// Not a keep-alive request: the connection closes once the reply
	// drains, so the peer now observes EOF.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to close after a non-keep-alive reply")
	}
}

func TestConnection_FatalOutcomeInvokesRejectHook(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	rt := testRuntime(t)
	var got string
	rt.RejectHook = func(outcome string) { got = outcome }

	rt.wg.Add(1)
	conn := newConnection(1, server, rt)
	rt.connsMu.Lock()
	rt.conns[conn] = struct{}{}
	rt.connsMu.Unlock()
	go conn.readLoop()

	// STDIN before BEGIN_REQUEST is a protocol violation.
	writeDone := make(chan error, 1)
	go func() {
		_, err := client.Write(fcgitest.Stdin(1, []byte("x")))
		writeDone <- err
	}()
	if err := <-writeDone; err != nil {
		t.Fatalf("writing request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to close after a protocol violation")
	}

	if got != "protocol" {
		t.Fatalf("RejectHook outcome = %q, want %q", got, "protocol")
	}
}

// readLoop's BufFull check runs immediately after Compact, so idx is
// always 0 at that point; reaching it with CanRead still false needs
// len == capacity while the first 8 bytes are not yet present. That
// can't happen through Read accumulation (the free region shrinks only
// as real bytes arrive, and any 8 real bytes already yield some
// recordLen, which is always far below capacity). The guard is
// deliberately unreachable defense-in-depth rather than a live code
// path, so it is verified against the BufFull primitive directly
// instead of via a socket.
func TestConnection_OversizeGuardMirrorsBufFull(t *testing.T) {
	conn := &Connection{in: NewInboundBuffer()}
	conn.in.Transferred(len(conn.in.buf))
	if !conn.in.BufFull() {
		t.Fatalf("BufFull() = false after filling the buffer, want true")
	}
	if !conn.in.CanRead() {
		t.Fatalf("CanRead() = false on a full buffer of zero bytes, want true (a zero header decodes as a complete empty record)")
	}
}
