package fcgiclient

import (
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"gophpfpm/internal/fcgi"
	"gophpfpm/internal/responder"
)

func startEchoResponder(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt := fcgi.NewRuntime(ln, 8, logger)
	if err := rt.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pool := responder.NewPool(rt, responder.Echo, nil, nil, logger)
	pool.Start(1)
	t.Cleanup(pool.Stop)
	// Registered last so it runs first: closing the queue lets the
	// pool's workers leave PopBlocking before Stop joins them.
	t.Cleanup(rt.Shutdown)

	return ln.Addr().String()
}

func TestClient_DoRoundTripsThroughEchoResponder(t *testing.T) {
	addr := startEchoResponder(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := New("tcp", addr, 1, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(client.Close)

	req := client.NewRequest(map[string]string{
		"REQUEST_METHOD": "GET",
		"SCRIPT_NAME":    "/index.php",
	}, []byte("ping"))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if resp.Header.Get("Content-type") == "" {
		t.Errorf("expected Content-type header in response, got none")
	}
	if len(body) == 0 {
		t.Errorf("expected a non-empty echoed body")
	}
}

func TestClient_NewRequestGeneratesVaryingIDs(t *testing.T) {
	c := &Client{logger: logrus.New()}
	seen := make(map[uint16]bool)
	for i := 0; i < 8; i++ {
		r := c.NewRequest(nil, nil)
		seen[r.id] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected request ids to vary across calls, got all equal")
	}
}
