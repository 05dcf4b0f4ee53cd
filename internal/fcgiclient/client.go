// Package fcgiclient is a small FastCGI responder client, used by the
// integration tests and the smoketest command to exercise a running
// gophpfpm-responder the same way a web server would: dial, send one
// request, and parse the record stream back into an *http.Response.
// It decodes replies with the same fcgi.InboundBuffer the responder
// itself uses, so both ends of the wire share one codec.
package fcgiclient

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gophpfpm/internal/fcgi"
)

// Request is one FastCGI request to send.
type Request struct {
	Params map[string]string
	Body   []byte

	id uint16
}

// Client maintains a pool of persistent connections to one responder
// address, reconnecting on failure the way the original proxy's FPM
// client did.
type Client struct {
	pool chan *connection

	network string
	address string
	logger  *logrus.Logger
}

type connection struct {
	conn    net.Conn
	network string
	address string
}

// New dials poolSize connections to address (network is "tcp" or
// "unix", matching net.Dial) and returns a Client ready to serve
// requests.
func New(network, address string, poolSize int, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if poolSize < 1 {
		poolSize = 1
	}

	conns := make(chan *connection, poolSize)
	for i := 0; i < poolSize; i++ {
		nc, err := net.Dial(network, address)
		if err != nil {
			return nil, fmt.Errorf("fcgiclient: could not connect to %s %s: %w", network, address, err)
		}
		conns <- &connection{conn: nc, network: network, address: address}
	}

	logger.Debugf("fcgiclient: pool initiated with %d connections to %s %s", poolSize, network, address)

	return &Client{pool: conns, network: network, address: address, logger: logger}, nil
}

// NewRequest builds a Request carrying a freshly generated request id.
func (c *Client) NewRequest(params map[string]string, body []byte) Request {
	return Request{Params: params, Body: body, id: generateRequestID()}
}

func generateRequestID() uint16 {
	token := make([]byte, 2)
	_, _ = rand.Read(token)
	return binary.BigEndian.Uint16(token)
}

func (c *Client) take() *connection {
	for {
		timer := time.After(time.Second)
		select {
		case <-timer:
			c.logger.Debugf("fcgiclient: all connections to %s busy, still waiting", c.address)
		case conn := <-c.pool:
			return conn
		}
	}
}

// Do sends r and returns the parsed HTTP-shaped response, reconnecting
// once if the connection turns out to be dead.
func (c *Client) Do(r Request) (*http.Response, error) {
	conn := c.take()
	defer func() { c.pool <- conn }()

	resp, err := conn.doRequest(r)
	if err != nil {
		c.logger.Debugf("fcgiclient: request failed, reconnecting: %v", err)
		if rerr := conn.reconnect(); rerr != nil {
			return nil, fmt.Errorf("fcgiclient: could not reconnect: %w", rerr)
		}
		resp, err = conn.doRequest(r)
		if err != nil {
			return nil, fmt.Errorf("fcgiclient: request failed after reconnect: %w", err)
		}
	}
	return resp, nil
}

// Close closes every pooled connection.
func (c *Client) Close() {
	for i := 0; i < cap(c.pool); i++ {
		conn := <-c.pool
		_ = conn.conn.Close()
	}
}

func (conn *connection) reconnect() error {
	_ = conn.conn.Close()
	nc, err := net.Dial(conn.network, conn.address)
	if err != nil {
		return err
	}
	conn.conn = nc
	return nil
}

func (conn *connection) doRequest(r Request) (*http.Response, error) {
	if err := conn.sendBeginRequest(r); err != nil {
		return nil, fmt.Errorf("could not send begin-request: %w", err)
	}
	if err := conn.sendParams(r); err != nil {
		return nil, fmt.Errorf("could not send params: %w", err)
	}
	if err := conn.sendStdin(r); err != nil {
		return nil, fmt.Errorf("could not send stdin: %w", err)
	}
	return conn.readResponse(r)
}

func (conn *connection) sendBeginRequest(r Request) error {
	body := [8]byte{byte(fcgi.RoleResponder >> 8), byte(fcgi.RoleResponder), fcgi.FlagKeepConn}
	return conn.writeRecord(fcgi.TypeBeginRequest, r.id, body[:])
}

func (conn *connection) sendParams(r Request) error {
	params := r.Params
	if len(r.Body) > 0 {
		params = make(map[string]string, len(r.Params)+1)
		for k, v := range r.Params {
			params[k] = v
		}
		params["CONTENT_LENGTH"] = strconv.Itoa(len(r.Body))
	}

	for name, value := range params {
		buf := bytes.NewBuffer(nil)
		writePairLength(buf, len(name))
		writePairLength(buf, len(value))
		buf.WriteString(name)
		buf.WriteString(value)
		if err := conn.writeRecord(fcgi.TypeParams, r.id, buf.Bytes()); err != nil {
			return err
		}
	}
	return conn.writeRecord(fcgi.TypeParams, r.id, nil)
}

// writePairLength always emits the 4-byte form; simpler than picking
// between the 1- and 4-byte encodings and still valid wire format.
func writePairLength(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|1<<31)
	buf.Write(b[:])
}

func (conn *connection) sendStdin(r Request) error {
	const chunkSize = 65535
	for off := 0; off < len(r.Body); off += chunkSize {
		end := off + chunkSize
		if end > len(r.Body) {
			end = len(r.Body)
		}
		if err := conn.writeRecord(fcgi.TypeStdin, r.id, r.Body[off:end]); err != nil {
			return err
		}
	}
	return conn.writeRecord(fcgi.TypeStdin, r.id, nil)
}

func (conn *connection) writeRecord(typ byte, requestID uint16, content []byte) error {
	padLen := (8 - (len(content) % 8)) % 8

	header := make([]byte, 8)
	header[0] = fcgi.Version1
	header[1] = typ
	binary.BigEndian.PutUint16(header[2:4], requestID)
	binary.BigEndian.PutUint16(header[4:6], uint16(len(content)))
	header[6] = byte(padLen)

	if _, err := conn.conn.Write(header); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}
	if len(content) > 0 {
		if _, err := conn.conn.Write(content); err != nil {
			return fmt.Errorf("could not write content: %w", err)
		}
	}
	if padLen > 0 {
		if _, err := conn.conn.Write(make([]byte, padLen)); err != nil {
			return fmt.Errorf("could not write padding: %w", err)
		}
	}
	return nil
}

// readResponse reads records off the wire using the same InboundBuffer
// the responder uses to decode them, until it sees END_REQUEST for r's
// id, then parses the accumulated STDOUT bytes as an HTTP response.
func (conn *connection) readResponse(r Request) (*http.Response, error) {
	in := fcgi.NewInboundBuffer()
	var stdout []byte

	for {
		for in.CanRead() {
			if in.RequestID() != r.id {
				in.Advance()
				continue
			}
			switch in.Type() {
			case fcgi.TypeStdout:
				stdout = append(stdout, in.Content()...)
			case fcgi.TypeEndRequest:
				in.Advance()
				return parseHTTPResponse(stdout)
			}
			in.Advance()
		}

		in.Compact()
		if in.BufFull() {
			return nil, fmt.Errorf("fcgiclient: response exceeded inbound buffer capacity")
		}
		n, err := conn.conn.Read(in.FreeRegion())
		if err != nil {
			return nil, fmt.Errorf("could not read response: %w", err)
		}
		in.Transferred(n)
	}
}

func parseHTTPResponse(stdout []byte) (*http.Response, error) {
	raw := append([]byte("HTTP/1.0 200 OK\r\n"), stdout...)

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("could not parse response: %w", err)
	}

	if status := resp.Header.Get("Status"); status != "" {
		resp.Status = status
		parts := strings.SplitN(status, " ", 2)
		code, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("could not parse status code %q: %w", status, err)
		}
		resp.StatusCode = code
	}

	return resp, nil
}
