// Package fcgitest builds literal FastCGI byte streams for tests, so
// the wire-format scenarios in the specification can be expressed once
// and reused across the codec, aggregator and connection-driver tests.
package fcgitest

import "encoding/binary"

const (
	Version1 = 1

	TypeBeginRequest byte = 1
	TypeAbortRequest byte = 2
	TypeEndRequest   byte = 3
	TypeParams       byte = 4
	TypeStdin        byte = 5
	TypeStdout       byte = 6

	RoleResponder uint16 = 1

	FlagKeepConn byte = 1
)

func header(typ byte, requestID uint16, contentLen int, padLen int) []byte {
	h := make([]byte, 8)
	h[0] = Version1
	h[1] = typ
	binary.BigEndian.PutUint16(h[2:4], requestID)
	binary.BigEndian.PutUint16(h[4:6], uint16(contentLen))
	h[6] = byte(padLen)
	h[7] = 0
	return h
}

// Record builds one complete record (header, content, zero padding to
// the next multiple of 8) for typ/requestID/content.
func Record(typ byte, requestID uint16, content []byte) []byte {
	padLen := (8 - (len(content) % 8)) % 8
	out := append(header(typ, requestID, len(content), padLen), content...)
	out = append(out, make([]byte, padLen)...)
	return out
}

// BeginRequest builds a BEGIN_REQUEST record.
func BeginRequest(requestID uint16, role uint16, flags byte) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:2], role)
	body[2] = flags
	return Record(TypeBeginRequest, requestID, body)
}

// Param encodes one name/value pair using the short (≤127 byte) length
// form used throughout these fixtures.
func Param(name, value string) []byte {
	out := []byte{byte(len(name)), byte(len(value))}
	out = append(out, name...)
	out = append(out, value...)
	return out
}

// Params builds a non-empty PARAMS record from a sequence of encoded
// pairs (see Param).
func Params(requestID uint16, pairs ...[]byte) []byte {
	var content []byte
	for _, p := range pairs {
		content = append(content, p...)
	}
	return Record(TypeParams, requestID, content)
}

// EmptyParams builds the zero-content PARAMS record that terminates the
// parameter stream.
func EmptyParams(requestID uint16) []byte {
	return Record(TypeParams, requestID, nil)
}

// Stdin builds a non-empty STDIN record.
func Stdin(requestID uint16, data []byte) []byte {
	return Record(TypeStdin, requestID, data)
}

// EmptyStdin builds the zero-content STDIN record that publishes the
// request.
func EmptyStdin(requestID uint16) []byte {
	return Record(TypeStdin, requestID, nil)
}

// Concat joins byte slices, convenient for building a literal inbound
// stream out of several records.
func Concat(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
