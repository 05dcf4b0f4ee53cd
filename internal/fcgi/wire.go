// Package fcgi implements the FastCGI responder wire protocol: record
// framing, request assembly, and the connection/runtime plumbing that
// drives them. See the FastCGI specification for the wire format this
// package speaks.
package fcgi

import (
	"encoding/binary"
	"fmt"
)

// Protocol version.
const Version1 = 1

// Record types. Only BeginRequest, Params, Stdin, Stdout and EndRequest
// are produced or consumed by this package; the others are recognized
// only so arrival can be reported as a protocol violation.
const (
	TypeBeginRequest    byte = 1
	TypeAbortRequest    byte = 2
	TypeEndRequest      byte = 3
	TypeParams          byte = 4
	TypeStdin           byte = 5
	TypeStdout          byte = 6
	TypeStderr          byte = 7
	TypeData            byte = 8
	TypeGetValues       byte = 9
	TypeGetValuesResult byte = 10
	TypeUnknownType     byte = 11
)

// Roles carried in FCGI_BEGIN_REQUEST. Only RoleResponder is honored;
// the others are recorded on the Request but otherwise ignored.
const (
	RoleResponder  uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter     uint16 = 3
)

// FlagKeepConn is bit 0 of the BeginRequest flags byte.
const FlagKeepConn byte = 1

// Protocol status values carried in FCGI_END_REQUEST.
const (
	StatusRequestComplete byte = 0
	StatusCantMultiplex   byte = 1
	StatusOverloaded      byte = 2
	StatusUnknownRole     byte = 3
)

const headerLen = 8

// maxStdoutChunk is the largest content length written in a single
// FCGI_STDOUT record. It is a multiple of 8 so a full chunk never needs
// padding; only the final, short chunk of a payload does.
const maxStdoutChunk = 65528

// InboundCapacity is the fixed backing size of a connection's inbound
// buffer: 128 KiB times 8.
const InboundCapacity = 128 * 1024 * 8

// OutboundCapacity is the fixed backing size of a connection's outbound
// buffer.
const OutboundCapacity = 1024 * 1024

func alignUp8(n int) int {
	return (n + 7) &^ 7
}

// ParamPair is one name/value entry decoded from a PARAMS record. The
// slices may alias the inbound buffer and are valid only until the next
// Advance/Compact call; callers that need to keep the bytes must copy
// them (the aggregator copies them into the request as it parses each
// PARAMS record).
type ParamPair struct {
	Name  []byte
	Value []byte
}

// InboundBuffer accumulates raw bytes read from one connection and lets
// the codec classify and consume complete records from the front of it.
type InboundBuffer struct {
	buf []byte
	idx int
	len int
}

// NewInboundBuffer allocates a connection's inbound buffer.
func NewInboundBuffer() *InboundBuffer {
	return &InboundBuffer{buf: make([]byte, InboundCapacity)}
}

// CanRead reports whether a complete record (header, content and
// padding) is available at the front of the buffer.
func (b *InboundBuffer) CanRead() bool {
	if b.len < headerLen {
		return false
	}
	return b.len >= b.recordLen()
}

func (b *InboundBuffer) recordLen() int {
	return headerLen + int(b.ContentLength()) + int(b.PaddingLength())
}

// Version returns the version byte of the record at the front of the buffer.
func (b *InboundBuffer) Version() byte { return b.buf[b.idx] }

// Type returns the record type byte.
func (b *InboundBuffer) Type() byte { return b.buf[b.idx+1] }

// RequestID returns the record's 16-bit request id.
func (b *InboundBuffer) RequestID() uint16 {
	return binary.BigEndian.Uint16(b.buf[b.idx+2 : b.idx+4])
}

// ContentLength returns the record's 16-bit content length.
func (b *InboundBuffer) ContentLength() uint16 {
	return binary.BigEndian.Uint16(b.buf[b.idx+4 : b.idx+6])
}

// PaddingLength returns the record's 8-bit padding length.
func (b *InboundBuffer) PaddingLength() byte { return b.buf[b.idx+6] }

// Role interprets the content of a BEGIN_REQUEST record as a
// FCGI_BeginRequestBody and returns the role field.
func (b *InboundBuffer) Role() uint16 {
	start := b.idx + headerLen
	return binary.BigEndian.Uint16(b.buf[start : start+2])
}

// Flags interprets the content of a BEGIN_REQUEST record and returns
// the flags byte.
func (b *InboundBuffer) Flags() byte {
	return b.buf[b.idx+headerLen+2]
}

// Content returns the content region of the record at the front of the
// buffer. The slice aliases the inbound buffer and is invalidated by
// Advance or Compact.
func (b *InboundBuffer) Content() []byte {
	start := b.idx + headerLen
	end := start + int(b.ContentLength())
	return b.buf[start:end]
}

// DecodeParams iterates the name/value pairs packed into the current
// record's content. Returned slices alias the inbound buffer.
func (b *InboundBuffer) DecodeParams() ([]ParamPair, error) {
	return decodeParams(b.Content())
}

func decodeParams(content []byte) ([]ParamPair, error) {
	var pairs []ParamPair
	i := 0
	for i < len(content) {
		nameLen, n, err := readPairLength(content[i:])
		if err != nil {
			return nil, err
		}
		i += n

		valLen, n, err := readPairLength(content[i:])
		if err != nil {
			return nil, err
		}
		i += n

		if i+nameLen+valLen > len(content) {
			return nil, fmt.Errorf("fcgi: truncated name-value pair")
		}
		name := content[i : i+nameLen]
		i += nameLen
		value := content[i : i+valLen]
		i += valLen

		pairs = append(pairs, ParamPair{Name: name, Value: value})
	}
	return pairs, nil
}

// readPairLength decodes one name/value length field: one byte if the
// high bit is clear, else four big-endian bytes with the high bit of
// the first masked off.
func readPairLength(b []byte) (length int, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("fcgi: truncated name-value length")
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, nil
	}
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("fcgi: truncated name-value length")
	}
	v := binary.BigEndian.Uint32(b[:4]) &^ (1 << 31)
	return int(v), 4, nil
}

// Advance drops the record at the front of the buffer.
func (b *InboundBuffer) Advance() {
	n := b.recordLen()
	b.idx += n
	b.len -= n
}

// Compact moves any unconsumed bytes to the start of the backing array.
// It is a no-op when idx is already 0.
func (b *InboundBuffer) Compact() {
	if b.idx == 0 {
		return
	}
	copy(b.buf, b.buf[b.idx:b.idx+b.len])
	b.idx = 0
}

// BufFull reports whether the buffer has no room left for further
// reads, meaning an advertised record can never fit.
func (b *InboundBuffer) BufFull() bool {
	return b.idx+b.len >= len(b.buf)
}

// FreeRegion returns the writable tail of the buffer that a read should
// land in.
func (b *InboundBuffer) FreeRegion() []byte {
	return b.buf[b.idx+b.len:]
}

// Transferred records that n freshly read bytes were appended past the
// current valid region.
func (b *InboundBuffer) Transferred(n int) {
	b.len += n
}

// OutboundBuffer stages encoded response records for one connection.
type OutboundBuffer struct {
	buf []byte
	len int
}

// NewOutboundBuffer allocates a connection's outbound buffer.
func NewOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{buf: make([]byte, OutboundCapacity)}
}

// IsEmpty reports whether there is nothing pending to write.
func (b *OutboundBuffer) IsEmpty() bool { return b.len == 0 }

// Buf returns the pending bytes, borrowed from the internal buffer.
func (b *OutboundBuffer) Buf() []byte { return b.buf[:b.len] }

// Snapshot returns a copy of the pending bytes, safe to hand to a
// writer while further encode calls keep appending under the lock.
func (b *OutboundBuffer) Snapshot() []byte {
	out := make([]byte, b.len)
	copy(out, b.buf[:b.len])
	return out
}

func (b *OutboundBuffer) remaining() int {
	return len(b.buf) - b.len
}

func (b *OutboundBuffer) appendRecord(typ byte, requestID uint16, content []byte) {
	padLen := alignUp8(len(content)) - len(content)
	total := headerLen + len(content) + padLen

	dst := b.buf[b.len : b.len+total]
	dst[0] = Version1
	dst[1] = typ
	binary.BigEndian.PutUint16(dst[2:4], requestID)
	binary.BigEndian.PutUint16(dst[4:6], uint16(len(content)))
	dst[6] = byte(padLen)
	dst[7] = 0
	copy(dst[headerLen:], content)
	// padding bytes are skipped over, not necessarily zeroed
	b.len += total
}

// WriteStdout splits payload into records of at most maxStdoutChunk
// content bytes and appends them. It returns false, mutating nothing,
// if the encoded bytes would not fit in the remaining capacity.
func (b *OutboundBuffer) WriteStdout(requestID uint16, payload []byte) bool {
	needed := 0
	for off := 0; off < len(payload); off += maxStdoutChunk {
		end := off + maxStdoutChunk
		if end > len(payload) {
			end = len(payload)
		}
		chunkLen := end - off
		needed += headerLen + alignUp8(chunkLen)
	}
	if needed > b.remaining() {
		return false
	}

	for off := 0; off < len(payload); off += maxStdoutChunk {
		end := off + maxStdoutChunk
		if end > len(payload) {
			end = len(payload)
		}
		b.appendRecord(TypeStdout, requestID, payload[off:end])
	}
	return true
}

// WriteEndStdout appends the zero-content STDOUT record that
// terminates the output stream.
func (b *OutboundBuffer) WriteEndStdout(requestID uint16) bool {
	if headerLen > b.remaining() {
		return false
	}
	b.appendRecord(TypeStdout, requestID, nil)
	return true
}

// WriteEndRequest appends an END_REQUEST record reporting appStatus and
// StatusRequestComplete.
func (b *OutboundBuffer) WriteEndRequest(requestID uint16, appStatus uint32) bool {
	const bodyLen = 8
	if headerLen+bodyLen > b.remaining() {
		return false
	}
	var body [bodyLen]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = StatusRequestComplete
	b.appendRecord(TypeEndRequest, requestID, body[:])
	return true
}

// Transferred consumes the first n bytes of pending output, after the
// connection driver has flushed them to the socket.
func (b *OutboundBuffer) Transferred(n int) {
	copy(b.buf, b.buf[n:b.len])
	b.len -= n
}
