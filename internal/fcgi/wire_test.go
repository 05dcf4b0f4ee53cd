package fcgi

import (
	"bytes"
	"testing"

	"gophpfpm/internal/fcgi/fcgitest"
)

func TestInboundBuffer_CanReadAndAdvance(t *testing.T) {
	in := NewInboundBuffer()
	rec := fcgitest.BeginRequest(1, fcgitest.RoleResponder, 0)

	if in.CanRead() {
		t.Fatalf("CanRead true on empty buffer")
	}

	n := copy(in.FreeRegion(), rec)
	in.Transferred(n)

	if !in.CanRead() {
		t.Fatalf("CanRead false once a full record has arrived")
	}
	if in.Version() != Version1 {
		t.Fatalf("Version = %d, want 1", in.Version())
	}
	if in.Type() != TypeBeginRequest {
		t.Fatalf("Type = %d, want %d", in.Type(), TypeBeginRequest)
	}
	if in.RequestID() != 1 {
		t.Fatalf("RequestID = %d, want 1", in.RequestID())
	}
	if in.Role() != fcgitest.RoleResponder {
		t.Fatalf("Role = %d, want %d", in.Role(), fcgitest.RoleResponder)
	}

	in.Advance()
	if in.CanRead() {
		t.Fatalf("CanRead true after consuming the only record")
	}
}

func TestInboundBuffer_CompactIsNoopAtZero(t *testing.T) {
	in := NewInboundBuffer()
	rec := fcgitest.EmptyStdin(1)
	n := copy(in.FreeRegion(), rec)
	in.Transferred(n)

	before := append([]byte(nil), in.buf[:in.len]...)
	in.Compact()
	if !bytes.Equal(before, in.buf[:in.len]) {
		t.Fatalf("Compact mutated bytes when idx was already 0")
	}
}

func TestInboundBuffer_CompactPreservesBytes(t *testing.T) {
	in := NewInboundBuffer()
	first := fcgitest.EmptyParams(1)
	second := fcgitest.EmptyStdin(1)
	n := copy(in.FreeRegion(), fcgitest.Concat(first, second))
	in.Transferred(n)

	in.Advance() // consume first, idx now > 0
	remaining := append([]byte(nil), in.buf[in.idx:in.idx+in.len]...)

	in.Compact()
	if in.idx != 0 {
		t.Fatalf("idx = %d after Compact, want 0", in.idx)
	}
	if !bytes.Equal(remaining, in.buf[:in.len]) {
		t.Fatalf("Compact did not preserve byte identity")
	}
}

func TestDecodeParams_ShortNameLengthBoundary(t *testing.T) {
	name := bytes.Repeat([]byte("a"), 127) // 0x7F, high bit clear
	content := append([]byte{127, 1}, append(name, 'v')...)

	pairs, err := decodeParams(content)
	if err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if len(pairs[0].Name) != 127 {
		t.Fatalf("name length = %d, want 127 (1-byte form, not 4-byte)", len(pairs[0].Name))
	}
}

func TestDecodeParams_RoundTrip(t *testing.T) {
	in := NewInboundBuffer()
	rec := fcgitest.Params(1, fcgitest.Param("FOO", "bar!"), fcgitest.Param("", ""))
	n := copy(in.FreeRegion(), rec)
	in.Transferred(n)

	pairs, err := in.DecodeParams()
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if string(pairs[0].Name) != "FOO" || string(pairs[0].Value) != "bar!" {
		t.Fatalf("pair 0 = %q=%q, want FOO=bar!", pairs[0].Name, pairs[0].Value)
	}
	if len(pairs[1].Name) != 0 || len(pairs[1].Value) != 0 {
		t.Fatalf("pair 1 should round-trip empty name/value exactly")
	}
}

func TestWriteStdout_ChunkBoundary(t *testing.T) {
	out := NewOutboundBuffer()

	exact := bytes.Repeat([]byte{'x'}, maxStdoutChunk)
	if !out.WriteStdout(1, exact) {
		t.Fatalf("WriteStdout failed for exact chunk size")
	}
	if out.len != headerLen+maxStdoutChunk {
		t.Fatalf("encoded len = %d, want %d (zero padding)", out.len, headerLen+maxStdoutChunk)
	}

	out2 := NewOutboundBuffer()
	oneMore := bytes.Repeat([]byte{'x'}, maxStdoutChunk+1)
	if !out2.WriteStdout(1, oneMore) {
		t.Fatalf("WriteStdout failed for chunk size + 1")
	}
	// First record: maxStdoutChunk bytes, zero padding. Second record: 1
	// byte content, 7 bytes padding.
	want := headerLen + maxStdoutChunk + headerLen + alignUp8(1)
	if out2.len != want {
		t.Fatalf("encoded len = %d, want %d (two records)", out2.len, want)
	}
}

func TestWriteStdout_ConcatenationRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte{'a', 'b', 'c'}, 40000) // > one chunk
	out := NewOutboundBuffer()
	if !out.WriteStdout(7, payload) {
		t.Fatalf("WriteStdout failed")
	}

	in := NewInboundBuffer()
	n := copy(in.FreeRegion(), out.Buf())
	in.Transferred(n)

	var got []byte
	for in.CanRead() {
		if in.Type() != TypeStdout || in.RequestID() != 7 {
			t.Fatalf("unexpected record type=%d id=%d", in.Type(), in.RequestID())
		}
		got = append(got, in.Content()...)
		in.Advance()
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped payload does not match original")
	}
}

func TestWriteStdout_NoRoomFailsWithoutMutating(t *testing.T) {
	out := NewOutboundBuffer()
	huge := make([]byte, OutboundCapacity+1)
	if out.WriteStdout(1, huge) {
		t.Fatalf("WriteStdout should fail when payload exceeds capacity")
	}
	if out.len != 0 {
		t.Fatalf("failed WriteStdout must not mutate the buffer, len = %d", out.len)
	}
}

func TestWriteEndRequest_RoundTrip(t *testing.T) {
	out := NewOutboundBuffer()
	if !out.WriteEndRequest(42, 0xdeadbeef) {
		t.Fatalf("WriteEndRequest failed")
	}

	in := NewInboundBuffer()
	n := copy(in.FreeRegion(), out.Buf())
	in.Transferred(n)

	if !in.CanRead() {
		t.Fatalf("encoded END_REQUEST did not decode as a complete record")
	}
	if in.Type() != TypeEndRequest {
		t.Fatalf("Type = %d, want %d", in.Type(), TypeEndRequest)
	}
	if in.RequestID() != 42 {
		t.Fatalf("RequestID = %d, want 42", in.RequestID())
	}
	content := in.Content()
	appStatus := uint32(content[0])<<24 | uint32(content[1])<<16 | uint32(content[2])<<8 | uint32(content[3])
	if appStatus != 0xdeadbeef {
		t.Fatalf("appStatus = %#x, want %#x", appStatus, 0xdeadbeef)
	}
	if content[4] != StatusRequestComplete {
		t.Fatalf("protocolStatus = %d, want %d", content[4], StatusRequestComplete)
	}
}

func TestOutboundBuffer_TransferredConsumesPrefix(t *testing.T) {
	out := NewOutboundBuffer()
	out.WriteEndStdout(1)
	out.WriteEndRequest(1, 0)
	full := append([]byte(nil), out.Buf()...)

	out.Transferred(8) // consume the end-stdout record exactly
	if !bytes.Equal(out.Buf(), full[8:]) {
		t.Fatalf("Transferred did not consume exactly the first n bytes")
	}
}

func TestAlignUp8(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 65528: 65528, 65529: 65536}
	for in, want := range cases {
		if got := alignUp8(in); got != want {
			t.Errorf("alignUp8(%d) = %d, want %d", in, got, want)
		}
	}
}
