package frame

import (
	"encoding/binary"
	"testing"
)

// encodeHeader is the test-only mirror of DecodeHeader, used to build
// synthetic frames for round-trip checks.
func encodeHeader(h Header) []byte {
	buf := make([]byte, FHSize)
	buf[0] = Sentinel
	buf[1] = h.HDLCControl
	buf[2] = (h.Version << 4) | byte(FHSize/4)
	buf[3] = h.Control
	buf[4] = h.Command
	buf[5] = h.DataStream
	buf[6] = h.Source
	buf[7] = h.Destination
	binary.BigEndian.PutUint32(buf[8:12], h.SequenceNum)
	binary.BigEndian.PutUint16(buf[12:14], h.Run)
	cksum := sum(buf[:14])
	binary.BigEndian.PutUint16(buf[14:16], cksum)
	return buf
}

func TestDecodeHeaderRoundTrip(t *testing.T) {
	want := Header{
		Version:     1,
		Command:     CmdData,
		DataStream:  2,
		Source:      3,
		Destination: 4,
		SequenceNum: 0xdeadbeef,
		Run:         0x1234,
	}
	buf := encodeHeader(want)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.SequenceNum != want.SequenceNum || got.Run != want.Run || got.Command != want.Command {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeHeaderBadSentinel(t *testing.T) {
	buf := encodeHeader(Header{Command: CmdData})
	buf[0] = 0x00
	if _, err := DecodeHeader(buf); err != ErrBadSentinel {
		t.Fatalf("got %v, want ErrBadSentinel", err)
	}
}

func TestDecodeHeaderBadChecksum(t *testing.T) {
	buf := encodeHeader(Header{Command: CmdData})
	buf[15] ^= 0xff
	if _, err := DecodeHeader(buf); err != ErrBadChecksum {
		t.Fatalf("got %v, want ErrBadChecksum", err)
	}
}

func TestDecodeHeaderBadCommand(t *testing.T) {
	buf := encodeHeader(Header{Command: 99})
	if _, err := DecodeHeader(buf); err != ErrBadCommand {
		t.Fatalf("got %v, want ErrBadCommand", err)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 10)); err != ErrShortBuffer {
		t.Fatalf("got %v, want ErrShortBuffer", err)
	}
}

func TestIsNextSameRun(t *testing.T) {
	prev := Header{Run: 7, SequenceNum: 100}
	curr := Header{Run: 7, SequenceNum: 101}
	if !IsNext(prev, curr) {
		t.Fatal("expected same-run continuity to hold")
	}
}

func TestIsNextRunWrap(t *testing.T) {
	prev := Header{Run: 7, SequenceNum: 0xffffffff}
	curr := Header{Run: 8, SequenceNum: 0}
	if !IsNext(prev, curr) {
		t.Fatal("expected (run+1, 0) to be accepted as the successor of (run, 2^32-1)")
	}
}

func TestIsNextDiscontinuity(t *testing.T) {
	prev := Header{Run: 7, SequenceNum: 100}
	curr := Header{Run: 9, SequenceNum: 0}
	if IsNext(prev, curr) {
		t.Fatal("expected discontinuity to be detected")
	}
}

func encodePDH(p ProductDefHeader) []byte {
	buf := make([]byte, PDHMinLen)
	buf[0] = (1 << 4) | byte(PDHMinLen/4)
	buf[1] = p.TransType
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.TotalHeaderSize))
	binary.BigEndian.PutUint16(buf[4:6], p.BlockNum)
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.DataOffset))
	binary.BigEndian.PutUint16(buf[8:10], uint16(p.DataSize))
	buf[10] = p.RecsPerBlock
	buf[11] = p.BlocksPerRec
	binary.BigEndian.PutUint32(buf[12:16], p.ProdSeqNum)
	return buf
}

func TestDecodePDHRoundTrip(t *testing.T) {
	want := ProductDefHeader{
		TransType:       TransStart | TransCompressed,
		TotalHeaderSize: PDHMinLen,
		BlockNum:        3,
		DataOffset:      PDHMinLen,
		DataSize:        10,
		ProdSeqNum:      42,
	}
	buf := encodePDH(want)
	got, err := DecodePDH(buf, PDHMinLen+10)
	if err != nil {
		t.Fatalf("DecodePDH: %v", err)
	}
	if got.ProdSeqNum != want.ProdSeqNum || got.BlockNum != want.BlockNum {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, want)
	}
	if !got.StartOfProduct() || !got.Compressed() {
		t.Fatal("expected start-of-product and compressed flags to survive round trip")
	}
}

func TestDecodePDHBoundsViolation(t *testing.T) {
	p := ProductDefHeader{TotalHeaderSize: PDHMinLen, DataOffset: PDHMinLen, DataSize: 1000}
	buf := encodePDH(p)
	if _, err := DecodePDH(buf, PDHMinLen+10); err != ErrBounds {
		t.Fatalf("got %v, want ErrBounds", err)
	}
}

func TestDecodePSHUnknownFragmentCount(t *testing.T) {
	buf := make([]byte, PSHMinLen)
	binary.BigEndian.PutUint16(buf[10:12], 0xffff) // encodes -1 (unknown)
	s, err := DecodePSH(buf, PSHMinLen)
	if err != nil {
		t.Fatalf("DecodePSH: %v", err)
	}
	if s.NumFragments != -1 {
		t.Fatalf("got %d, want -1 (unknown)", s.NumFragments)
	}
}

func TestDecodePSHTooShort(t *testing.T) {
	if _, err := DecodePSH(make([]byte, 10), 10); err != ErrBadLength {
		t.Fatalf("got %v, want ErrBadLength", err)
	}
}
