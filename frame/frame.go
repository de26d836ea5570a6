// Package frame decodes the three nested binary headers that make up one
// NOAAPort Broadcast System frame: the Frame Header (FH), the
// Product-Definition Header (PDH), and the Product-Specific Header (PSH).
//
// All multi-byte fields are big-endian. Decoding is liberal: callers get a
// structural error only when a header is impossible to interpret, never on
// a merely surprising-but-decodable value (see package-level Design Notes
// in the module's SPEC_FULL.md).
package frame

import (
	"encoding/binary"
	"errors"
)

// Fixed sizes, in bytes.
const (
	FHSize    = 16
	PDHMinLen = 16
	PSHMinLen = 32
	PSHMaxLen = 48
)

// SBN commands.
const (
	CmdData = 3
	CmdSync = 5
	CmdTest = 10
)

// Sentinel byte that opens every Frame Header.
const Sentinel = 0xFF

// PDH trans_type bit flags.
const (
	TransStart      = 0x01
	TransInProgress = 0x02
	TransEnd        = 0x04
	TransError      = 0x08
	TransCompressed = 0x10
	TransAbort      = 0x20
)

// Product types carried in the PSH.
const (
	ProdGOESEast = iota + 1
	ProdGOESWest
	ProdNESDISNonGOES
	ProdNOAAPortOpt
	ProdNWSTG
	ProdNEXRAD
)

var (
	// ErrBadSentinel reports that byte 0 of a candidate FH is not 0xFF.
	ErrBadSentinel = errors.New("frame: bad sentinel byte")
	// ErrBadChecksum reports that the FH checksum does not match bytes 0..13.
	ErrBadChecksum = errors.New("frame: bad FH checksum")
	// ErrBadLength reports a structurally invalid sbn_length, pdh_length, or psh length.
	ErrBadLength = errors.New("frame: bad header length")
	// ErrBadCommand reports an sbn_command outside {3, 5, 10}.
	ErrBadCommand = errors.New("frame: bad sbn_command")
	// ErrBadVersion reports a PDH version other than 1.
	ErrBadVersion = errors.New("frame: bad PDH version")
	// ErrShortBuffer reports that fewer bytes were supplied than a header requires.
	ErrShortBuffer = errors.New("frame: short buffer")
	// ErrBounds reports data_offset+data_size exceeding the frame or buffer.
	ErrBounds = errors.New("frame: header/data bounds violation")
)

// Header is the 16-byte Frame Header.
type Header struct {
	HDLCAddress   byte
	HDLCControl   byte
	Version       byte
	SBNLength     int // decoded, already ×4
	Control       byte
	Command       byte
	DataStream    byte
	Source        byte
	Destination   byte
	SequenceNum   uint32
	Run           uint16
	Checksum      uint16
}

// DecodeHeader validates and decodes a 16-byte Frame Header from buf.
// buf must be at least FHSize bytes; only the first FHSize are consulted.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < FHSize {
		return h, ErrShortBuffer
	}
	if buf[0] != Sentinel {
		return h, ErrBadSentinel
	}
	h.HDLCAddress = buf[0]
	h.HDLCControl = buf[1]
	h.Version = buf[2] >> 4
	h.SBNLength = int(buf[2]&0x0f) * 4
	if h.SBNLength != FHSize {
		return h, ErrBadLength
	}
	h.Control = buf[3]
	h.Command = buf[4]
	switch h.Command {
	case CmdData, CmdSync, CmdTest:
	default:
		return h, ErrBadCommand
	}
	h.DataStream = buf[5]
	h.Source = buf[6]
	h.Destination = buf[7]
	h.SequenceNum = binary.BigEndian.Uint32(buf[8:12])
	h.Run = binary.BigEndian.Uint16(buf[12:14])
	h.Checksum = binary.BigEndian.Uint16(buf[14:16])

	if sum(buf[:14]) != h.Checksum {
		return h, ErrBadChecksum
	}
	return h, nil
}

// sum computes the unsigned sum of b modulo 2^16, per the FH checksum rule.
func sum(b []byte) uint16 {
	var s uint32
	for _, c := range b {
		s += uint32(c)
	}
	return uint16(s & 0xffff)
}

// IsNext reports whether curr legally follows prev, per the run/sequence
// continuity rule: either the run is unchanged and the sequence number
// advances by one (mod 2^32), or the run advances by one (mod 2^16) and
// the sequence number resets to zero. The (run+1, 0) form is treated as
// the successor of (run, 2^32-1) — the resolution spec.md's Design Notes
// direct, consistent with the dispatcher's own block-number wrap logic.
func IsNext(prev, curr Header) bool {
	sameRun := curr.Run == prev.Run && curr.SequenceNum == prev.SequenceNum+1
	wrapRun := curr.Run == prev.Run+1 && curr.SequenceNum == 0
	return sameRun || wrapRun
}

// ProductDefHeader is the Product-Definition Header, >= 16 bytes.
type ProductDefHeader struct {
	Version         byte
	PDHLength       int
	TransType       byte
	TotalHeaderSize int
	BlockNum        uint16
	// DataOffset is stored and used as an absolute byte offset from the
	// start of the frame (FH included), not from the start of this PDH,
	// matching how transport.dataBytes slices fr.Bytes and how DecodePDH
	// checks the data_offset+data_size <= frame_size bound.
	DataOffset      int
	DataSize        int
	RecsPerBlock    byte
	BlocksPerRec    byte
	ProdSeqNum      uint32
}

// PSHLength returns the length of the Product-Specific Header implied by
// this PDH: total_header_size - pdh_length. Zero means no PSH present.
func (p ProductDefHeader) PSHLength() int {
	n := p.TotalHeaderSize - p.PDHLength
	if n < 0 {
		return 0
	}
	return n
}

func (p ProductDefHeader) StartOfProduct() bool  { return p.TransType&TransStart != 0 }
func (p ProductDefHeader) InProgress() bool      { return p.TransType&TransInProgress != 0 }
func (p ProductDefHeader) EndOfProduct() bool    { return p.TransType&TransEnd != 0 }
func (p ProductDefHeader) ProductError() bool    { return p.TransType&TransError != 0 }
func (p ProductDefHeader) Compressed() bool      { return p.TransType&TransCompressed != 0 }
func (p ProductDefHeader) Aborted() bool         { return p.TransType&TransAbort != 0 }

// DecodePDH decodes a Product-Definition Header from buf, which must start
// immediately after the FH. frameSize is the full frame size used for the
// data_offset+data_size bounds check.
func DecodePDH(buf []byte, frameSize int) (ProductDefHeader, error) {
	var p ProductDefHeader
	if len(buf) < PDHMinLen {
		return p, ErrShortBuffer
	}
	p.Version = buf[0] >> 4
	if p.Version != 1 {
		return p, ErrBadVersion
	}
	p.PDHLength = int(buf[0]&0x0f) * 4
	if p.PDHLength < PDHMinLen {
		return p, ErrBadLength
	}
	p.TransType = buf[1]
	p.TotalHeaderSize = int(binary.BigEndian.Uint16(buf[2:4]))
	if p.TotalHeaderSize < p.PDHLength {
		return p, ErrBadLength
	}
	p.BlockNum = binary.BigEndian.Uint16(buf[4:6])
	p.DataOffset = int(binary.BigEndian.Uint16(buf[6:8]))
	p.DataSize = int(binary.BigEndian.Uint16(buf[8:10]))
	p.RecsPerBlock = buf[10]
	p.BlocksPerRec = buf[11]
	p.ProdSeqNum = binary.BigEndian.Uint32(buf[12:16])

	if p.DataOffset+p.DataSize > frameSize {
		return p, ErrBounds
	}
	return p, nil
}

// NCFTimestamp mirrors the NCF timing fields carried in the PSH.
type NCFTimestamp struct {
	Year, Month, Day   uint16
	Hour, Minute, Second uint16
}

// ProductSpecificHeader is the Product-Specific Header, 32-48 bytes.
type ProductSpecificHeader struct {
	OptFieldLength int
	Flag           byte
	DataLength     int
	BytesPerRec    int
	ProdType       byte
	ProdCategory   byte
	ProdCode       uint16
	NumFragments   int // -1 means "unknown" (wire value > INT16_MAX)
	ProdSeqNum     uint32
	Received       NCFTimestamp
	Created        NCFTimestamp
}

// DecodePSH decodes a Product-Specific Header from buf. length is the
// PSH length declared by the owning PDH (32-48 bytes expected, but any
// length >= PSHMinLen is accepted liberally).
func DecodePSH(buf []byte, length int) (ProductSpecificHeader, error) {
	var s ProductSpecificHeader
	if length < PSHMinLen {
		return s, ErrBadLength
	}
	if len(buf) < length {
		return s, ErrShortBuffer
	}
	s.OptFieldLength = int(buf[0])
	s.Flag = buf[1]
	s.DataLength = int(binary.BigEndian.Uint16(buf[2:4]))
	s.BytesPerRec = int(binary.BigEndian.Uint16(buf[4:6]))
	s.ProdType = buf[6]
	s.ProdCategory = buf[7]
	s.ProdCode = binary.BigEndian.Uint16(buf[8:10])

	rawFrag := int16(binary.BigEndian.Uint16(buf[10:12]))
	if rawFrag < 0 {
		s.NumFragments = -1
	} else {
		s.NumFragments = int(rawFrag)
	}

	s.ProdSeqNum = binary.BigEndian.Uint32(buf[12:16])

	if length >= 32 {
		s.Received = decodeTimestamp(buf[16:22])
	}
	if length >= 38 {
		s.Created = decodeTimestamp(buf[22:28])
	}
	return s, nil
}

func decodeTimestamp(b []byte) NCFTimestamp {
	var t NCFTimestamp
	if len(b) < 6 {
		return t
	}
	t.Year = binary.BigEndian.Uint16(b[0:2]) >> 9
	t.Hour = binary.BigEndian.Uint16(b[2:4]) >> 11
	t.Minute = binary.BigEndian.Uint16(b[2:4]) & 0x3f
	t.Second = binary.BigEndian.Uint16(b[4:6]) >> 10
	return t
}
