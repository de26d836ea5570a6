package reader

import (
	"encoding/binary"
	"testing"

	"github.com/Unidata/nbs"
	"github.com/Unidata/nbs/frame"
	"github.com/Unidata/nbs/source"
	"github.com/stretchr/testify/require"
)

func sum(b []byte) uint16 {
	var s uint32
	for _, c := range b {
		s += uint32(c)
	}
	return uint16(s & 0xffff)
}

func encodeFH(command byte, seq uint32, run uint16) []byte {
	b := make([]byte, frame.FHSize)
	b[0] = frame.Sentinel
	b[1] = 0
	b[2] = 0x10 | byte(frame.FHSize/4) // version 1, sbn_length/4
	b[3] = 0
	b[4] = command
	b[5] = 0
	b[6] = 0
	b[7] = 0
	binary.BigEndian.PutUint32(b[8:12], seq)
	binary.BigEndian.PutUint16(b[12:14], run)
	cs := sum(b[:14])
	binary.BigEndian.PutUint16(b[14:16], cs)
	return b
}

func encodePDH(dataSize int) []byte {
	b := make([]byte, frame.PDHMinLen)
	b[0] = 0x10 | byte(frame.PDHMinLen/4) // version 1, pdh_length/4
	b[1] = frame.TransStart | frame.TransEnd
	binary.BigEndian.PutUint16(b[2:4], uint16(frame.PDHMinLen)) // total_header_size
	binary.BigEndian.PutUint16(b[4:6], 1)                       // block_num
	binary.BigEndian.PutUint16(b[6:8], 0)                       // data_offset
	binary.BigEndian.PutUint16(b[8:10], uint16(dataSize))
	b[10] = 1
	b[11] = 1
	binary.BigEndian.PutUint32(b[12:16], 1) // prod_seq_num
	return b
}

func dataFrameBytes(seq uint32, run uint16, payload []byte) []byte {
	fh := encodeFH(frame.CmdData, seq, run)
	pdh := encodePDH(len(payload))
	out := append([]byte{}, fh...)
	out = append(out, pdh...)
	out = append(out, payload...)
	return out
}

func TestReaderLeadingGarbageThenValidFrame(t *testing.T) {
	payload := []byte("hello product data")
	good := dataFrameBytes(1, 1, payload)
	stream := append([]byte{0x01, 0x02, 0xAB}, good...)

	src := source.NewFake(stream, 7)
	r := New(src, 4096, nil)

	fr, err := r.Next()
	require.NoError(t, err)
	require.True(t, fr.HasPDH)
	require.Equal(t, frame.CmdData, fr.FH.Command)
	require.Equal(t, payload, fr.Bytes[frame.FHSize+frame.PDHMinLen:])
}

func TestReaderBadChecksumThenResync(t *testing.T) {
	payload := []byte("second product")
	good := dataFrameBytes(5, 2, payload)

	bad := append([]byte{}, good...)
	// Corrupt a byte inside the checksummed region without touching the
	// sentinel, so DecodeHeader sees a bad checksum rather than a bad
	// sentinel.
	bad = dataFrameBytes(5, 2, payload)
	bad[5] ^= 0xFF
	// Recompute nothing: leave the checksum field stale so it now
	// mismatches bytes[:14].

	stream := append(bad, good...)
	src := source.NewFake(stream, 9)
	r := New(src, 4096, nil)

	fr, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, payload, fr.Bytes[frame.FHSize+frame.PDHMinLen:])
}

func TestReaderSyncFrame(t *testing.T) {
	fh := encodeFH(frame.CmdSync, 0, 0)
	tch := make([]byte, TCHSize)
	for i := range tch {
		tch[i] = byte(i)
	}
	stream := append(fh, tch...)

	src := source.NewFake(stream, 5)
	r := New(src, 4096, nil)

	fr, err := r.Next()
	require.NoError(t, err)
	require.False(t, fr.HasPDH)
	require.Len(t, fr.Bytes, frame.FHSize+TCHSize)
}

func TestReaderEOFIsTerminal(t *testing.T) {
	src := source.NewFake(nil, 1)
	r := New(src, 4096, nil)

	_, err := r.Next()
	require.Error(t, err)
}

func TestReaderCapacityExceeded(t *testing.T) {
	payload := make([]byte, 200)
	good := dataFrameBytes(1, 1, payload)

	src := source.NewFake(good, 64)
	r := New(src, 32, nil) // maxFrame smaller than the declared data_size

	_, err := r.Next()
	require.Error(t, err)
	var nerr *nbs.Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, nbs.Logic, nerr.Kind)
}
