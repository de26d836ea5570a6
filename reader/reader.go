// Package reader implements the Frame Reader: a state machine that turns
// a byte stream from a source.Source into a sequence of validated,
// frame-aligned byte ranges (spec.md §4.1).
//
// The state machine is laid out in spec.md's table as nine named states
// (Start, Synchronizing, SentinelSeen, DataFhSeen, PdhSeen, TimeFhSeen,
// OtherFhSeen, NextSentinelSeen, NextFhSeen). This implementation collapses
// them into a single Next() call that loops through the equivalent logic
// over one reusable buffer, following the teacher's readStream shape
// (internal.go): read a header, determine a payload length from it, read
// the payload, and reset — generalized here from one state transition to
// nine, and from a length-prefixed payload to a checksum-validated
// three-header stack.
package reader

import (
	"errors"
	"io"
	"math"
	"runtime"

	"code.hybscloud.com/iox"
	"github.com/Unidata/nbs"
	"github.com/Unidata/nbs/frame"
	"github.com/sirupsen/logrus"
	"github.com/Unidata/nbs/source"
)

// DefaultMaxFrame is the largest data_size this reader accepts, sized for
// the maximum practical UDP payload (spec.md §8: "a block of data_size =
// 65507 - headers").
const DefaultMaxFrame = 65507

// TCHSize is the expected size of the timing/sync payload following a
// sync-command (sbn_command == 5) Frame Header.
const TCHSize = 32

// Frame is one emitted, validated frame: its raw bytes (valid only until
// the next Next() call), the decoded Frame Header, and — for data frames
// — the decoded Product-Definition Header.
type Frame struct {
	Bytes  []byte
	FH     frame.Header
	PDH    frame.ProductDefHeader
	HasPDH bool
}

// Reader turns a source.Source into a sequence of Frames.
type Reader struct {
	src      source.Source
	log      *logrus.Logger
	buf      []byte
	n        int // valid bytes buffered at buf[0:n]
	maxFrame int
	warned   bool // throttles warnings to one per resync episode
}

// New constructs a Reader over src with the given maximum frame payload
// size. A nil logger disables logging.
func New(src source.Source, maxFrame int, log *logrus.Logger) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if log == nil {
		log = logrus.New()
		log.Out = io.Discard
	}
	return &Reader{
		src:      src,
		log:      log,
		buf:      make([]byte, maxFrame+frame.FHSize),
		maxFrame: maxFrame,
	}
}

// Next returns the next validated frame, resynchronizing past any garbage
// or malformed headers encountered along the way. It returns a
// *nbs.Error with Kind EOF or IO when the source is exhausted or failed,
// and Kind Logic (CapacityExceeded) if a declared frame size exceeds the
// reader's buffer.
func (r *Reader) Next() (Frame, error) {
	for {
		if err := r.sync(); err != nil {
			return Frame{}, err
		}
		fr, ok, err := r.decodeAtZero()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			r.warned = false
			return fr, nil
		}
		// decodeAtZero handled resynchronization internally; loop back to
		// hunt for the next sentinel.
	}
}

// sync ensures buf[0] holds the sentinel byte, discarding bytes before
// the first 0xFF and reading more data as needed (spec.md's
// Start/Synchronizing states).
func (r *Reader) sync() error {
	for {
		if r.n > 0 {
			if i := indexSentinel(r.buf[:r.n]); i >= 0 {
				if i > 0 {
					r.shiftLeft(i)
				}
				return nil
			}
			// No sentinel anywhere in the buffered bytes: all of it is
			// garbage. Drop it and read fresh data.
			r.n = 0
		}
		if err := r.fill(1); err != nil {
			return err
		}
	}
}

// decodeAtZero assumes buf[0] is the sentinel and attempts to decode and
// emit one full frame starting there. ok is false when the candidate
// header turned out to be invalid and the caller should resync and retry;
// in that case decodeAtZero has already advanced past the bad byte.
func (r *Reader) decodeAtZero() (Frame, bool, error) {
	if err := r.fill(frame.FHSize); err != nil {
		return Frame{}, false, err
	}
	fh, err := frame.DecodeHeader(r.buf[:frame.FHSize])
	if err != nil {
		r.warnOnce("bad frame header: %v", err)
		r.shiftLeft(1)
		return Frame{}, false, nil
	}

	switch fh.Command {
	case frame.CmdData:
		return r.decodeDataFrame(fh)
	case frame.CmdSync:
		return r.decodeSyncFrame(fh)
	default:
		return r.decodeOpaqueFrame(fh)
	}
}

// decodeDataFrame implements DataFhSeen -> PdhSeen -> emit.
func (r *Reader) decodeDataFrame(fh frame.Header) (Frame, bool, error) {
	if err := r.fill(frame.FHSize + frame.PDHMinLen); err != nil {
		return Frame{}, false, err
	}
	pdhBuf := r.buf[frame.FHSize : frame.FHSize+frame.PDHMinLen]
	// frameSize is not yet known, so DecodePDH gets no frame-size limit
	// here; data_offset/data_size are bounds-checked against the eventual
	// frame size once it is computed below.
	pdh, err := frame.DecodePDH(pdhBuf, math.MaxInt)
	if err != nil {
		r.warnOnce("bad PDH: %v", err)
		r.shiftLeft(1)
		return Frame{}, false, nil
	}

	frameSize := frame.FHSize + pdh.TotalHeaderSize + pdh.DataSize
	if frameSize > len(r.buf) {
		return Frame{}, false, nbs.NewError("reader.decodeDataFrame", nbs.Logic, errCapacityExceeded)
	}
	if pdh.DataOffset+pdh.DataSize > frameSize {
		r.warnOnce("PDH bounds violation: offset=%d size=%d frame=%d", pdh.DataOffset, pdh.DataSize, frameSize)
		r.shiftLeft(1)
		return Frame{}, false, nil
	}
	if err := r.fill(frameSize); err != nil {
		return Frame{}, false, err
	}

	out := Frame{Bytes: r.buf[:frameSize], FH: fh, PDH: pdh, HasPDH: true}
	r.shiftLeft(frameSize)
	return out, true, nil
}

// decodeSyncFrame implements TimeFhSeen: read the fixed-size timing
// payload and emit it with no PDH.
func (r *Reader) decodeSyncFrame(fh frame.Header) (Frame, bool, error) {
	total := frame.FHSize + TCHSize
	if total > len(r.buf) {
		return Frame{}, false, nbs.NewError("reader.decodeSyncFrame", nbs.Logic, errCapacityExceeded)
	}
	if err := r.fill(total); err != nil {
		return Frame{}, false, err
	}
	out := Frame{Bytes: r.buf[:total], FH: fh}
	r.shiftLeft(total)
	return out, true, nil
}

// decodeOpaqueFrame implements OtherFhSeen/NextSentinelSeen/NextFhSeen:
// the command is well-formed but carries no known payload shape (e.g. a
// test frame), so scan forward for the next plausible sentinel and treat
// everything before it as this frame's bytes.
func (r *Reader) decodeOpaqueFrame(fh frame.Header) (Frame, bool, error) {
	start := 1
	for {
		if r.n >= len(r.buf) {
			// Buffer exhausted without finding a next sentinel: give up on
			// this frame entirely and restart synchronization from scratch.
			r.n = 0
			return Frame{}, false, nil
		}
		if err := r.fill(start + 1); err != nil {
			if isRecoverableShortRead(err) {
				r.n = 0
				return Frame{}, false, nil
			}
			return Frame{}, false, err
		}
		rel := indexSentinel(r.buf[start:r.n])
		if rel < 0 {
			start = r.n
			if err := r.fill(start + 1); err != nil {
				if isRecoverableShortRead(err) {
					r.n = 0
					return Frame{}, false, nil
				}
				return Frame{}, false, err
			}
			continue
		}
		cand := start + rel
		if err := r.fill(cand + frame.FHSize); err != nil {
			if isRecoverableShortRead(err) {
				// Not enough data yet to vet the candidate; treat
				// everything up to it as this opaque frame and let the
				// next Next() call resynchronize from cand.
				out := Frame{Bytes: r.buf[:cand], FH: fh}
				r.shiftLeft(cand)
				return out, true, nil
			}
			return Frame{}, false, err
		}
		if _, err := frame.DecodeHeader(r.buf[cand : cand+frame.FHSize]); err != nil {
			start = cand + 1
			continue
		}
		out := Frame{Bytes: r.buf[:cand], FH: fh}
		r.shiftLeft(cand)
		return out, true, nil
	}
}

// errCapacityExceeded is the cause wrapped into a Kind-Logic *nbs.Error
// when a declared frame size exceeds the reader's buffer capacity.
var errCapacityExceeded = errors.New("reader: requested frame exceeds buffer capacity")

// isRecoverableShortRead reports whether err is the reader's own
// "ran out of buffer to vet a candidate header" signal, which is not a
// real source error and should not propagate as EOF/IO.
func isRecoverableShortRead(err error) bool {
	return errors.Is(err, errNeedMoreThanCapacity)
}

var errNeedMoreThanCapacity = errors.New("reader: need more bytes than buffer holds")

// fill ensures at least n bytes are buffered at buf[0:n], reading from the
// source as needed. It returns a terminal *nbs.Error (Kind EOF or IO) if
// the source ends or fails, or errNeedMoreThanCapacity if n exceeds the
// buffer's capacity (the caller decides whether that's recoverable).
func (r *Reader) fill(n int) error {
	if n > len(r.buf) {
		return errNeedMoreThanCapacity
	}
	for r.n < n {
		rn, eof, err := r.src.Read(r.buf[r.n:len(r.buf)])
		if rn > 0 {
			r.n += rn
		}
		if eof {
			// Any bytes already buffered in r.buf[0:r.n] are a trailing
			// partial frame; they are intentionally dropped rather than
			// surfaced, since there is no next read that could ever
			// complete them.
			return nbs.NewError("reader.fill", nbs.EOF, io.EOF)
		}
		if err != nil {
			if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
				runtime.Gosched()
				continue
			}
			return nbs.NewError("reader.fill", nbs.IO, err)
		}
	}
	return nil
}

// shiftLeft discards the first n bytes of the buffer, left-justifying the
// remainder (spec.md §9: "left-justify by memmove when a partial next-FH
// remains; do not resize").
func (r *Reader) shiftLeft(n int) {
	if n <= 0 {
		return
	}
	if n >= r.n {
		r.n = 0
		return
	}
	copy(r.buf, r.buf[n:r.n])
	r.n -= n
}

// indexSentinel returns the index of the first 0xFF byte in b, or -1.
func indexSentinel(b []byte) int {
	for i, c := range b {
		if c == frame.Sentinel {
			return i
		}
	}
	return -1
}

// warnOnce logs at most one warning per resync episode, per spec.md §7's
// throttling rule, resetting only once the reader emits a frame again.
func (r *Reader) warnOnce(format string, args ...any) {
	if r.warned {
		return
	}
	r.warned = true
	r.log.Warnf(format, args...)
}
