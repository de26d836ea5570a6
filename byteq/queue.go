// Package byteq implements the Frame Queue: a bounded, single-producer/
// single-consumer byte ring that decouples the blocking frame-reader
// goroutine from the parsing goroutine.
//
// The ring is treated as an arena of variable-length frame records. Sizes
// are kept out-of-band in a parallel ring of lengths rather than embedded
// in the byte payload itself, so frame bytes never need to be
// self-describing (see SPEC_FULL.md's Design Notes).
package byteq

import (
	"encoding/binary"
	"sync"

	"github.com/Unidata/nbs/internal/bo"
)

// Outcome codes for Reserve/TryReserve/Release/Peek.
type Outcome int

const (
	OK Outcome = iota
	TooBig
	NoSpace
	Unreserved
	ShutdownOutcome
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case TooBig:
		return "too-big"
	case NoSpace:
		return "no-space"
	case Unreserved:
		return "unreserved"
	case ShutdownOutcome:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of cumulative queue counters, sufficient to compute
// online mean and variance of released frame sizes.
type Stats struct {
	FrameCount   uint64
	TotalBytes   uint64
	FirstSize    int
	SmallestSize int
	LargestSize  int
	SumDev       int64 // sum of (size - FirstSize)
	SumSqrDev    int64 // sum of (size - FirstSize)^2
}

// Mean returns the online sample mean of released frame sizes.
func (s Stats) Mean() float64 {
	if s.FrameCount == 0 {
		return 0
	}
	return float64(s.FirstSize) + float64(s.SumDev)/float64(s.FrameCount)
}

// Variance returns the online sample variance of released frame sizes.
// Returns 0 when fewer than two frames have been released.
func (s Stats) Variance() float64 {
	n := float64(s.FrameCount)
	if n < 2 {
		return 0
	}
	return (float64(s.SumSqrDev) - float64(s.SumDev)*float64(s.SumDev)/n) / (n - 1)
}

// Queue is a bounded SPSC byte ring with reserve/release producer
// semantics and peek/remove consumer semantics.
type Queue struct {
	mu   sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []byte
	lens   [][8]byte // out-of-band parallel ring of frame lengths, native byte order
	lenOrd binary.ByteOrder
	head   int // byte offset of the oldest unread frame
	tail int   // byte offset one past the last committed byte
	used int   // bytes currently occupied (committed, unremoved)

	lenHead int // index of the oldest unread length entry
	lenTail int // index one past the last committed length entry
	lenUsed int

	reserved    int // bytes reserved by the producer, not yet released
	reservedAt  int // byte offset where the current reservation begins

	peeked     bool
	peekOffset int
	peekLen    int

	shutdown bool
	stats    Stats
}

// New constructs a Queue with the given byte capacity and a length ring
// sized for maxFrames outstanding frame records.
func New(capacityBytes, maxFrames int) *Queue {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	if maxFrames <= 0 {
		maxFrames = 1
	}
	q := &Queue{
		buf:    make([]byte, capacityBytes),
		lens:   make([][8]byte, maxFrames),
		lenOrd: bo.Native(),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Reserve blocks until n contiguous bytes are free, then returns a slice
// of the queue's backing array to write into. The caller must not retain
// the slice past the matching Release call.
func (q *Queue) Reserve(n int) ([]byte, Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.buf) {
		return nil, TooBig
	}
	for {
		if q.shutdown {
			return nil, ShutdownOutcome
		}
		if q.hasRoomLocked(n) {
			break
		}
		q.notFull.Wait()
	}
	return q.beginReserveLocked(n), OK
}

// TryReserve is the non-blocking variant of Reserve.
func (q *Queue) TryReserve(n int) ([]byte, Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.buf) {
		return nil, TooBig
	}
	if q.shutdown {
		return nil, ShutdownOutcome
	}
	if !q.hasRoomLocked(n) {
		return nil, NoSpace
	}
	return q.beginReserveLocked(n), OK
}

// hasRoomLocked reports whether an n-byte reservation can be satisfied
// without overlapping the still-unread region. A reservation that does
// not fit contiguously at the tail is left-justified to buf[0:n] by
// beginReserveLocked, which wastes the bytes between the physical tail
// and the end of the buffer — so admission must also count those wasted
// bytes as used, not just the n bytes actually written. Checking only
// against total free space (len(buf)-used) ignores this and lets a
// wrapping reservation land on buf[0:n] while unread bytes still occupy
// part of that range.
func (q *Queue) hasRoomLocked(n int) bool {
	if q.lenUsed >= len(q.lens) {
		return false
	}
	if q.used == 0 {
		// Nothing is unread, so even a reservation left-justified to
		// buf[0:n] overlaps nothing.
		return true
	}
	pt := q.tail % len(q.buf)
	required := n
	if pt+n > len(q.buf) {
		required = (len(q.buf) - pt) + n // wasted tail bytes + the reservation itself
	}
	return q.used+required <= len(q.buf)
}

func (q *Queue) beginReserveLocked(n int) []byte {
	start := q.tail % len(q.buf)
	q.reserved = n
	q.reservedAt = start

	if start+n <= len(q.buf) {
		return q.buf[start : start+n]
	}
	// The reservation wraps; the producer must write into a region that
	// does not itself wrap, so left-justify the window at offset 0. The
	// wasted tail bytes are accounted for in Release by advancing tail to
	// the wrap point first.
	return q.buf[0:n]
}

// Release commits the first k bytes of the most recent reservation. A k
// of zero cancels the reservation. k must not exceed the reserved count.
func (q *Queue) Release(k int) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if k > q.reserved {
		return Unreserved
	}
	if k == 0 {
		q.reserved = 0
		return OK
	}

	start := q.reservedAt
	if start+q.reserved > len(q.buf) {
		if start+k <= len(q.buf) {
			// Fewer bytes were committed than reserved and they fit at the
			// tail after all: move them there, since Peek and Remove infer a
			// wrap from offset+length alone.
			copy(q.buf[start:start+k], q.buf[:k])
		} else {
			// The reservation was left-justified to offset 0 in
			// beginReserveLocked; mark the skipped tail bytes as used so the
			// ring's accounting stays consistent, then commit from offset 0.
			skipped := len(q.buf) - q.tail%len(q.buf)
			q.used += skipped
			q.tail += skipped
			start = 0
		}
	}

	q.tail += k
	q.used += k
	q.lenOrd.PutUint64(q.lens[q.lenTail%len(q.lens)][:], uint64(k))
	q.lenTail++
	q.lenUsed++
	q.reserved = 0

	q.updateStatsLocked(k)
	q.notEmpty.Signal()
	return OK
}

func (q *Queue) updateStatsLocked(size int) {
	q.stats.FrameCount++
	q.stats.TotalBytes += uint64(size)
	if q.stats.FrameCount == 1 {
		q.stats.FirstSize = size
		q.stats.SmallestSize = size
		q.stats.LargestSize = size
		return
	}
	if size < q.stats.SmallestSize {
		q.stats.SmallestSize = size
	}
	if size > q.stats.LargestSize {
		q.stats.LargestSize = size
	}
	dev := int64(size - q.stats.FirstSize)
	q.stats.SumDev += dev
	q.stats.SumSqrDev += dev * dev
}

// Peek blocks until a frame is available, returning a slice view of the
// oldest unread frame. It returns (nil, ShutdownOutcome) once the queue
// has been shut down and fully drained. The returned slice is valid only
// until the matching Remove call.
func (q *Queue) Peek() ([]byte, Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.lenUsed > 0 {
			break
		}
		if q.shutdown {
			return nil, ShutdownOutcome
		}
		q.notEmpty.Wait()
	}
	n := int(q.lenOrd.Uint64(q.lens[q.lenHead%len(q.lens)][:]))
	start := q.head % len(q.buf)
	q.peeked = true
	q.peekOffset = start
	q.peekLen = n

	if start+n <= len(q.buf) {
		return q.buf[start : start+n], OK
	}
	return q.buf[0:n], OK
}

// Remove discards the frame returned by the most recent Peek.
func (q *Queue) Remove() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.peeked {
		return
	}
	n := q.peekLen
	if q.peekOffset+n > len(q.buf) {
		skipped := len(q.buf) - q.head%len(q.buf)
		q.used -= skipped
		q.head += skipped
	}
	q.head += n
	q.used -= n
	q.lenHead++
	q.lenUsed--
	q.peeked = false
	q.notFull.Signal()
}

// Shutdown is idempotent. After it returns, Peek returns ShutdownOutcome
// once no frames remain in the queue.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Stats returns a snapshot of cumulative queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
