package nbs

import (
	"context"
	"io"

	"github.com/Unidata/nbs/byteq"
	"github.com/Unidata/nbs/frame"
	"github.com/Unidata/nbs/reader"
	"github.com/Unidata/nbs/source"
	"github.com/Unidata/nbs/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PipelineConfig parameterizes Pipeline wiring (spec.md §5).
type PipelineConfig struct {
	MaxFrame      int
	QueueCapacity int
	QueueFrames   int
	Log           *logrus.Logger
}

// Pipeline owns the reader goroutine and the parser goroutine connected
// by a Frame Queue, and coordinates their shutdown.
//
// Grounded on the teacher's readStream/writeStream pairing (internal.go),
// generalized from a single-goroutine framer instance to two goroutines
// joined by an errgroup and a byteq.Queue instead of a direct io.Reader
// hand-off.
type Pipeline struct {
	cfg    PipelineConfig
	src    source.Source
	sink   Sink
	queue  *byteq.Queue
	reader *reader.Reader
	disp   *transport.Dispatcher
}

// NewPipeline wires src through a Frame Reader and a Frame Queue to a
// Dispatcher feeding sink.
func NewPipeline(src source.Source, sink Sink, cfg PipelineConfig) *Pipeline {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = reader.DefaultMaxFrame
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.MaxFrame * 8
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 64
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
		cfg.Log.Out = io.Discard
	}
	q := byteq.New(cfg.QueueCapacity, cfg.QueueFrames)
	return &Pipeline{
		cfg:    cfg,
		src:    src,
		sink:   sink,
		queue:  q,
		reader: reader.New(src, cfg.MaxFrame, cfg.Log),
		disp:   transport.New(sink, cfg.Log),
	}
}

// Queue exposes the underlying Frame Queue, for metrics collection.
func (p *Pipeline) Queue() *byteq.Queue { return p.queue }

// Dispatcher exposes the transport dispatcher, for metrics collection.
func (p *Pipeline) Dispatcher() *transport.Dispatcher { return p.disp }

// Run drives the reader and parser goroutines until the source is
// exhausted, an unrecoverable error occurs, or ctx is canceled. It
// returns the first terminal error encountered, or nil on clean EOF.
func (p *Pipeline) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	// A group member that just waits on ctx.Done() would keep Wait from
	// returning after a clean EOF, since nothing cancels the context then.
	// Watch cancellation outside the group instead, closing the source to
	// unblock the reader's in-flight Read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.src.Close()
			p.queue.Shutdown()
		case <-done:
		}
	}()

	g.Go(func() error {
		defer p.queue.Shutdown()
		for {
			fr, err := p.reader.Next()
			if err != nil {
				if e, ok := err.(*Error); ok && e.Kind == EOF {
					return nil
				}
				return err
			}
			dst, outcome := p.queue.Reserve(len(fr.Bytes))
			if outcome == byteq.ShutdownOutcome {
				return nil
			}
			if outcome != byteq.OK {
				return NewError("pipeline.reader", Logic, nil)
			}
			copy(dst, fr.Bytes)
			p.queue.Release(len(fr.Bytes))
		}
	})

	g.Go(func() error {
		for {
			buf, outcome := p.queue.Peek()
			if outcome == byteq.ShutdownOutcome {
				p.sink.EndProduct()
				return nil
			}
			if err := p.replay(buf); err != nil {
				p.queue.Remove()
				return err
			}
			p.queue.Remove()
		}
	})

	return g.Wait()
}

// replay decodes the raw bytes popped from the queue back into a
// reader.Frame and hands it to the dispatcher. The queue only stores raw
// bytes (spec.md §9's out-of-band length design), so the parser goroutine
// redecodes the FH/PDH itself rather than carrying decoded structs across
// the queue boundary.
func (p *Pipeline) replay(buf []byte) error {
	fh, pdh, hasPDH, err := decodeQueued(buf)
	if err != nil {
		return nil // malformed bytes should never reach the queue; drop defensively
	}
	return p.disp.Handle(reader.Frame{Bytes: buf, FH: fh, PDH: pdh, HasPDH: hasPDH})
}

// decodeQueued re-derives the FH (and, for data frames, the PDH) from raw
// queued bytes that the Frame Reader has already validated once. Since
// the queue carries only bytes, not decoded structs, this is the price of
// keeping the queue's records uninterpreted.
func decodeQueued(buf []byte) (frame.Header, frame.ProductDefHeader, bool, error) {
	fh, err := frame.DecodeHeader(buf)
	if err != nil {
		return frame.Header{}, frame.ProductDefHeader{}, false, err
	}
	if fh.Command != frame.CmdData {
		return fh, frame.ProductDefHeader{}, false, nil
	}
	if len(buf) < frame.FHSize+frame.PDHMinLen {
		return frame.Header{}, frame.ProductDefHeader{}, false, frame.ErrShortBuffer
	}
	pdh, err := frame.DecodePDH(buf[frame.FHSize:frame.FHSize+frame.PDHMinLen], len(buf))
	if err != nil {
		return frame.Header{}, frame.ProductDefHeader{}, false, err
	}
	return fh, pdh, true, nil
}
