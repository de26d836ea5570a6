// Package transport implements the Transport Layer: it takes the FH and
// PDH already decoded into each reader.Frame, checks SBN run/sequence
// continuity, decodes the PSH on product-start frames, reassembles
// fragmented products, and dispatches reassembled blocks to a Sink.
//
// Grounded on the teacher's internal.go dispatch-by-command-byte shape,
// generalized from "one length-prefixed record, one handler" to "one FH
// command, one of three decode paths, one product-sequence state
// machine".
package transport

import (
	"bytes"
	"io"

	"github.com/Unidata/nbs"
	"github.com/Unidata/nbs/frame"
	"github.com/Unidata/nbs/reader"
	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
)

// category classifies a product's prod_type into the Sink method family
// that handles it.
type category int

const (
	catUnknown category = iota
	catGINI
	catNonGOES
	catNWSTG
	catNEXRAD
)

// Counters are plain dispatch/discontinuity tallies. The metrics package
// wraps these as Prometheus counters; transport itself has no metrics
// dependency.
type Counters struct {
	Dispatched      uint64
	Discarded       uint64
	Discontinuities uint64
	NoStarts        uint64
}

// Dispatcher decodes frames and drives the reassembly contract against a
// Sink. It is not safe for concurrent use; the pipeline runs one
// Dispatcher per parser goroutine.
type Dispatcher struct {
	sink nbs.Sink
	log  *logrus.Logger

	havePrev   bool
	prevHeader frame.Header

	startProcessed bool
	currentProdSeq uint32
	currentCat     category

	counters Counters
}

// New constructs a Dispatcher delivering reassembled blocks to sink.
func New(sink nbs.Sink, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
		log.Out = io.Discard
	}
	return &Dispatcher{sink: sink, log: log}
}

// Counters returns a snapshot of cumulative dispatch counters.
func (d *Dispatcher) Counters() Counters { return d.counters }

// Handle processes one frame emitted by the reader.
func (d *Dispatcher) Handle(fr reader.Frame) error {
	if d.havePrev && !frame.IsNext(d.prevHeader, fr.FH) {
		d.counters.Discontinuities++
		d.log.Warnf("sequence discontinuity: run %d seq %d -> run %d seq %d",
			d.prevHeader.Run, d.prevHeader.SequenceNum, fr.FH.Run, fr.FH.SequenceNum)
	}
	d.prevHeader = fr.FH
	d.havePrev = true

	if !fr.HasPDH {
		// Sync/timing and opaque test frames carry no product data.
		return nil
	}
	return d.handleData(fr)
}

func (d *Dispatcher) handleData(fr reader.Frame) error {
	pdh := fr.PDH

	if pdh.ProdSeqNum != d.currentProdSeq && d.startProcessed {
		// Any product-sequence transition ends the product being tracked,
		// whether the new frame starts its own product or is an orphaned
		// continuation for one we never saw the start of.
		d.log.Warnf("product sequence %d superseded by %d before end-of-product", d.currentProdSeq, pdh.ProdSeqNum)
		d.sink.EndProduct()
		d.startProcessed = false

		if !pdh.StartOfProduct() {
			d.counters.NoStarts++
			d.log.Warnf("continuation frame for unseen product sequence %d, discarding", pdh.ProdSeqNum)
			return nil
		}
	}

	if pdh.StartOfProduct() {
		return d.handleStart(fr)
	}
	if !d.startProcessed {
		d.counters.NoStarts++
		d.log.Warnf("continuation frame for product sequence %d before start, discarding", pdh.ProdSeqNum)
		return nil
	}
	return d.handleContinuation(fr)
}

func (d *Dispatcher) handleStart(fr reader.Frame) error {
	pdh := fr.PDH
	pshLen := pdh.PSHLength()
	if pshLen <= 0 {
		d.counters.Discarded++
		d.log.Warnf("product sequence %d start frame missing PSH, discarding", pdh.ProdSeqNum)
		return nil
	}
	pshOff := frame.FHSize + pdh.PDHLength
	if pshOff+pshLen > len(fr.Bytes) {
		d.counters.Discarded++
		d.log.Warnf("product sequence %d PSH extends past frame bounds, discarding", pdh.ProdSeqNum)
		return nil
	}
	psh, err := frame.DecodePSH(fr.Bytes[pshOff:pshOff+pshLen], pshLen)
	if err != nil {
		d.counters.Discarded++
		d.log.Warnf("product sequence %d bad PSH: %v", pdh.ProdSeqNum, err)
		return nil
	}

	d.currentProdSeq = pdh.ProdSeqNum
	d.startProcessed = true
	d.currentCat = categoryOf(psh.ProdType)

	data, err := dataBytes(fr, pdh)
	if err != nil {
		d.counters.Discarded++
		d.log.Warnf("product sequence %d: %v", pdh.ProdSeqNum, err)
		return nil
	}

	switch d.currentCat {
	case catGINI:
		buf, compressed, err := d.resolveCompression(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleStart", err)
		}
		numFrag := psh.NumFragments
		if numFrag < 1 {
			numFrag = 1
		}
		status := d.sink.GINIStart(buf, psh.BytesPerRec, int(pdh.RecsPerBlock), compressed, psh.ProdType, numFrag*5120)
		d.afterDispatch(status, pdh)
	case catNonGOES:
		buf, compressed, err := d.resolveCompression(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleStart", err)
		}
		status := d.sink.NonGOES(buf, true, pdh.EndOfProduct(), compressed)
		d.afterDispatch(status, pdh)
	case catNWSTG:
		buf, err := d.resolveAlwaysInflate(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleStart", err)
		}
		status := d.sink.NWSTG(buf, true, pdh.EndOfProduct())
		d.afterDispatch(status, pdh)
	case catNEXRAD:
		buf, err := d.resolveAlwaysInflate(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleStart", err)
		}
		status := d.sink.NEXRAD(buf, true, pdh.EndOfProduct())
		d.afterDispatch(status, pdh)
	default:
		d.counters.Discarded++
		d.log.Warnf("unsupported prod_type %d, discarding product sequence %d", psh.ProdType, pdh.ProdSeqNum)
	}
	return nil
}

func (d *Dispatcher) handleContinuation(fr reader.Frame) error {
	pdh := fr.PDH
	if pdh.PSHLength() > 0 {
		d.log.Infof("continuation frame for product sequence %d carries a PSH, accepting", pdh.ProdSeqNum)
	}
	data, err := dataBytes(fr, pdh)
	if err != nil {
		d.counters.Discarded++
		d.log.Warnf("product sequence %d: %v", pdh.ProdSeqNum, err)
		return nil
	}

	switch d.currentCat {
	case catGINI:
		buf, compressed, err := d.resolveCompression(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleContinuation", err)
		}
		status := d.sink.GINIBlock(buf, pdh.BlockNum, compressed)
		d.afterDispatch(status, pdh)
	case catNonGOES:
		buf, compressed, err := d.resolveCompression(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleContinuation", err)
		}
		status := d.sink.NonGOES(buf, false, pdh.EndOfProduct(), compressed)
		d.afterDispatch(status, pdh)
	case catNWSTG:
		buf, err := d.resolveAlwaysInflate(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleContinuation", err)
		}
		status := d.sink.NWSTG(buf, false, pdh.EndOfProduct())
		d.afterDispatch(status, pdh)
	case catNEXRAD:
		buf, err := d.resolveAlwaysInflate(data, pdh.Compressed())
		if err != nil {
			return d.fail("transport.handleContinuation", err)
		}
		status := d.sink.NEXRAD(buf, false, pdh.EndOfProduct())
		d.afterDispatch(status, pdh)
	default:
		d.counters.Discarded++
	}
	return nil
}

func (d *Dispatcher) afterDispatch(status nbs.Status, pdh frame.ProductDefHeader) {
	d.counters.Dispatched++
	if status != nbs.StatusOK {
		d.log.Warnf("sink reported %s for product sequence %d", status, pdh.ProdSeqNum)
	}
	if pdh.EndOfProduct() {
		d.sink.EndProduct()
		d.startProcessed = false
	}
}

func (d *Dispatcher) fail(op string, err error) error {
	return nbs.NewError(op, nbs.System, err)
}

// resolveCompression honors a Sink's WantsInflate preference: if the Sink
// wants raw compressed blocks it gets them untouched, otherwise the
// transport inflates before dispatch.
func (d *Dispatcher) resolveCompression(data []byte, compressed bool) ([]byte, bool, error) {
	if !compressed || !d.sink.WantsInflate() {
		return data, compressed, nil
	}
	out, err := inflate(data)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// resolveAlwaysInflate is used by Sink methods with no compressed
// parameter (NWSTG, NEXRAD): the transport always inflates for them.
func (d *Dispatcher) resolveAlwaysInflate(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return inflate(data)
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func categoryOf(prodType byte) category {
	switch prodType {
	case frame.ProdGOESEast, frame.ProdGOESWest:
		return catGINI
	case frame.ProdNESDISNonGOES, frame.ProdNOAAPortOpt:
		return catNonGOES
	case frame.ProdNWSTG:
		return catNWSTG
	case frame.ProdNEXRAD:
		return catNEXRAD
	default:
		return catUnknown
	}
}

func dataBytes(fr reader.Frame, pdh frame.ProductDefHeader) ([]byte, error) {
	end := pdh.DataOffset + pdh.DataSize
	if pdh.DataOffset < 0 || end > len(fr.Bytes) {
		return nil, frame.ErrBounds
	}
	return fr.Bytes[pdh.DataOffset:end], nil
}
