// Package metrics exposes the pipeline's runtime counters as Prometheus
// gauges and counters, grounded on the prometheus/client_golang usage
// documented for JSchlarb-synchrophasor's receiver.
package metrics

import (
	"github.com/Unidata/nbs/byteq"
	"github.com/Unidata/nbs/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over a Pipeline's Frame
// Queue stats and transport dispatch counters. It is a pull-based
// collector: Collect reads the live sources on every scrape rather than
// caching, since both sources are already safe to read concurrently.
type Collector struct {
	queue *byteq.Queue
	disp  *transport.Dispatcher

	frameCount     *prometheus.Desc
	totalBytes     *prometheus.Desc
	frameSizeMean  *prometheus.Desc
	frameSizeVar   *prometheus.Desc
	dispatched     *prometheus.Desc
	discarded      *prometheus.Desc
	discontinuities *prometheus.Desc
	noStarts       *prometheus.Desc
}

// NewCollector builds a Collector over queue and disp.
func NewCollector(queue *byteq.Queue, disp *transport.Dispatcher) *Collector {
	ns := "nbs"
	return &Collector{
		queue: queue,
		disp:  disp,
		frameCount: prometheus.NewDesc(
			ns+"_queue_frames_total", "Total frames released into the Frame Queue.", nil, nil),
		totalBytes: prometheus.NewDesc(
			ns+"_queue_bytes_total", "Total bytes released into the Frame Queue.", nil, nil),
		frameSizeMean: prometheus.NewDesc(
			ns+"_queue_frame_size_mean", "Online mean of released frame sizes.", nil, nil),
		frameSizeVar: prometheus.NewDesc(
			ns+"_queue_frame_size_variance", "Online sample variance of released frame sizes.", nil, nil),
		dispatched: prometheus.NewDesc(
			ns+"_transport_dispatched_total", "Frames successfully dispatched to the sink.", nil, nil),
		discarded: prometheus.NewDesc(
			ns+"_transport_discarded_total", "Frames discarded by the transport layer.", nil, nil),
		discontinuities: prometheus.NewDesc(
			ns+"_transport_discontinuities_total", "SBN run/sequence discontinuities observed.", nil, nil),
		noStarts: prometheus.NewDesc(
			ns+"_transport_no_start_total", "Continuation frames discarded for lack of a start frame.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frameCount
	ch <- c.totalBytes
	ch <- c.frameSizeMean
	ch <- c.frameSizeVar
	ch <- c.dispatched
	ch <- c.discarded
	ch <- c.discontinuities
	ch <- c.noStarts
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	qs := c.queue.Stats()
	ch <- prometheus.MustNewConstMetric(c.frameCount, prometheus.CounterValue, float64(qs.FrameCount))
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.CounterValue, float64(qs.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.frameSizeMean, prometheus.GaugeValue, qs.Mean())
	ch <- prometheus.MustNewConstMetric(c.frameSizeVar, prometheus.GaugeValue, qs.Variance())

	ts := c.disp.Counters()
	ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(ts.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(ts.Discarded))
	ch <- prometheus.MustNewConstMetric(c.discontinuities, prometheus.CounterValue, float64(ts.Discontinuities))
	ch <- prometheus.MustNewConstMetric(c.noStarts, prometheus.CounterValue, float64(ts.NoStarts))
}
