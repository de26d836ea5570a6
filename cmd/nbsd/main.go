// Command nbsd runs a standalone NOAAPort Broadcast System receiver:
// it joins a multicast feed, runs it through the Frame Reader, Frame
// Queue, and Transport Layer, and serves Prometheus metrics over HTTP.
// nbsd uses a logging Sink that records reassembly events instead of
// decoding products; product decoding needs a program that builds its own
// nbs.Pipeline with a decoding Sink.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Unidata/nbs"
	"github.com/Unidata/nbs/config"
	"github.com/Unidata/nbs/metrics"
	"github.com/Unidata/nbs/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("nbsd exited")
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if cfg.Group == nil {
		return fmt.Errorf("multicast-group is required")
	}
	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return fmt.Errorf("resolving interface %q: %w", cfg.Interface, err)
		}
	}

	src, err := source.DialMulticast(iface, cfg.Group, cfg.BasePort)
	if err != nil {
		return fmt.Errorf("joining multicast group: %w", err)
	}
	defer src.Close()

	sink := &loggingSink{log: log}
	pipeline := nbs.NewPipeline(src, sink, nbs.PipelineConfig{
		MaxFrame:      cfg.MaxFrame,
		QueueCapacity: cfg.QueueCapacity,
		QueueFrames:   cfg.QueueFrames,
		Log:           log,
	})

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(metrics.NewCollector(pipeline.Queue(), pipeline.Dispatcher())); err != nil {
			return fmt.Errorf("registering metrics collector: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("group", cfg.Group.String()).Info("nbsd starting")
	return pipeline.Run(ctx)
}

// loggingSink is the default Sink used when no presentation decoder is
// embedded: it logs reassembly events instead of decoding product data.
type loggingSink struct {
	log *logrus.Logger
}

func (s *loggingSink) GINIStart(buf []byte, recLen, recsPerBlock int, compressed bool, prodType byte, sizeEstimate int) nbs.Status {
	s.log.WithFields(logrus.Fields{
		"prod_type": prodType, "rec_len": recLen, "recs_per_block": recsPerBlock, "size_estimate": sizeEstimate,
	}).Debug("GINI product start")
	return nbs.StatusOK
}

func (s *loggingSink) GINIBlock(buf []byte, blockNum uint16, compressed bool) nbs.Status {
	s.log.WithField("block", blockNum).Debug("GINI block")
	return nbs.StatusOK
}

func (s *loggingSink) NonGOES(buf []byte, isStart, isEnd, compressed bool) nbs.Status {
	s.log.WithFields(logrus.Fields{"start": isStart, "end": isEnd}).Debug("non-GOES block")
	return nbs.StatusOK
}

func (s *loggingSink) NWSTG(buf []byte, isStart, isEnd bool) nbs.Status {
	s.log.WithFields(logrus.Fields{"start": isStart, "end": isEnd}).Debug("NWSTG block")
	return nbs.StatusOK
}

func (s *loggingSink) NEXRAD(buf []byte, isStart, isEnd bool) nbs.Status {
	s.log.WithFields(logrus.Fields{"start": isStart, "end": isEnd}).Debug("NEXRAD block")
	return nbs.StatusOK
}

func (s *loggingSink) EndProduct() nbs.Status {
	s.log.Debug("product complete")
	return nbs.StatusOK
}

func (s *loggingSink) WantsInflate() bool { return false }
