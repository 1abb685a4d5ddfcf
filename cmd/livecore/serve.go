package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livecore/internal/certs"
	"github.com/zsiec/livecore/internal/config"
	"github.com/zsiec/livecore/internal/distribution"
	"github.com/zsiec/livecore/internal/forward"
	"github.com/zsiec/livecore/internal/hls"
	"github.com/zsiec/livecore/internal/ingest"
	srtingest "github.com/zsiec/livecore/internal/ingest/srt"
	"github.com/zsiec/livecore/internal/observe"
	"github.com/zsiec/livecore/internal/pipeline"
	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/stream"
	"github.com/zsiec/livecore/internal/transcode"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the media server",
	Long: `Start the SRT ingest listener and the HTTP server.

The HTTP server provides:
- HTTP-TS live playback at /live/{vhost}/{app}/{stream}.ts
- HLS at /hls/{vhost}/{app}/{stream}/index.m3u8
- REST API for streams, sessions, ingest and SRT pulls under /api
- Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("srt-addr", ":6000", "SRT listen address")
	serveCmd.Flags().Bool("http3", false, "also serve HTTP/3 with a self-signed certificate")
	serveCmd.Flags().Bool("gop-cache", true, "cache the last GOP for fast player start")

	mustBindPFlag("server.http_addr", serveCmd.Flags().Lookup("http-addr"))
	mustBindPFlag("ingest.srt_addr", serveCmd.Flags().Lookup("srt-addr"))
	mustBindPFlag("server.http3_enabled", serveCmd.Flags().Lookup("http3"))
	mustBindPFlag("source.gop_cache", serveCmd.Flags().Lookup("gop-cache"))
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	streams *stream.Registry
	hls     *hls.Manager
	ingest  *ingest.Registry
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadInto(v, cfgFile)
	if err != nil {
		return err
	}

	log := observe.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
	}()

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: observe.DefaultMetrics(),
	}
	if cfg.HLS.Enabled {
		a.hls = hls.NewManager(hls.Config{
			SegmentCount:       cfg.HLS.SegmentCount,
			SegmentMinDuration: cfg.HLS.SegmentMinDuration,
		}, cfg.Source.SinkQueue, log, a.metrics)
	}
	a.streams = stream.NewRegistry(source.Config{
		GOPCache: cfg.Source.GOPCache,
		MaxQueue: cfg.Source.MaxQueue,
		Sinks:    a.sinks,
		Logger:   log,
		Metrics:  a.metrics,
	}, log, stream.WithEvictHook(a.forget))

	log.Info("livecore starting",
		"version", version,
		"http", cfg.Server.HTTPAddr,
		"srt", cfg.Ingest.SRTAddr,
		"http3", cfg.Server.HTTP3Enabled,
		"hls", cfg.HLS.Enabled,
		"forward", len(cfg.Forward.Destinations),
		"transcode", cfg.Transcode.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	// the ingest callback must capture the errgroup context so pipelines
	// stop when any component fails
	a.ingest = ingest.NewRegistry(func(s *ingest.Stream) {
		a.handleStream(ctx, s)
	})
	srtSrv := srtingest.NewServer(cfg.Ingest.SRTAddr, cfg.Ingest.SRTLatency, a.ingest, log)
	caller := srtingest.NewCaller(a.ingest, cfg.Ingest.SRTLatency, log)

	dcfg := distribution.ServerConfig{
		Addr:            cfg.Server.HTTPAddr,
		HTTP3Addr:       cfg.Server.HTTP3Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Streams:         a.streams,
		HLS:             a.hls,
		Pulls:           caller,
		Ingest:          a.ingest.List,
		MetricsHandler:  observe.Handler(),
		BaseContext:     ctx,
		Logger:          log,
	}
	if cfg.Server.HTTP3Enabled {
		cert, err := certs.Generate(certs.DefaultValidity, cfg.Server.CertHosts...)
		if err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}
		log.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339))
		dcfg.Cert = cert
	}
	dist, err := distribution.NewServer(dcfg)
	if err != nil {
		return err
	}
	if cfg.Server.HTTP3Enabled {
		if err := dist.PrepareHTTP3(); err != nil {
			return err
		}
		g.Go(func() error { return dist.StartHTTP3(ctx) })
	}

	g.Go(func() error { return srtSrv.Start(ctx) })
	g.Go(func() error { return dist.Start(ctx) })
	g.Go(func() error {
		return a.streams.Run(ctx, cfg.Source.SweepInterval, cfg.Source.IdleTimeout)
	})

	err = g.Wait()
	log.Info("livecore stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sinks builds the fan-out collaborators of a new source.
func (a *app) sinks(key string) []source.Sink {
	var out []source.Sink
	if a.hls != nil {
		out = append(out, a.hls.Sink(key))
	}

	depth := a.cfg.Source.SinkQueue
	opt := source.WithSinkMetrics(a.metrics)
	if dests := a.cfg.Forward.Destinations; len(dests) > 0 {
		out = append(out, forward.Sinks(dests, forward.SRTDialer(a.cfg.Forward.Latency), depth, a.log, opt)...)
	}
	if tc := a.cfg.Transcode; tc.Enabled {
		out = append(out, transcode.Sink(transcode.Config{
			FFmpegPath: tc.FFmpegPath,
			OutputArgs: tc.OutputArgs,
			OutputURL:  tc.OutputURL,
		}, depth, a.log, opt))
	}
	return out
}

// forget drops per-key sink state once the registry evicts a source.
func (a *app) forget(key string) {
	if a.hls != nil {
		a.hls.Forget(key)
	}
}

// handleStream publishes one ingest connection into its source until the
// connection or the server ends.
func (a *app) handleStream(ctx context.Context, s *ingest.Stream) {
	log := a.log.With("stream", s.Key, "protocol", s.Protocol, "remote", s.RemoteAddr)
	log.Info("new stream from ingest")

	p := pipeline.New(source.PublishRequest{
		Key:        s.Key,
		Protocol:   s.Protocol,
		RemoteAddr: s.RemoteAddr,
		StartedAt:  s.StartedAt,
	}, s.Input(), a.streams.Publisher(s.Key), a.log)

	err := p.Run(ctx)
	switch {
	case errors.Is(err, source.ErrPublishConflict):
		log.Warn("rejecting publish, stream already has a publisher")
	case err != nil:
		log.Error("pipeline error", "error", err)
	}
	log.Info("stream ended", "stats", p.Stats(), "ingest", s.Stats())
}
