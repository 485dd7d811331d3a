package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/adtsgroup/internal/aacconfig"
	"github.com/zsiec/adtsgroup/internal/api"
	"github.com/zsiec/adtsgroup/internal/config"
	"github.com/zsiec/adtsgroup/internal/ingest"
	srtingest "github.com/zsiec/adtsgroup/internal/ingest/srt"
	"github.com/zsiec/adtsgroup/internal/metrics"
	"github.com/zsiec/adtsgroup/internal/output"
	"github.com/zsiec/adtsgroup/internal/pipeline"
	"github.com/zsiec/adtsgroup/internal/track"
)

var version = "dev"

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.Input == "" && cfg.SRTAddr == "" && cfg.SRTPullAddr == "" {
		slog.Error("nothing to do: set INPUT, SRT_ADDR or SRT_PULL_ADDR")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:     cfg,
		metrics: metrics.New(reg),
		stdout:  &syncWriter{w: os.Stdout},
		streams: make(map[string]*pipeline.Pipeline),
	}

	slog.Info("adtsgroup starting",
		"version", version,
		"input", cfg.Input,
		"srt", cfg.SRTAddr,
		"srt_pull", cfg.SRTPullAddr,
		"api", cfg.APIAddr,
		"max_group_frames", cfg.MaxGroupFrames,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Created after errgroup so handlers capture the errgroup-derived
	// context and stop when any component fails.
	a.hub = ingest.NewHub(func(key string, input io.Reader) error {
		return a.runStream(ctx, key, input, 188)
	})

	live := cfg.SRTAddr != "" || cfg.SRTPullAddr != ""

	if cfg.Input != "" {
		g.Go(func() error {
			in, key, err := openInput(cfg.Input)
			if err != nil {
				return err
			}
			defer in.Close()
			err = a.runStream(ctx, key, in, cfg.PacketSize)
			if !live {
				cancel()
			}
			return err
		})
	}

	if cfg.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.SRTAddr, a.hub, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if cfg.SRTPullAddr != "" {
		g.Go(func() error {
			return srtingest.Pull(ctx, a.hub, cfg.SRTPullAddr, cfg.SRTPullKey, cfg.SRTPullStreamID, nil)
		})
	}

	if cfg.APIAddr != "" {
		apiSrv := &http.Server{
			Addr: cfg.APIAddr,
			Handler: api.NewServer(api.Config{
				Streams:  a.listStreams,
				Tracks:   a.lookupTracks,
				Sessions: a.hub.List,
				Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			}, nil).Handler(),
		}

		g.Go(func() error {
			slog.Info("API server listening", "addr", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			return apiSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	a.hub.Wait()
}

type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	hub     *ingest.Hub
	stdout  io.Writer

	mu      sync.RWMutex
	streams map[string]*pipeline.Pipeline
}

// runStream groups the audio of one transport stream until it ends.
func (a *app) runStream(ctx context.Context, key string, input io.Reader, packetSize int) error {
	slog.Info("new stream", "key", key)

	out, closeOut, err := a.newWriter(key)
	if err != nil {
		return err
	}
	defer closeOut()

	p := pipeline.New(key, input, out,
		pipeline.WithStats(a.metrics.Stream(key)),
		pipeline.WithMaxGroupFrames(a.cfg.MaxGroupFrames),
		pipeline.WithDeriver(aacconfig.Deriver{ForceLC: a.cfg.ForceLC}),
		pipeline.WithPacketSize(packetSize),
	)

	a.mu.Lock()
	a.streams[key] = p
	a.mu.Unlock()
	a.metrics.StreamStarted()
	defer func() {
		a.mu.Lock()
		delete(a.streams, key)
		a.mu.Unlock()
		a.metrics.StreamStopped()
	}()

	start := time.Now()
	err = p.Run(ctx)
	if err != nil {
		slog.Error("pipeline error", "stream", key, "error", err)
	}
	stats := p.Stats()
	slog.Info("stream ended", "key", key,
		"groups", stats.GroupsOut, "frames", stats.FramesOut,
		"resets", stats.Resets, "elapsed", time.Since(start).Round(time.Millisecond))
	return err
}

// newWriter builds the group writers configured for a stream.
func (a *app) newWriter(key string) (output.Writer, func(), error) {
	var writers output.Multi
	closeOut := func() {}

	if a.cfg.JSONOutput {
		writers = append(writers, output.NewJSONLines(a.stdout, key))
	}
	if a.cfg.OutputDir != "" {
		files, err := output.NewTrackFiles(a.cfg.OutputDir, key, nil)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, files)
		closeOut = func() {
			if err := files.Close(); err != nil {
				slog.Warn("closing track files", "stream", key, "error", err)
			}
		}
	}
	return writers, closeOut, nil
}

func (a *app) listStreams() []api.StreamInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	infos := make([]api.StreamInfo, 0, len(a.streams))
	for key, p := range a.streams {
		info := api.StreamInfo{
			Key:    key,
			Tracks: len(p.Registry().Snapshot()),
			Stats:  p.Stats(),
		}
		if s, ok := a.hub.Get(key); ok {
			st := s.Stats()
			info.Ingest = &st
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

func (a *app) lookupTracks(key string) ([]track.Metadata, bool) {
	a.mu.RLock()
	p, ok := a.streams[key]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Registry().Snapshot(), true
}

// openInput opens a file path, or stdin for "-".
func openInput(path string) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open input: %w", err)
	}
	return f, path, nil
}

// syncWriter serializes writes from concurrent streams.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
