// Command srt-push publishes an MPEG-TS file to an SRT listener in real
// time, optionally looping it with timestamps rewritten so they keep
// increasing across the seam.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"
)

const tsPacketSize = 188

func main() {
	fileFlag := flag.String("file", "", "TS file to push")
	keyFlag := flag.String("key", "", "Stream key (default: file name without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	loopFlag := flag.Bool("loop", false, "Loop the file until interrupted")
	durationFlag := flag.Duration("duration", 0, "Playout duration of the file (default: audio PTS span)")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: srt-push [-addr host:port] [-key name] [-loop] file.ts\n")
		os.Exit(1)
	}

	streamID := *keyFlag
	if streamID == "" {
		base := filepath.Base(filePath)
		streamID = base[:len(base)-len(filepath.Ext(base))]
	}
	streamID = "live/" + streamID

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.With("stream_id", streamID)
	if err := push(ctx, log, filePath, streamID, *addrFlag, *durationFlag, *loopFlag); err != nil {
		log.Error("push failed", "error", err)
		os.Exit(1)
	}
}

func push(ctx context.Context, log *slog.Logger, filePath, streamID, addr string, duration time.Duration, loop bool) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}
	if len(data)%tsPacketSize != 0 {
		log.Warn("file size is not a multiple of the packet size", "size", len(data))
	}

	stamps := scanTimestamps(data)
	span := stamps.span()
	if duration <= 0 {
		duration = ticksToDuration(span)
	}
	if duration <= 0 {
		duration = 60 * time.Second
		log.Warn("no audio timestamps found, assuming 60s")
	}
	bytesPerSec := float64(len(data)) / duration.Seconds()

	log.Info("pushing", "file", filePath, "packets", len(data)/tsPacketSize,
		"duration", duration, "bytes_per_sec", int64(bytesPerSec), "loop", loop)

	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p := &pacer{start: time.Now(), bytesPerSec: bytesPerSec}
	for n := 1; ; n++ {
		if err := p.send(ctx, conn, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("pass complete", "pass", n, "sent_mb", float64(p.sent)/(1024*1024),
			"elapsed", time.Since(p.start).Truncate(time.Second))
		if !loop {
			return nil
		}
		stamps.shift(data, span)
	}
}

// pacer writes at a constant byte rate measured against a single clock so
// there is no burst or gap between passes.
type pacer struct {
	start       time.Time
	bytesPerSec float64
	sent        int64
}

func (p *pacer) send(ctx context.Context, w io.Writer, data []byte) error {
	const chunk = tsPacketSize * 7
	for i := 0; i < len(data); i += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+chunk, len(data))
		if _, err := w.Write(data[i:end]); err != nil {
			return err
		}
		p.sent += int64(end - i)

		due := float64(p.sent) / p.bytesPerSec
		if ahead := due - time.Since(p.start).Seconds(); ahead > 0 {
			time.Sleep(time.Duration(ahead * float64(time.Second)))
		}
	}
	return nil
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / 90000
}
