package srt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/adtsgroup/internal/ingest"
)

const dialTimeout = 10 * time.Second

// Pull dials a remote SRT listener and feeds its stream into a session on
// hub. It blocks until the remote side closes or ctx is cancelled. If
// streamID is empty, "live/<streamKey>" is requested.
func Pull(ctx context.Context, hub *ingest.Hub, addr, streamKey, streamID string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")
	if addr == "" || streamKey == "" {
		return fmt.Errorf("srt: pull needs an address and a stream key")
	}

	cfg := newConfig()
	if streamID == "" {
		streamID = "live/" + streamKey
	}
	cfg.StreamID = streamID

	log.Info("dialing", "address", addr, "stream_key", streamKey)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", addr, res.err)
		}
		conn = res.conn
	case <-timer.C:
		go closeLate(ch)
		return fmt.Errorf("srt: dial %s timed out after %s", addr, dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil
	}
	defer conn.Close()

	// Close unblocks the read loop on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info("connected", "address", addr, "stream_key", streamKey)
	return receive(ctx, log, hub, conn, streamKey, addr)
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial finished after we gave up on it.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
