package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/adtsgroup/internal/ingest"
)

const (
	// Ten live-mode SRT payloads of seven TS packets each.
	readChunk = 10 * 7 * 188

	latency = 120 * time.Millisecond
)

// newConfig returns the socket options shared by listener and caller.
func newConfig() srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	return cfg
}

// Server is the listener side of SRT ingest. Each publisher that connects
// becomes one hub session, keyed by its stream ID.
type Server struct {
	log  *slog.Logger
	addr string
	hub  *ingest.Hub
}

// NewServer returns a Server for addr. A nil log falls back to
// slog.Default().
func NewServer(addr string, hub *ingest.Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "srt-server"),
		addr: addr,
		hub:  hub,
	}
}

// Start listens on the server address and serves publishers. It returns
// nil once ctx is done, or the listen error.
func (s *Server) Start(ctx context.Context) error {
	l, err := srtgo.Listen(s.addr, newConfig())
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(s.admit)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.log.Info("listening", "addr", s.addr)
	for {
		conn, err := l.Accept()
		switch {
		case err == nil:
			go s.serve(ctx, conn)
		case ctx.Err() != nil:
			return nil
		default:
			s.log.Warn("accept error", "error", err)
		}
	}
}

// admit turns away handshakes without a stream ID and publishers whose
// key is already live.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	if req.StreamID == "" {
		return srtgo.RejPeer
	}
	if _, live := s.hub.Get(extractStreamKey(req.StreamID)); live {
		return srtgo.RejPeer
	}
	return 0
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := extractStreamKey(conn.StreamID())
	remote := conn.RemoteAddr().String()
	s.log.Info("publish", "stream_key", key, "remote", remote)

	if err := receive(ctx, s.log, s.hub, conn, key, remote); err != nil {
		s.log.Warn("publish rejected", "stream_key", key, "error", err)
	}
}

// receive opens a session for key and pumps conn into it. The session is
// closed when the peer hangs up, the pipeline stops reading, or ctx ends.
// Only a failure to open the session is returned.
func receive(ctx context.Context, log *slog.Logger, hub *ingest.Hub, conn io.Reader, key, remote string) error {
	sess, err := hub.Open(key)
	if err != nil {
		return err
	}
	sess.SetRemoteAddr(remote)
	defer hub.Close(key)

	buf := make([]byte, readChunk)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			log.Debug("pipeline stopped reading", "stream_key", key, "error", err)
			break
		}
	}

	st := sess.Stats()
	log.Info("connection closed", "stream_key", key,
		"bytes", st.BytesReceived, "writes", st.WriteCount,
		"uptime_ms", st.UptimeMs)
	return nil
}

// extractStreamKey maps an SRT stream ID such as "/live/cam1" to "cam1".
// An empty remainder maps to "default".
func extractStreamKey(streamID string) string {
	key, _ := strings.CutPrefix(streamID, "/")
	key, _ = strings.CutPrefix(key, "live/")
	if key == "" {
		return "default"
	}
	return key
}
