// Package pipeline orchestrates the demux-to-output data flow for a single
// stream: it reads PMT and PES units from the transport stream demuxer,
// drives one frame aggregator per ADTS elementary stream, and hands every
// completed frame group to a GroupWriter together with its track metadata.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/adtsgroup/internal/adts"
	"github.com/zsiec/adtsgroup/internal/aggregate"
	"github.com/zsiec/adtsgroup/internal/media"
	"github.com/zsiec/adtsgroup/internal/mpegts"
	"github.com/zsiec/adtsgroup/internal/track"
)

// DefaultMaxGroupFrames is the number of frames collected before a group is
// flushed.
const DefaultMaxGroupFrames = 16

// GroupWriter consumes completed frame groups. md is a copy of the track
// metadata as it stood right after the group's flush.
type GroupWriter interface {
	WriteGroup(g *media.FrameGroup, md track.Metadata) error
}

// StatsRecorder receives per-track counters. Implementations must be safe
// for concurrent use when shared between pipelines.
type StatsRecorder interface {
	RecordGroup(pid uint16, frames, bytes int, duration float64)
	RecordReset(pid uint16)
	RecordFlushError(pid uint16)
	RecordDecodeErrors(pid uint16, invalidHeaders, resyncBytes int64)
}

type nopStats struct{}

func (nopStats) RecordGroup(uint16, int, int, float64)   {}
func (nopStats) RecordReset(uint16)                      {}
func (nopStats) RecordFlushError(uint16)                 {}
func (nopStats) RecordDecodeErrors(uint16, int64, int64) {}

// Stats is a point-in-time view of a pipeline's counters.
type Stats struct {
	StreamKey   string `json:"streamKey"`
	UptimeMs    int64  `json:"uptimeMs"`
	PacketsIn   int64  `json:"packetsIn"`
	GroupsOut   int64  `json:"groupsOut"`
	FramesOut   int64  `json:"framesOut"`
	Resets      int64  `json:"resets"`
	LastGroupTS int64  `json:"lastGroupPts"`

	InvalidHeaders int64 `json:"invalidHeaders"`
	ResyncBytes    int64 `json:"resyncBytes"`
}

// audioTrack is the per-PID state of one ADTS elementary stream.
type audioTrack struct {
	agg     *aggregate.Aggregator
	program uint16
	decoded adts.DecoderStats
}

// Pipeline bridges a single stream's demuxer and its aggregators.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	input     io.Reader
	out       GroupWriter
	stats     StatsRecorder
	registry  *track.Registry
	deriver   aggregate.Deriver
	maxFrames int
	pktSize   int
	startTime time.Time

	tracks   map[uint16]*audioTrack
	writeErr error

	packetsIn      atomic.Int64
	groupsOut      atomic.Int64
	framesOut      atomic.Int64
	resets         atomic.Int64
	lastGroupTS    atomic.Int64
	invalidHeaders atomic.Int64
	resyncBytes    atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the base logger; the stream key is attached to it.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithStats sets the recorder that receives per-track counters.
func WithStats(s StatsRecorder) Option {
	return func(p *Pipeline) {
		p.stats = s
	}
}

// WithMaxGroupFrames sets how many frames are collected before a flush.
// Values below 1 keep the default.
func WithMaxGroupFrames(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxFrames = n
		}
	}
}

// WithDeriver sets the audio configuration deriver used by every
// aggregator.
func WithDeriver(d aggregate.Deriver) Option {
	return func(p *Pipeline) {
		p.deriver = d
	}
}

// WithRegistry shares a track registry instead of creating a private one.
func WithRegistry(r *track.Registry) Option {
	return func(p *Pipeline) {
		p.registry = r
	}
}

// WithPacketSize sets the transport packet size of the input (188, 192 or
// 204 bytes).
func WithPacketSize(size int) Option {
	return func(p *Pipeline) {
		p.pktSize = size
	}
}

// New creates a Pipeline that reads a transport stream from input and
// writes completed audio groups to out.
func New(streamKey string, input io.Reader, out GroupWriter, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:       slog.Default(),
		streamKey: streamKey,
		input:     input,
		out:       out,
		stats:     nopStats{},
		maxFrames: DefaultMaxGroupFrames,
		pktSize:   188,
		tracks:    make(map[uint16]*audioTrack),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("stream", streamKey)
	if p.registry == nil {
		p.registry = track.NewRegistry(p.log)
	}
	p.startTime = time.Now()
	return p
}

// Registry returns the track registry the pipeline keeps current.
func (p *Pipeline) Registry() *track.Registry {
	return p.registry
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		StreamKey:   p.streamKey,
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		PacketsIn:   p.packetsIn.Load(),
		GroupsOut:   p.groupsOut.Load(),
		FramesOut:   p.framesOut.Load(),
		Resets:      p.resets.Load(),
		LastGroupTS: p.lastGroupTS.Load(),

		InvalidHeaders: p.invalidHeaders.Load(),
		ResyncBytes:    p.resyncBytes.Load(),
	}
}

// Run demuxes the input until EOF or until ctx is cancelled. Pending groups
// are flushed at EOF. A flush or write failure stops the pipeline and is
// returned.
func (p *Pipeline) Run(ctx context.Context) error {
	demuxer := mpegts.NewDemuxer(ctx, p.input,
		mpegts.WithPacketSize(p.pktSize),
		mpegts.WithLogger(p.log))

	for {
		unit, err := demuxer.NextData()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.log.Info("input finished", "groups", p.groupsOut.Load())
				return p.flushAll()
			case ctx.Err() != nil:
				return nil
			}
			return fmt.Errorf("pipeline: demux: %w", err)
		}

		switch {
		case unit.PMT != nil:
			if err := p.handlePMT(unit.PMT); err != nil {
				return err
			}
		case unit.PES != nil:
			if err := p.handlePES(unit.PES); err != nil {
				return err
			}
		}
	}
}

// handlePMT starts an aggregator for every new ADTS stream of the program
// and retires the program's tracks that the PMT no longer lists. A retired
// track's pending group is flushed before it leaves the registry.
func (p *Pipeline) handlePMT(prog *mpegts.Program) error {
	listed := make(map[uint16]bool, len(prog.Streams))
	for _, es := range prog.Streams {
		if es.StreamType != mpegts.StreamTypeADTS {
			continue
		}
		listed[es.PID] = true
		if _, ok := p.tracks[es.PID]; ok {
			continue
		}
		p.registry.Add(es.PID, es.StreamType)
		p.tracks[es.PID] = &audioTrack{agg: p.newAggregator(), program: prog.Number}
		p.log.Info("audio track", "pid", es.PID, "program", prog.Number)
	}

	for _, md := range p.registry.Snapshot() {
		t, ok := p.tracks[md.ID]
		if !ok || t.program != prog.Number || listed[md.ID] {
			continue
		}
		if err := p.flush(md.ID, t.agg); err != nil {
			return err
		}
		p.registry.Remove(md.ID)
		delete(p.tracks, md.ID)
		p.log.Info("audio track removed", "pid", md.ID, "program", prog.Number)
	}
	return nil
}

func (p *Pipeline) newAggregator() *aggregate.Aggregator {
	opts := []aggregate.Option{aggregate.WithLogger(p.log)}
	if p.deriver != nil {
		opts = append(opts, aggregate.WithDeriver(p.deriver))
	}
	return aggregate.New(p.registry, aggregate.SinkFuncs{
		Data: p.writeGroup,
	}, opts...)
}

func (p *Pipeline) handlePES(pkt *mpegts.ElementaryPacket) error {
	t, ok := p.tracks[pkt.PID]
	if !ok {
		return nil
	}
	agg := t.agg
	p.packetsIn.Add(1)

	if pkt.Discontinuity {
		p.log.Debug("continuity break, dropping pending group", "pid", pkt.PID, "frames", agg.Len())
		agg.Reset()
		p.resets.Add(1)
		p.stats.RecordReset(pkt.PID)
	}
	agg.Accept(pkt)
	p.recordDecodeErrors(pkt.PID, t)

	if agg.Len() >= p.maxFrames {
		return p.flush(pkt.PID, agg)
	}
	return nil
}

func (p *Pipeline) flush(pid uint16, agg *aggregate.Aggregator) error {
	if err := agg.Flush(); err != nil {
		p.stats.RecordFlushError(pid)
		return fmt.Errorf("pipeline: flush pid %d: %w", pid, err)
	}
	if err := p.writeErr; err != nil {
		p.writeErr = nil
		return fmt.Errorf("pipeline: write pid %d: %w", pid, err)
	}
	return nil
}

// recordDecodeErrors forwards what the track's decoder rejected since the
// previous packet.
func (p *Pipeline) recordDecodeErrors(pid uint16, t *audioTrack) {
	now := t.agg.DecoderStats()
	invalid := now.InvalidHeaders - t.decoded.InvalidHeaders
	resync := now.ResyncBytes - t.decoded.ResyncBytes
	t.decoded = now
	if invalid == 0 && resync == 0 {
		return
	}
	p.invalidHeaders.Add(invalid)
	p.resyncBytes.Add(resync)
	p.stats.RecordDecodeErrors(pid, invalid, resync)
}

func (p *Pipeline) flushAll() error {
	for _, md := range p.registry.Snapshot() {
		t, ok := p.tracks[md.ID]
		if !ok {
			continue
		}
		if err := p.flush(md.ID, t.agg); err != nil {
			return err
		}
	}
	return nil
}

// writeGroup runs inside Flush, after the track metadata has been synced.
func (p *Pipeline) writeGroup(g *media.FrameGroup) {
	md, err := p.registry.Get(g.TrackID)
	if err == nil {
		err = p.out.WriteGroup(g, md)
	}
	if err != nil {
		p.writeErr = err
		return
	}
	p.groupsOut.Add(1)
	p.framesOut.Add(int64(g.Len()))
	p.lastGroupTS.Store(g.FirstPTS)
	p.stats.RecordGroup(g.TrackID, g.Len(), g.ByteLength, g.Duration)
}
