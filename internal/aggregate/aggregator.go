// Package aggregate collects decoded ADTS frames of one elementary stream
// into frame groups. On each flush it stamps the group's timing, pushes the
// audio configuration of the group's first frame into the track registry,
// and hands the group to a Sink.
package aggregate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/adtsgroup/internal/aacconfig"
	"github.com/zsiec/adtsgroup/internal/adts"
	"github.com/zsiec/adtsgroup/internal/media"
	"github.com/zsiec/adtsgroup/internal/mpegts"
	"github.com/zsiec/adtsgroup/internal/track"
)

// ErrTrackUnbound is returned by Flush when frames are pending but no
// packet has bound a track ID.
var ErrTrackUnbound = errors.New("aggregate: frames pending without a bound track")

// Sink receives completed groups. OnDone follows every OnData immediately
// and is never called on its own.
type Sink interface {
	OnData(g *media.FrameGroup)
	OnDone()
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Data func(g *media.FrameGroup)
	Done func()
}

// OnData implements Sink.
func (s SinkFuncs) OnData(g *media.FrameGroup) {
	if s.Data != nil {
		s.Data(g)
	}
}

// OnDone implements Sink.
func (s SinkFuncs) OnDone() {
	if s.Done != nil {
		s.Done()
	}
}

// Decoder is the bitstream decoder the aggregator feeds. Implementations
// call back with decoded frames synchronously from Feed and Continue.
// Continue receives payloads whose PES header carried no timestamp.
type Decoder interface {
	Feed(payload []byte, dts, pts int64)
	Continue(payload []byte)
}

// DecoderFactory builds a Decoder delivering frames to onFrame.
type DecoderFactory func(onFrame func(*media.AudioFrame)) Decoder

// Deriver maps ADTS header fields to a track audio configuration.
type Deriver interface {
	Derive(audioObjectType, samplingFrequencyIndex, channelConfig int) (aacconfig.AudioConfig, error)
}

// binding is the track the current epoch is bound to.
type binding struct {
	id    uint16
	bound bool
}

// Aggregator accumulates frames for one track at a time. It is driven by a
// single goroutine; none of its methods are safe for concurrent use.
type Aggregator struct {
	log      *slog.Logger
	registry *track.Registry
	sink     Sink
	deriver  Deriver
	decoder  Decoder

	newDecoder DecoderFactory

	track binding
	group *media.FrameGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// WithDecoder replaces the ADTS decoder.
func WithDecoder(f DecoderFactory) Option {
	return func(a *Aggregator) {
		a.newDecoder = f
	}
}

// WithDeriver replaces the audio configuration deriver.
func WithDeriver(d Deriver) Option {
	return func(a *Aggregator) {
		a.deriver = d
	}
}

// New creates an Aggregator that syncs metadata into registry and emits
// completed groups to sink.
func New(registry *track.Registry, sink Sink, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:      slog.Default(),
		registry: registry,
		sink:     sink,
		deriver:  aacconfig.Deriver{},
		group:    media.NewFrameGroup(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "aggregate")
	if a.newDecoder == nil {
		a.newDecoder = func(onFrame func(*media.AudioFrame)) Decoder {
			return adts.NewDecoder(onFrame, a.log)
		}
	}
	a.decoder = a.newDecoder(a.appendFrame)
	return a
}

// Accept feeds an ADTS packet to the decoder and binds its PID as the
// current track. Packets of any other stream type are ignored.
func (a *Aggregator) Accept(pkt *mpegts.ElementaryPacket) {
	if pkt == nil || pkt.StreamType != mpegts.StreamTypeADTS {
		return
	}
	a.track = binding{id: pkt.PID, bound: true}
	if !pkt.HasPTS {
		a.decoder.Continue(pkt.Payload)
		return
	}
	a.decoder.Feed(pkt.Payload, pkt.DTS, pkt.PTS)
}

func (a *Aggregator) appendFrame(f *media.AudioFrame) {
	a.group.Append(f)
	a.group.TrackID = a.track.id
}

// Flush completes the pending group. An empty group is a no-op. Otherwise
// the group's timing is computed, the track metadata is synchronized from
// its first frame, and the group is emitted followed by the done signal.
// If synchronization fails nothing is emitted and the pending group is
// kept; the caller decides whether to Reset.
func (a *Aggregator) Flush() error {
	n := a.group.Len()
	if n == 0 {
		return nil
	}
	if !a.track.bound {
		return ErrTrackUnbound
	}

	first, last := a.group.Frames[0], a.group.Frames[n-1]
	lastDuration := float64(last.SampleRate*last.SampleCount) / media.ClockRate
	duration := lastDuration
	if n > 1 {
		duration += float64(last.PTS - first.PTS)
	}

	// Every group re-derives the configuration so downstream muxers never
	// see metadata that lags the bitstream.
	if err := a.syncTrack(first); err != nil {
		return err
	}

	g := a.group
	g.FirstDTS = first.DTS
	g.FirstPTS = first.PTS
	g.Duration = duration

	a.log.Debug("group flushed",
		"track", g.TrackID, "frames", n, "bytes", g.ByteLength,
		"duration", g.Duration, "first_pts", g.FirstPTS)

	a.sink.OnData(g)
	a.clear()
	a.sink.OnDone()
	return nil
}

func (a *Aggregator) syncTrack(f *media.AudioFrame) error {
	id := a.track.id
	cfg, err := a.deriver.Derive(f.AudioObjectType, f.SamplingFrequencyIndex, f.ChannelCount)
	if err != nil {
		return fmt.Errorf("aggregate: track %d: %w", id, err)
	}

	err = a.registry.Update(id, func(md *track.Metadata) {
		md.Config = cfg.Config
		md.SampleRate = cfg.SampleRate
		if md.InputTimescale == 0 {
			md.InputTimescale = md.Timescale
		}
		md.Timescale = cfg.SampleRate
		md.ChannelCount = cfg.ChannelCount
		md.Codec = cfg.Codec
		md.RealCodec = cfg.RealCodec
		md.IsAAC = true
	})
	if err != nil {
		return fmt.Errorf("aggregate: sync track metadata: %w", err)
	}
	return nil
}

// Reset discards the pending group and unbinds the track without emitting
// anything. Bytes the decoder holds for an incomplete frame are dropped
// too, since they belong to the stream before the discontinuity.
func (a *Aggregator) Reset() {
	if n := a.group.Len(); n > 0 {
		a.log.Debug("discarding pending group", "track", a.track.id, "frames", n)
	}
	a.clear()
	if r, ok := a.decoder.(interface{ Reset() }); ok {
		r.Reset()
	}
}

func (a *Aggregator) clear() {
	a.group = media.NewFrameGroup()
	a.track = binding{}
}

// Len returns the number of frames in the pending group.
func (a *Aggregator) Len() int {
	return a.group.Len()
}

// ByteLength returns the payload size of the pending group.
func (a *Aggregator) ByteLength() int {
	return a.group.ByteLength
}

// DecoderStats returns the decoder's cumulative counters. Decoders that
// keep none report zeros.
func (a *Aggregator) DecoderStats() adts.DecoderStats {
	if s, ok := a.decoder.(interface{ Stats() adts.DecoderStats }); ok {
		return s.Stats()
	}
	return adts.DecoderStats{}
}

// Bound returns the track ID of the current epoch, if any.
func (a *Aggregator) Bound() (uint16, bool) {
	return a.track.id, a.track.bound
}
