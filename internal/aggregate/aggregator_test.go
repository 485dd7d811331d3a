package aggregate

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/zsiec/adtsgroup/internal/aacconfig"
	"github.com/zsiec/adtsgroup/internal/adts"
	"github.com/zsiec/adtsgroup/internal/media"
	"github.com/zsiec/adtsgroup/internal/mpegts"
	"github.com/zsiec/adtsgroup/internal/track"
)

const testPID = 0x101

// fakeDecoder turns every fed payload into one 48 kHz AAC-LC stereo frame
// unless frames overrides it.
type fakeDecoder struct {
	onFrame func(*media.AudioFrame)
	feeds   int
	untimed int
	resets  int
	lastPTS int64
	stats   adts.DecoderStats
	frames  func(payload []byte, dts, pts int64) []*media.AudioFrame
}

func (d *fakeDecoder) Feed(payload []byte, dts, pts int64) {
	d.feeds++
	d.lastPTS = pts
	if d.frames != nil {
		for _, f := range d.frames(payload, dts, pts) {
			d.onFrame(f)
		}
		return
	}
	d.onFrame(&media.AudioFrame{
		DTS: dts, PTS: pts, Data: payload,
		SampleRate: 48000, SampleCount: 1024,
		AudioObjectType: 2, SamplingFrequencyIndex: 3, ChannelCount: 2,
	})
}

// Continue stamps its frame one 48 kHz frame duration after the last one.
func (d *fakeDecoder) Continue(payload []byte) {
	d.untimed++
	d.lastPTS += 1920
	d.onFrame(&media.AudioFrame{
		DTS: d.lastPTS, PTS: d.lastPTS, Data: payload,
		SampleRate: 48000, SampleCount: 1024,
		AudioObjectType: 2, SamplingFrequencyIndex: 3, ChannelCount: 2,
	})
}

func (d *fakeDecoder) Stats() adts.DecoderStats {
	return d.stats
}

func (d *fakeDecoder) Reset() {
	d.resets++
}

type recordingSink struct {
	events []string
	groups []*media.FrameGroup
}

func (s *recordingSink) OnData(g *media.FrameGroup) {
	s.events = append(s.events, "data")
	s.groups = append(s.groups, g)
}

func (s *recordingSink) OnDone() {
	s.events = append(s.events, "done")
}

type harness struct {
	agg      *Aggregator
	dec      *fakeDecoder
	sink     *recordingSink
	registry *track.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dec:      &fakeDecoder{},
		sink:     &recordingSink{},
		registry: track.NewRegistry(nil),
	}
	h.registry.Add(testPID, mpegts.StreamTypeADTS)
	opts = append([]Option{WithDecoder(func(onFrame func(*media.AudioFrame)) Decoder {
		h.dec.onFrame = onFrame
		return h.dec
	})}, opts...)
	h.agg = New(h.registry, h.sink, opts...)
	return h
}

func adtsPacket(pts int64, payload []byte) *mpegts.ElementaryPacket {
	return &mpegts.ElementaryPacket{
		StreamType: mpegts.StreamTypeADTS,
		PID:        testPID,
		PTS:        pts,
		DTS:        pts,
		HasPTS:     true,
		Payload:    payload,
	}
}

func TestFlushExampleScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sizes := []int{300, 310, 290}
	for i, pts := range []int64{90000, 91920, 93840} {
		h.agg.Accept(adtsPacket(pts, make([]byte, sizes[i])))
	}
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(h.sink.events) != 2 || h.sink.events[0] != "data" || h.sink.events[1] != "done" {
		t.Fatalf("events = %v, want [data done]", h.sink.events)
	}
	g := h.sink.groups[0]
	if g.FirstDTS != 90000 || g.FirstPTS != 90000 {
		t.Errorf("FirstDTS/FirstPTS = %d/%d, want 90000/90000", g.FirstDTS, g.FirstPTS)
	}
	lastDuration := 48000.0 * 1024.0 / 90000.0
	if want := lastDuration + 3840; g.Duration != want {
		t.Errorf("duration = %v, want %v", g.Duration, want)
	}
	if math.Abs(g.Duration-4386.13) > 0.01 {
		t.Errorf("duration = %v, want ~4386.13", g.Duration)
	}
	if g.ByteLength != 900 {
		t.Errorf("ByteLength = %d, want 900", g.ByteLength)
	}
	if g.Kind != media.KindAudio || g.TrackID != testPID || g.Len() != 3 {
		t.Errorf("group = kind %q track %d frames %d", g.Kind, g.TrackID, g.Len())
	}
	if h.agg.Len() != 0 || h.agg.ByteLength() != 0 {
		t.Errorf("pending after flush: %d frames, %d bytes", h.agg.Len(), h.agg.ByteLength())
	}
	if _, bound := h.agg.Bound(); bound {
		t.Error("track should be unbound after flush")
	}
}

func TestByteLengthIsSumOfPayloads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	want := 0
	for i := range 7 {
		n := 17*i + 3
		want += n
		h.agg.Accept(adtsPacket(int64(i)*1920, make([]byte, n)))
		if h.agg.ByteLength() != want {
			t.Fatalf("after %d frames ByteLength = %d, want %d", i+1, h.agg.ByteLength(), want)
		}
	}
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	g := h.sink.groups[0]
	sum := 0
	for _, f := range g.Frames {
		sum += len(f.Data)
	}
	if g.ByteLength != sum || sum != want {
		t.Errorf("ByteLength = %d, sum = %d, want %d", g.ByteLength, sum, want)
	}
}

func TestSingleFrameDuration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		return []*media.AudioFrame{{
			DTS: dts, PTS: pts, Data: payload,
			SampleRate: 44100, SampleCount: 2048,
			AudioObjectType: 2, SamplingFrequencyIndex: 4, ChannelCount: 2,
		}}
	}

	h.agg.Accept(adtsPacket(12345, []byte{1, 2, 3}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	g := h.sink.groups[0]
	if want := float64(44100*2048) / 90000; g.Duration != want {
		t.Errorf("duration = %v, want %v", g.Duration, want)
	}
	if g.FirstPTS != 12345 {
		t.Errorf("FirstPTS = %d, want 12345", g.FirstPTS)
	}
}

func TestMultiFrameDurationUsesLastFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rates := []int{48000, 48000, 24000}
	i := 0
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		f := &media.AudioFrame{
			DTS: dts - 100, PTS: pts, Data: payload,
			SampleRate: rates[i], SampleCount: 1024,
			AudioObjectType: 2, SamplingFrequencyIndex: 3, ChannelCount: 2,
		}
		i++
		return []*media.AudioFrame{f}
	}

	for _, pts := range []int64{1000, 2920, 7000} {
		h.agg.Accept(adtsPacket(pts, []byte{0}))
	}
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	g := h.sink.groups[0]
	want := float64(24000*1024)/90000 + float64(7000-1000)
	if g.Duration != want {
		t.Errorf("duration = %v, want %v", g.Duration, want)
	}
	if g.FirstDTS != 900 || g.FirstPTS != 1000 {
		t.Errorf("FirstDTS/FirstPTS = %d/%d, want 900/1000", g.FirstDTS, g.FirstPTS)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.events) != 0 {
		t.Errorf("events = %v, want none", h.sink.events)
	}
	g := h.agg.group
	if g.ByteLength != 0 || g.Duration != 0 || g.FirstDTS != 0 || g.FirstPTS != 0 {
		t.Errorf("defaults changed: %+v", g)
	}
	md, _ := h.registry.Get(testPID)
	if md.IsAAC {
		t.Error("empty flush must not touch track metadata")
	}
}

func TestFlushAfterFlushIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agg.Accept(adtsPacket(0, []byte{1}))
	h.agg.Flush()
	h.agg.Flush()

	if len(h.sink.events) != 2 {
		t.Errorf("events = %v, want exactly one data/done pair", h.sink.events)
	}
}

func TestNewEpochAfterFlush(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.Add(0x102, mpegts.StreamTypeADTS)

	h.agg.Accept(adtsPacket(0, []byte{1, 1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	pkt := adtsPacket(1920, []byte{2})
	pkt.PID = 0x102
	h.agg.Accept(pkt)
	if id, bound := h.agg.Bound(); !bound || id != 0x102 {
		t.Fatalf("Bound = %d/%v, want 0x102/true", id, bound)
	}
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	second := h.sink.groups[1]
	if second.TrackID != 0x102 || second.Len() != 1 || second.ByteLength != 1 {
		t.Errorf("second group = track %d, %d frames, %d bytes", second.TrackID, second.Len(), second.ByteLength)
	}
	if h.sink.groups[0] == second {
		t.Error("groups must not be reused across epochs")
	}
}

func TestResetDiscardsSilently(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.agg.Accept(adtsPacket(0, []byte{1, 2}))
	h.agg.Accept(adtsPacket(1920, []byte{3}))
	h.agg.Reset()

	if len(h.sink.events) != 0 {
		t.Errorf("events = %v, want none", h.sink.events)
	}
	if h.agg.Len() != 0 || h.agg.ByteLength() != 0 {
		t.Errorf("pending after reset: %d frames, %d bytes", h.agg.Len(), h.agg.ByteLength())
	}
	if _, bound := h.agg.Bound(); bound {
		t.Error("track should be unbound after reset")
	}
	if h.dec.resets != 1 {
		t.Errorf("decoder resets = %d, want 1", h.dec.resets)
	}
	if err := h.agg.Flush(); err != nil || len(h.sink.events) != 0 {
		t.Errorf("flush after reset: err=%v events=%v", err, h.sink.events)
	}
}

func TestAcceptIgnoresOtherStreamTypes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, st := range []uint8{mpegts.StreamTypeH264, mpegts.StreamTypeLATM, mpegts.StreamTypeMPEG1Audio, 0x00} {
		pkt := adtsPacket(0, []byte{1})
		pkt.StreamType = st
		h.agg.Accept(pkt)
	}
	h.agg.Accept(nil)

	if h.dec.feeds != 0 {
		t.Errorf("decoder feeds = %d, want 0", h.dec.feeds)
	}
	if _, bound := h.agg.Bound(); bound {
		t.Error("ignored packets must not bind a track")
	}
	if h.agg.Len() != 0 {
		t.Errorf("pending frames = %d, want 0", h.agg.Len())
	}
}

func TestAcceptWithoutFramesStillBinds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dec.frames = func([]byte, int64, int64) []*media.AudioFrame { return nil }

	h.agg.Accept(adtsPacket(0, []byte{0xFF}))
	if id, bound := h.agg.Bound(); !bound || id != testPID {
		t.Errorf("Bound = %d/%v, want %d/true", id, bound, testPID)
	}
	if err := h.agg.Flush(); err != nil || len(h.sink.events) != 0 {
		t.Errorf("flush with no frames: err=%v events=%v", err, h.sink.events)
	}
}

func TestFlushSyncsTrackMetadata(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.agg.Accept(adtsPacket(0, []byte{1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	md, err := h.registry.Get(testPID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(md.Config, []byte{0x11, 0x90}) {
		t.Errorf("config = %X, want 1190", md.Config)
	}
	if md.SampleRate != 48000 || md.Timescale != 48000 {
		t.Errorf("sampleRate/timescale = %d/%d, want 48000/48000", md.SampleRate, md.Timescale)
	}
	if md.InputTimescale != 90000 {
		t.Errorf("inputTimescale = %d, want 90000", md.InputTimescale)
	}
	if md.ChannelCount != 2 || md.Codec != "mp4a.40.2" || md.RealCodec != "mp4a.40.2" || !md.IsAAC {
		t.Errorf("metadata = %+v", md)
	}
}

func TestTrackMetadataReflectsLatestGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sfi, rate, channels := 3, 48000, 2
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		return []*media.AudioFrame{{
			DTS: dts, PTS: pts, Data: payload,
			SampleRate: rate, SampleCount: 1024,
			AudioObjectType: 2, SamplingFrequencyIndex: sfi, ChannelCount: channels,
		}}
	}

	h.agg.Accept(adtsPacket(0, []byte{1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	sfi, rate, channels = 4, 44100, 1
	h.agg.Accept(adtsPacket(1920, []byte{1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}

	md, _ := h.registry.Get(testPID)
	if md.SampleRate != 44100 || md.Timescale != 44100 || md.ChannelCount != 1 {
		t.Errorf("metadata = %+v, want 44100 Hz mono", md)
	}
	if md.InputTimescale != 90000 {
		t.Errorf("inputTimescale = %d, want 90000 preserved from first flush", md.InputTimescale)
	}
	if !bytes.Equal(md.Config, []byte{0x12, 0x08}) {
		t.Errorf("config = %X, want 1208", md.Config)
	}
}

func TestFlushUsesFirstFrameForMetadata(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sfis := []int{3, 4}
	i := 0
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		rate := []int{48000, 44100}[i]
		f := &media.AudioFrame{
			DTS: dts, PTS: pts, Data: payload,
			SampleRate: rate, SampleCount: 1024,
			AudioObjectType: 2, SamplingFrequencyIndex: sfis[i], ChannelCount: 2,
		}
		i++
		return []*media.AudioFrame{f}
	}

	h.agg.Accept(adtsPacket(0, []byte{1}))
	h.agg.Accept(adtsPacket(1920, []byte{1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	md, _ := h.registry.Get(testPID)
	if md.SampleRate != 48000 {
		t.Errorf("sampleRate = %d, want 48000 from the first frame", md.SampleRate)
	}
}

func TestFlushTrackNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	pkt := adtsPacket(0, []byte{1})
	pkt.PID = 0x1FF // never registered
	h.agg.Accept(pkt)

	err := h.agg.Flush()
	if !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("Flush error = %v, want ErrNotFound", err)
	}
	if len(h.sink.events) != 0 {
		t.Errorf("events = %v, want none on failed sync", h.sink.events)
	}
	if h.agg.Len() != 1 {
		t.Errorf("pending frames = %d, want the group kept", h.agg.Len())
	}

	h.agg.Reset()
	if h.agg.Len() != 0 {
		t.Error("Reset should discard the kept group")
	}
}

func TestFlushUnboundTrack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Frames delivered outside Accept leave the epoch unbound.
	h.dec.onFrame(&media.AudioFrame{Data: []byte{1}, SampleRate: 48000, SampleCount: 1024})

	if err := h.agg.Flush(); !errors.Is(err, ErrTrackUnbound) {
		t.Fatalf("Flush error = %v, want ErrTrackUnbound", err)
	}
	if len(h.sink.events) != 0 {
		t.Errorf("events = %v, want none", h.sink.events)
	}
}

func TestFlushDeriveError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		return []*media.AudioFrame{{
			Data: payload, SampleRate: 48000, SampleCount: 1024,
			AudioObjectType: 2, SamplingFrequencyIndex: 3, ChannelCount: 0,
		}}
	}

	h.agg.Accept(adtsPacket(0, []byte{1}))
	if err := h.agg.Flush(); !errors.Is(err, aacconfig.ErrUnsupportedConfig) {
		t.Fatalf("Flush error = %v, want ErrUnsupportedConfig", err)
	}
	if len(h.sink.events) != 0 {
		t.Errorf("events = %v, want none", h.sink.events)
	}
}

func TestWithDeriverForceLC(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithDeriver(aacconfig.Deriver{ForceLC: true}))
	h.dec.frames = func(payload []byte, dts, pts int64) []*media.AudioFrame {
		return []*media.AudioFrame{{
			Data: payload, SampleRate: 48000, SampleCount: 1024,
			AudioObjectType: 1, SamplingFrequencyIndex: 3, ChannelCount: 2,
		}}
	}

	h.agg.Accept(adtsPacket(0, []byte{1}))
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	md, _ := h.registry.Get(testPID)
	if md.Codec != "mp4a.40.2" || md.RealCodec != "mp4a.40.1" {
		t.Errorf("codec/realCodec = %q/%q, want mp4a.40.2/mp4a.40.1", md.Codec, md.RealCodec)
	}
}

func TestSinkFuncs(t *testing.T) {
	t.Parallel()
	var order []string
	registry := track.NewRegistry(nil)
	registry.Add(testPID, mpegts.StreamTypeADTS)

	dec := &fakeDecoder{}
	agg := New(registry, SinkFuncs{
		Data: func(*media.FrameGroup) { order = append(order, "data") },
		Done: func() { order = append(order, "done") },
	}, WithDecoder(func(onFrame func(*media.AudioFrame)) Decoder {
		dec.onFrame = onFrame
		return dec
	}))

	agg.Accept(adtsPacket(0, []byte{1}))
	if err := agg.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "data" || order[1] != "done" {
		t.Errorf("order = %v, want [data done]", order)
	}

	// Nil callbacks are skipped.
	SinkFuncs{}.OnData(nil)
	SinkFuncs{}.OnDone()
}

func TestAcceptWithoutPTSContinuesTiming(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.agg.Accept(adtsPacket(90000, make([]byte, 300)))
	h.agg.Accept(adtsPacket(91920, make([]byte, 310)))
	untimed := adtsPacket(0, make([]byte, 290))
	untimed.HasPTS = false
	h.agg.Accept(untimed)

	if h.dec.feeds != 2 || h.dec.untimed != 1 {
		t.Fatalf("feeds/untimed = %d/%d, want 2/1", h.dec.feeds, h.dec.untimed)
	}
	if err := h.agg.Flush(); err != nil {
		t.Fatal(err)
	}
	g := h.sink.groups[0]
	if last := g.Frames[2].PTS; last != 93840 {
		t.Errorf("untimed frame PTS = %d, want 93840", last)
	}
	want := 48000.0*1024/90000 + 3840
	if math.Abs(g.Duration-want) > 1e-9 {
		t.Errorf("duration = %v, want %v", g.Duration, want)
	}
}

func TestDecoderStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dec.stats = adts.DecoderStats{Frames: 4, ResyncBytes: 7, InvalidHeaders: 2}

	if got := h.agg.DecoderStats(); got != h.dec.stats {
		t.Errorf("DecoderStats = %+v, want %+v", got, h.dec.stats)
	}
}

func TestDecoderStatsRealDecoder(t *testing.T) {
	t.Parallel()
	agg := New(track.NewRegistry(nil), &recordingSink{})
	// Ten bytes of garbage: four resync steps, then too short for a header.
	agg.Accept(adtsPacket(0, make([]byte, 10)))

	if got := agg.DecoderStats().ResyncBytes; got != 4 {
		t.Errorf("resync bytes = %d, want 4", got)
	}
}
