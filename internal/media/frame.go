// Package media defines the audio frame and frame-group types that flow from
// the ADTS decoder through the aggregator to downstream fragmentation.
package media

// ClockRate is the MPEG-TS system clock rate that PTS/DTS values are
// expressed in.
const ClockRate = 90000

// KindAudio is the only FrameGroup kind produced by this module.
const KindAudio = "audio"

// AudioFrame is a single decoded AAC access unit. Data holds the raw access
// unit with the ADTS header stripped; the remaining fields come from the
// header the frame was carried in. Frames are never mutated after the
// decoder hands them out.
type AudioFrame struct {
	DTS  int64
	PTS  int64
	Data []byte

	SampleRate  int
	SampleCount int

	AudioObjectType        int
	SamplingFrequencyIndex int
	ChannelCount           int // ADTS channel_configuration
}

// FrameGroup is an ordered batch of audio frames from one track, collected
// between two flush boundaries. ByteLength is maintained as frames are
// appended; Duration, FirstDTS and FirstPTS are only meaningful once the
// group has been flushed.
type FrameGroup struct {
	Frames     []*AudioFrame
	Kind       string
	ByteLength int
	Duration   float64
	FirstDTS   int64
	FirstPTS   int64
	TrackID    uint16
}

// NewFrameGroup returns an empty audio group with zeroed aggregate fields.
func NewFrameGroup() *FrameGroup {
	return &FrameGroup{Kind: KindAudio}
}

// Len returns the number of frames in the group.
func (g *FrameGroup) Len() int {
	return len(g.Frames)
}

// Append adds f to the end of the group and accounts for its payload size.
func (g *FrameGroup) Append(f *AudioFrame) {
	g.Frames = append(g.Frames, f)
	g.ByteLength += len(f.Data)
}
