// Package output provides GroupWriter implementations that persist or
// forward completed audio frame groups.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/adtsgroup/internal/media"
	"github.com/zsiec/adtsgroup/internal/track"
)

// ErrNotAAC is returned when a group's track has not been identified as
// AAC and cannot be re-wrapped.
var ErrNotAAC = errors.New("output: track is not AAC")

// Writer consumes completed groups; it matches pipeline.GroupWriter.
type Writer interface {
	WriteGroup(g *media.FrameGroup, md track.Metadata) error
}

// GroupRecord is the JSON form of one group written by JSONLines.
type GroupRecord struct {
	Stream       string  `json:"stream,omitempty"`
	TrackID      uint16  `json:"trackId"`
	Kind         string  `json:"kind"`
	Frames       int     `json:"frames"`
	ByteLength   int     `json:"byteLength"`
	Duration     float64 `json:"duration"`
	FirstDTS     int64   `json:"firstDts"`
	FirstPTS     int64   `json:"firstPts"`
	Codec        string  `json:"codec"`
	RealCodec    string  `json:"realCodec,omitempty"`
	SampleRate   int     `json:"sampleRate"`
	ChannelCount int     `json:"channelCount"`
	Config       []byte  `json:"config,omitempty"`
}

// NewGroupRecord summarizes g and its track metadata.
func NewGroupRecord(stream string, g *media.FrameGroup, md track.Metadata) GroupRecord {
	return GroupRecord{
		Stream:       stream,
		TrackID:      g.TrackID,
		Kind:         g.Kind,
		Frames:       g.Len(),
		ByteLength:   g.ByteLength,
		Duration:     g.Duration,
		FirstDTS:     g.FirstDTS,
		FirstPTS:     g.FirstPTS,
		Codec:        md.Codec,
		RealCodec:    md.RealCodec,
		SampleRate:   md.SampleRate,
		ChannelCount: md.ChannelCount,
		Config:       md.Config,
	}
}

// JSONLines writes one JSON object per group.
type JSONLines struct {
	stream string

	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a writer that tags each record with stream.
func NewJSONLines(w io.Writer, stream string) *JSONLines {
	return &JSONLines{stream: stream, enc: json.NewEncoder(w)}
}

// WriteGroup implements pipeline.GroupWriter.
func (j *JSONLines) WriteGroup(g *media.FrameGroup, md track.Metadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(NewGroupRecord(j.stream, g, md)); err != nil {
		return fmt.Errorf("output: encode group: %w", err)
	}
	return nil
}

// ADTSFile re-wraps every frame of a group in an ADTS header and appends
// the result to w, producing a stream any AAC player can open.
type ADTSFile struct {
	mu sync.Mutex
	w  io.Writer
}

// NewADTSFile creates a writer appending ADTS frames to w.
func NewADTSFile(w io.Writer) *ADTSFile {
	return &ADTSFile{w: w}
}

// WriteGroup implements pipeline.GroupWriter.
func (a *ADTSFile) WriteGroup(g *media.FrameGroup, md track.Metadata) error {
	if !md.IsAAC {
		return fmt.Errorf("%w: track %d", ErrNotAAC, md.ID)
	}
	pkts := make(mpeg4audio.ADTSPackets, 0, g.Len())
	for _, f := range g.Frames {
		rate := f.SampleRate
		if rate == 0 {
			rate = md.SampleRate
		}
		pkts = append(pkts, &mpeg4audio.ADTSPacket{
			Type:         mpeg4audio.ObjectType(f.AudioObjectType),
			SampleRate:   rate,
			ChannelCount: md.ChannelCount,
			AU:           f.Data,
		})
	}
	buf, err := pkts.Marshal()
	if err != nil {
		return fmt.Errorf("output: marshal ADTS for track %d: %w", md.ID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(buf); err != nil {
		return fmt.Errorf("output: write ADTS: %w", err)
	}
	return nil
}

// Multi fans a group out to several writers in order. The first error
// stops the fan-out.
type Multi []Writer

// WriteGroup implements pipeline.GroupWriter.
func (m Multi) WriteGroup(g *media.FrameGroup, md track.Metadata) error {
	for _, w := range m {
		if err := w.WriteGroup(g, md); err != nil {
			return err
		}
	}
	return nil
}
