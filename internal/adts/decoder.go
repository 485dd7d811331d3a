package adts

import (
	"errors"
	"log/slog"

	"github.com/zsiec/adtsgroup/internal/media"
)

// DecoderStats counts what the decoder did with its input.
type DecoderStats struct {
	Frames         int64
	ResyncBytes    int64
	InvalidHeaders int64
}

type stamp struct {
	dts, pts int64
}

// Decoder turns fed PES payloads into AudioFrames. It is not safe for
// concurrent use; the frame callback runs synchronously inside Feed.
type Decoder struct {
	log     *slog.Logger
	onFrame func(*media.AudioFrame)

	buf []byte

	// base stamps the frame that starts at buf[0]; index counts the frames
	// already emitted against it. A payload fed while bytes are still
	// buffered takes over at switchAt.
	base     stamp
	index    int64
	next     stamp
	switchAt int

	stats DecoderStats
}

// NewDecoder creates a Decoder that hands every complete frame to onFrame.
// If log is nil, slog.Default() is used.
func NewDecoder(onFrame func(*media.AudioFrame), log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:      log.With("component", "adts"),
		onFrame:  onFrame,
		switchAt: -1,
	}
}

// Feed appends payload to the decoder and emits every frame that is now
// complete. Frame k decoded against one payload is stamped k frame
// durations after that payload's timestamps.
func (d *Decoder) Feed(payload []byte, dts, pts int64) {
	if len(d.buf) == 0 {
		d.base, d.index, d.switchAt = stamp{dts, pts}, 0, -1
	} else {
		d.next, d.switchAt = stamp{dts, pts}, len(d.buf)
	}
	d.decode(payload)
}

// Continue appends a payload that carries no timestamp. Its frames keep
// counting frame durations from the last stamped payload; before any
// stamped payload the count starts at zero.
func (d *Decoder) Continue(payload []byte) {
	d.decode(payload)
}

func (d *Decoder) decode(payload []byte) {
	d.buf = append(d.buf, payload...)

	off := 0
	for {
		if d.switchAt >= 0 && off >= d.switchAt {
			d.base, d.index, d.switchAt = d.next, 0, -1
		}
		h, err := ParseHeader(d.buf[off:])
		switch {
		case errors.Is(err, ErrTruncated):
		case errors.Is(err, errNoSync):
			d.stats.ResyncBytes++
			off++
			continue
		case err != nil:
			d.stats.InvalidHeaders++
			d.log.Debug("skipping ADTS header", "error", err)
			off++
			continue
		case off+h.FrameLength <= len(d.buf):
			d.emit(h, d.buf[off+h.Size():off+h.FrameLength])
			off += h.FrameLength
			continue
		}
		break
	}

	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	if d.switchAt >= 0 {
		d.switchAt -= off
	}
}

func (d *Decoder) emit(h Header, au []byte) {
	rate := int64(h.SampleRate())
	offset := d.index * int64(h.SampleCount()) * media.ClockRate / rate
	d.index++

	f := &media.AudioFrame{
		DTS:                    d.base.dts + offset,
		PTS:                    d.base.pts + offset,
		Data:                   append([]byte(nil), au...),
		SampleRate:             int(rate),
		SampleCount:            h.SampleCount(),
		AudioObjectType:        h.AudioObjectType,
		SamplingFrequencyIndex: h.SamplingFrequencyIndex,
		ChannelCount:           h.ChannelConfig,
	}
	d.stats.Frames++
	if d.onFrame != nil {
		d.onFrame(f)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially buffered frame. The frame count is kept so an
// untimed payload after a reset does not reuse earlier timestamps.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.switchAt = -1
}

// Stats returns cumulative decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}
