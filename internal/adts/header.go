// Package adts implements a stateful ADTS (Audio Data Transport Stream)
// decoder. It splits a PES payload stream into AAC access units, carrying
// partial frames across calls, and stamps each frame with timing derived
// from the PES timestamps it arrived with.
package adts

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when a header carries the sync word but its
// fields are unusable.
var ErrInvalidADTS = errors.New("adts: invalid header")

// ErrTruncated is returned when fewer bytes than a full header are present.
var ErrTruncated = errors.New("adts: truncated header")

var errNoSync = errors.New("adts: no sync word")

const (
	headerSize = 7
	crcSize    = 2
)

// AAC sampling frequency table (ISO 14496-3, Table 1.18).
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// SampleRate maps a sampling_frequency_index to Hz.
func SampleRate(index int) (int, bool) {
	if index < 0 || index >= len(sampleRates) {
		return 0, false
	}
	return sampleRates[index], true
}

// Header is a parsed ADTS fixed+variable header.
type Header struct {
	HasCRC                 bool
	AudioObjectType        int // profile + 1
	SamplingFrequencyIndex int
	ChannelConfig          int
	FrameLength            int // header included
	RawDataBlocks          int // number_of_raw_data_blocks_in_frame + 1
}

// Size is the header length in bytes, including the CRC when present.
func (h Header) Size() int {
	if h.HasCRC {
		return headerSize + crcSize
	}
	return headerSize
}

// SampleRate returns the sample rate in Hz.
func (h Header) SampleRate() int {
	return sampleRates[h.SamplingFrequencyIndex]
}

// SampleCount returns the number of PCM samples per channel in the frame.
func (h Header) SampleCount() int {
	return h.RawDataBlocks * mpeg4audio.SamplesPerAccessUnit
}

// ParseHeader decodes the ADTS header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < headerSize {
		return h, ErrTruncated
	}
	if b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return h, errNoSync
	}

	h.HasCRC = b[1]&0x01 == 0
	h.AudioObjectType = int(b[2]>>6) + 1
	h.SamplingFrequencyIndex = int(b[2] >> 2 & 0x0F)
	h.ChannelConfig = int(b[2]&0x01)<<2 | int(b[3]>>6)
	h.FrameLength = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	h.RawDataBlocks = int(b[6]&0x03) + 1

	if h.SamplingFrequencyIndex >= len(sampleRates) {
		return h, fmt.Errorf("%w: sampling frequency index %d", ErrInvalidADTS, h.SamplingFrequencyIndex)
	}
	if h.FrameLength <= h.Size() {
		return h, fmt.Errorf("%w: frame length %d", ErrInvalidADTS, h.FrameLength)
	}
	return h, nil
}
