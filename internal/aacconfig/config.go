// Package aacconfig derives the track-level audio configuration (codec
// config blob, RFC 6381 codec strings, sample rate, channel count) from the
// fields carried in an ADTS header.
package aacconfig

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/adtsgroup/internal/adts"
)

// ErrUnsupportedConfig is returned for ADTS field combinations that cannot
// be expressed as an AudioSpecificConfig.
var ErrUnsupportedConfig = errors.New("aacconfig: unsupported audio configuration")

// AudioConfig is the configuration a downstream muxer needs to describe an
// AAC track.
type AudioConfig struct {
	Config       []byte // AudioSpecificConfig
	SampleRate   int
	ChannelCount int
	Codec        string // advertised codec, matches Config
	RealCodec    string // codec actually present in the bitstream
}

// Deriver builds AudioConfigs. The zero value advertises the bitstream's
// own object type.
type Deriver struct {
	// ForceLC advertises AAC-LC in Config and Codec regardless of the ADTS
	// profile, for players that only accept mp4a.40.2. RealCodec still
	// reports the bitstream's profile.
	ForceLC bool
}

// Derive maps ADTS header fields to an AudioConfig.
func (d Deriver) Derive(audioObjectType, samplingFrequencyIndex, channelConfig int) (AudioConfig, error) {
	rate, ok := adts.SampleRate(samplingFrequencyIndex)
	if !ok {
		return AudioConfig{}, fmt.Errorf("%w: sampling frequency index %d", ErrUnsupportedConfig, samplingFrequencyIndex)
	}
	channels, err := channelCount(channelConfig)
	if err != nil {
		return AudioConfig{}, err
	}

	advertised := mpeg4audio.ObjectType(audioObjectType)
	if d.ForceLC {
		advertised = mpeg4audio.ObjectTypeAACLC
	}

	asc := mpeg4audio.AudioSpecificConfig{
		Type:         advertised,
		SampleRate:   rate,
		ChannelCount: channels,
	}
	config, err := asc.Marshal()
	if err != nil {
		return AudioConfig{}, fmt.Errorf("%w: %w", ErrUnsupportedConfig, err)
	}

	return AudioConfig{
		Config:       config,
		SampleRate:   rate,
		ChannelCount: channels,
		Codec:        CodecString(int(advertised)),
		RealCodec:    CodecString(audioObjectType),
	}, nil
}

// CodecString returns the RFC 6381 codecs parameter for an MPEG-4 audio
// object type.
func CodecString(audioObjectType int) string {
	return fmt.Sprintf("mp4a.40.%d", audioObjectType)
}

// channelCount maps an ADTS channel_configuration to a channel count.
// Configuration 0 defers to a program config element, which ADTS streams
// in MPEG-TS do not carry in practice.
func channelCount(config int) (int, error) {
	switch {
	case config >= 1 && config <= 6:
		return config, nil
	case config == 7:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: channel configuration %d", ErrUnsupportedConfig, config)
}
