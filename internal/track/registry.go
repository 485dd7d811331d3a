// Package track holds the per-PID track metadata shared between the audio
// aggregators that keep it current and the consumers that read it.
package track

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zsiec/adtsgroup/internal/media"
)

// ErrNotFound is returned when a track ID has no registered metadata.
var ErrNotFound = errors.New("track: not found")

// Metadata describes one elementary stream. Records are owned by the
// Registry and mutated in place; InputTimescale is assigned once and then
// left alone.
type Metadata struct {
	ID         uint16 `json:"id"`
	StreamType uint8  `json:"streamType"`

	Config         []byte `json:"config,omitempty"`
	SampleRate     int    `json:"sampleRate"`
	Timescale      int    `json:"timescale"`
	InputTimescale int    `json:"inputTimescale"`
	ChannelCount   int    `json:"channelCount"`
	Codec          string `json:"codec,omitempty"`
	RealCodec      string `json:"realCodec,omitempty"`
	IsAAC          bool   `json:"isAAC"`
}

// Registry is a table of track metadata keyed by track ID (the PID).
type Registry struct {
	log    *slog.Logger
	mu     sync.RWMutex
	tracks map[uint16]*Metadata
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "track-registry"),
		tracks: make(map[uint16]*Metadata),
	}
}

// Add registers a track with the 90 kHz transport timescale. Returns the
// record and true if created, or the existing record and false.
func (r *Registry) Add(id uint16, streamType uint8) (*Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if md, ok := r.tracks[id]; ok {
		return md, false
	}
	md := &Metadata{
		ID:         id,
		StreamType: streamType,
		Timescale:  media.ClockRate,
	}
	r.tracks[id] = md
	r.log.Info("track registered", "id", id, "stream_type", fmt.Sprintf("0x%02X", streamType))
	return md, true
}

// Lookup returns the live record for id. Mutations through the returned
// pointer are visible to every holder.
func (r *Registry) Lookup(id uint16) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(id)
}

func (r *Registry) lookup(id uint16) (*Metadata, error) {
	md, ok := r.tracks[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return md, nil
}

// Update looks up id and applies fn to the live record while holding the
// registry lock, so Snapshot readers never observe a partial write.
func (r *Registry) Update(id uint16, fn func(*Metadata)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	md, err := r.lookup(id)
	if err != nil {
		return err
	}
	fn(md)
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id uint16) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	md, err := r.lookup(id)
	if err != nil {
		return Metadata{}, err
	}
	return md.clone(), nil
}

// Remove deletes a track.
func (r *Registry) Remove(id uint16) {
	r.mu.Lock()
	_, ok := r.tracks[id]
	delete(r.tracks, id)
	r.mu.Unlock()

	if ok {
		r.log.Info("track removed", "id", id)
	}
}

// Snapshot returns copies of every record, ordered by ID.
func (r *Registry) Snapshot() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.tracks))
	for _, md := range r.tracks {
		out = append(out, md.clone())
	}
	slices.SortFunc(out, func(a, b Metadata) int {
		return int(a.ID) - int(b.ID)
	})
	return out
}

func (m *Metadata) clone() Metadata {
	c := *m
	c.Config = slices.Clone(m.Config)
	return c
}
