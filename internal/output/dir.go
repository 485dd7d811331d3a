package output

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zsiec/adtsgroup/internal/media"
	"github.com/zsiec/adtsgroup/internal/track"
)

// TrackFiles writes each track of a stream to its own .aac file under a
// directory. Files are created on the first group of their track.
type TrackFiles struct {
	log    *slog.Logger
	dir    string
	stream string

	mu    sync.Mutex
	files map[uint16]*trackFile
}

type trackFile struct {
	f   *os.File
	enc *ADTSFile
}

// NewTrackFiles creates dir if needed. If log is nil, slog.Default() is used.
func NewTrackFiles(dir, stream string, log *slog.Logger) (*TrackFiles, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("output: create %s: %w", dir, err)
	}
	return &TrackFiles{
		log:    log.With("component", "track-files"),
		dir:    dir,
		stream: stream,
		files:  make(map[uint16]*trackFile),
	}, nil
}

// Path returns the file a track is written to.
func (t *TrackFiles) Path(id uint16) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(t.stream)
	return filepath.Join(t.dir, fmt.Sprintf("%s_%d.aac", name, id))
}

// WriteGroup implements pipeline.GroupWriter.
func (t *TrackFiles) WriteGroup(g *media.FrameGroup, md track.Metadata) error {
	t.mu.Lock()
	tf, ok := t.files[md.ID]
	if !ok {
		path := t.Path(md.ID)
		f, err := os.Create(path)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("output: %w", err)
		}
		tf = &trackFile{f: f, enc: NewADTSFile(f)}
		t.files[md.ID] = tf
		t.log.Info("writing track", "track", md.ID, "path", path, "codec", md.Codec)
	}
	t.mu.Unlock()
	return tf.enc.WriteGroup(g, md)
}

// Close closes every open track file.
func (t *TrackFiles) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, tf := range t.files {
		if err := tf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("output: close track %d: %w", id, err))
		}
		delete(t.files, id)
	}
	return errors.Join(errs...)
}
