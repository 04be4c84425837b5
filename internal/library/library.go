// Package library is the TOML-backed catalog of media sources. Each source
// maps a stream id to a validated media file; the catalog survives restarts
// and can be edited externally, picked up by the file watcher.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/ffmpeg"
	"github.com/pvolkov/streamrelay/internal/streams"
)

// Source is one catalog entry.
type Source struct {
	ID        int       `toml:"id" json:"id" example:"1" doc:"Source identifier, doubles as the stream id"`
	Name      string    `toml:"name" json:"name" example:"lobby.mp4" doc:"Display name"`
	Path      string    `toml:"path" json:"path" example:"/media/lobby.mp4" doc:"Media file path"`
	Width     int       `toml:"width" json:"width" example:"1920" doc:"Probed frame width"`
	Height    int       `toml:"height" json:"height" example:"1080" doc:"Probed frame height"`
	FPS       string    `toml:"fps" json:"fps" example:"30" doc:"Probed frame rate"`
	CreatedAt time.Time `toml:"created_at" json:"created_at" doc:"Registration time"`
}

// catalog is the on-disk layout.
type catalog struct {
	Version int               `toml:"version"`
	Sources map[string]Source `toml:"sources"`
}

// ActivityChecker reports whether a stream currently has a running session.
// Satisfied by the stream controller.
type ActivityChecker interface {
	SessionStartTime(streamID int) (int64, bool)
}

// Purger clears the detection index for a removed source.
type Purger interface {
	EvictAll(streamID int) int
}

// Library manages the source catalog.
type Library struct {
	path   string
	prober ffmpeg.Prober
	bus    *events.Bus
	logger *slog.Logger

	// optional collaborators, wired after construction
	activity ActivityChecker
	purger   Purger

	mu  sync.RWMutex
	cfg *catalog
}

// New creates a library over the given catalog file.
func New(path string, prober ffmpeg.Prober, bus *events.Bus, logger *slog.Logger) *Library {
	if path == "" {
		path = "sources.toml"
	}
	return &Library{
		path:   path,
		prober: prober,
		bus:    bus,
		logger: logger,
		cfg: &catalog{
			Version: 1,
			Sources: make(map[string]Source),
		},
	}
}

// SetActivityChecker wires the stream controller for removal guards.
func (l *Library) SetActivityChecker(a ActivityChecker) {
	l.activity = a
}

// SetPurger wires the detection index for removal cascade.
func (l *Library) SetPurger(p Purger) {
	l.purger = p
}

// Load reads the catalog from disk. A missing file is an empty catalog.
func (l *Library) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Library) loadLocked() error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read source catalog: %w", err)
	}

	cfg := &catalog{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse source catalog: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]Source)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	l.cfg = cfg
	return nil
}

func (l *Library) saveLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	data, err := toml.Marshal(l.cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal source catalog: %w", err)
	}

	if err := os.WriteFile(l.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write source catalog: %w", err)
	}
	return nil
}

// Add probes a media file and registers it under the next free id. The file
// must carry a decodable video track with known dimensions and frame rate.
func (l *Library) Add(ctx context.Context, name, path string) (Source, error) {
	props, err := l.prober.Probe(ctx, path)
	if err != nil || props == nil {
		return Source{}, streams.NewStreamError(streams.ErrCodeConfigError,
			fmt.Sprintf("source %s failed validation", path), err)
	}

	if name == "" {
		name = filepath.Base(path)
	}

	l.mu.Lock()
	id := l.nextIDLocked()
	src := Source{
		ID:        id,
		Name:      name,
		Path:      path,
		Width:     props.Width,
		Height:    props.Height,
		FPS:       formatFPS(props.FPS),
		CreatedAt: time.Now(),
	}
	l.cfg.Sources[strconv.Itoa(id)] = src
	err = l.saveLocked()
	l.mu.Unlock()

	if err != nil {
		return Source{}, err
	}

	l.logger.Info("Source added", "source_id", id, "name", name, "path", path)
	if l.bus != nil {
		l.bus.Publish(events.SourceAddedEvent{
			SourceID:  id,
			Name:      name,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return src, nil
}

// Remove deletes a source. A source backing a live stream cannot be removed;
// stop the stream first. Detections indexed under the source's stream id are
// purged with it.
func (l *Library) Remove(id int) error {
	if l.activity != nil {
		if _, running := l.activity.SessionStartTime(id); running {
			return streams.NewStreamError(streams.ErrCodeInvalidState,
				fmt.Sprintf("source %d backs a running stream", id), nil)
		}
	}

	l.mu.Lock()
	key := strconv.Itoa(id)
	if _, ok := l.cfg.Sources[key]; !ok {
		l.mu.Unlock()
		return streams.NewStreamError(streams.ErrCodeSourceNotFound,
			fmt.Sprintf("source %d not found", id), nil)
	}
	delete(l.cfg.Sources, key)
	err := l.saveLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}

	if l.purger != nil {
		l.purger.EvictAll(id)
	}

	l.logger.Info("Source removed", "source_id", id)
	if l.bus != nil {
		l.bus.Publish(events.SourceRemovedEvent{
			SourceID:  id,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// Get returns one source by id.
func (l *Library) Get(id int) (Source, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.cfg.Sources[strconv.Itoa(id)]
	return src, ok
}

// List returns every source ordered by id.
func (l *Library) List() []Source {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Source, 0, len(l.cfg.Sources))
	for _, src := range l.cfg.Sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve satisfies the stream controller's source lookup.
func (l *Library) Resolve(streamID int) (streams.SourceInfo, error) {
	src, ok := l.Get(streamID)
	if !ok {
		return streams.SourceInfo{}, fmt.Errorf("source %d not in catalog", streamID)
	}
	return streams.SourceInfo{
		Path:   src.Path,
		Width:  src.Width,
		Height: src.Height,
		FPS:    src.FPS,
	}, nil
}

// nextIDLocked returns one past the highest id in the catalog.
func (l *Library) nextIDLocked() int {
	next := 1
	for _, src := range l.cfg.Sources {
		if src.ID >= next {
			next = src.ID + 1
		}
	}
	return next
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
