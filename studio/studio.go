// Package studio tracks the lifecycle of active sources, wiring each new
// source into the shared device, registry, scheduler and audio engine and
// tearing that wiring down on removal.
package studio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/lumen/audio"
	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/effects"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/pipeline"
	"github.com/zsiec/lumen/registry"
)

// SourceKind distinguishes the two pipeline families.
type SourceKind string

const (
	KindVideo SourceKind = "video"
	KindAudio SourceKind = "audio"
)

// SourceInfo is the JSON-serializable summary of an active source.
type SourceInfo struct {
	Key       media.SourceKey    `json:"key"`
	Kind      SourceKind         `json:"kind"`
	StartedAt time.Time          `json:"startedAt"`
	Video     *pipeline.Snapshot `json:"video,omitempty"`
	Levels    *audio.Levels      `json:"levels,omitempty"`
}

type videoEntry struct {
	pipe      *pipeline.Video
	clientID  string
	startedAt time.Time
}

type audioEntry struct {
	pipe      *audio.Pipeline
	startedAt time.Time
}

// Config assembles the shared infrastructure a Manager wires sources into.
type Config struct {
	Device     gpu.Device
	Pool       *gpu.TexturePool
	Registry   *registry.Registry
	Scheduler  *clock.Scheduler
	Engine     *audio.Engine
	DisplayFPS float64
	Log        *slog.Logger
}

// Manager manages the lifecycle of active sources. Each video source gets
// its own pipeline and effect chain registered on the display clock; each
// audio source gets a push pipeline into the mixing engine.
type Manager struct {
	log *slog.Logger
	cfg Config

	mu    sync.RWMutex
	video map[media.SourceKey]*videoEntry
	audio map[media.SourceKey]*audioEntry
}

// NewManager creates a manager. If cfg.Log is nil, slog.Default() is used.
func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.DisplayFPS <= 0 {
		cfg.DisplayFPS = clock.DefaultRefreshRate
	}
	return &Manager{
		log:   log.With("component", "studio"),
		cfg:   cfg,
		video: make(map[media.SourceKey]*videoEntry),
		audio: make(map[media.SourceKey]*audioEntry),
	}
}

// AddVideoSource creates a pipeline for the source and registers it on the
// display clock. A duplicate key is rejected.
func (m *Manager) AddVideoSource(src pipeline.VideoSource) (*pipeline.Video, error) {
	key := src.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.video[key]; ok {
		m.log.Warn("source already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("studio: video source %q already exists", key)
	}

	pipe := pipeline.NewVideo(pipeline.VideoConfig{
		Source:     src,
		Device:     m.cfg.Device,
		Pool:       m.cfg.Pool,
		Registry:   m.cfg.Registry,
		Chain:      effects.NewChain(m.log),
		DisplayFPS: m.cfg.DisplayFPS,
		Log:        m.log,
	})
	clientID := m.cfg.Scheduler.Register(pipe)

	m.video[key] = &videoEntry{
		pipe:      pipe,
		clientID:  clientID,
		startedAt: time.Now(),
	}
	m.log.Info("video source added", "key", key)
	return pipe, nil
}

// AddAudioSource creates a push pipeline into the mixing engine and starts
// it under ctx. A duplicate key is rejected.
func (m *Manager) AddAudioSource(ctx context.Context, src audio.Source) (*audio.Pipeline, error) {
	key := src.Key()

	m.mu.Lock()
	if _, ok := m.audio[key]; ok {
		m.mu.Unlock()
		m.log.Warn("source already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("studio: audio source %q already exists", key)
	}

	pipe := audio.NewPipeline(src, m.cfg.Engine, m.log)
	m.audio[key] = &audioEntry{pipe: pipe, startedAt: time.Now()}
	m.mu.Unlock()

	go func() {
		if err := pipe.Run(ctx); err != nil {
			m.log.Error("audio source failed", "key", key, "error", err)
		}
		m.RemoveSource(key)
	}()

	m.log.Info("audio source added", "key", key)
	return pipe, nil
}

// VideoPipeline returns the pipeline for a video source key.
func (m *Manager) VideoPipeline(key media.SourceKey) (*pipeline.Video, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.video[key]
	if !ok {
		return nil, false
	}
	return e.pipe, true
}

// RemoveSource stops and unregisters a source of either kind. Idempotent.
func (m *Manager) RemoveSource(key media.SourceKey) {
	m.mu.Lock()
	ve, hadVideo := m.video[key]
	if hadVideo {
		delete(m.video, key)
	}
	ae, hadAudio := m.audio[key]
	if hadAudio {
		delete(m.audio, key)
	}
	m.mu.Unlock()

	if hadVideo {
		ve.pipe.Stop()
		m.cfg.Scheduler.Unregister(ve.clientID)
		m.cfg.Registry.RemoveSource(key)
		m.log.Info("video source removed", "key", key)
	}
	if hadAudio {
		ae.pipe.Stop()
		m.log.Info("audio source removed", "key", key)
	}
}

// List returns summaries of all active sources.
func (m *Manager) List() []SourceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SourceInfo, 0, len(m.video)+len(m.audio))
	for key, e := range m.video {
		snap := e.pipe.Snapshot()
		out = append(out, SourceInfo{
			Key:       key,
			Kind:      KindVideo,
			StartedAt: e.startedAt,
			Video:     &snap,
		})
	}
	for key, e := range m.audio {
		info := SourceInfo{Key: key, Kind: KindAudio, StartedAt: e.startedAt}
		if levels, ok := m.cfg.Engine.SourceLevels(key); ok {
			info.Levels = &levels
		}
		out = append(out, info)
	}
	return out
}

// Sources implements the monitor frame provider: active video source keys.
func (m *Manager) Sources() []media.SourceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]media.SourceKey, 0, len(m.video))
	for key := range m.video {
		keys = append(keys, key)
	}
	return keys
}

// LatestFrame implements the monitor frame provider, returning a retained
// frame the caller must release.
func (m *Manager) LatestFrame(key media.SourceKey) *gpu.Frame {
	m.mu.RLock()
	e, ok := m.video[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.pipe.LatestFrame()
}

// Close stops every source. Idempotent.
func (m *Manager) Close() {
	for _, key := range m.allKeys() {
		m.RemoveSource(key)
	}
}

func (m *Manager) allKeys() []media.SourceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]media.SourceKey, 0, len(m.video)+len(m.audio))
	for key := range m.video {
		keys = append(keys, key)
	}
	for key := range m.audio {
		keys = append(keys, key)
	}
	return keys
}
