package studio

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/lumen/audio"
	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/pipeline"
	"github.com/zsiec/lumen/registry"
	"github.com/zsiec/lumen/source"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	dev := gpu.NewSoftwareDevice(nil)
	t.Cleanup(dev.Close)
	m := NewManager(Config{
		Device:     dev,
		Pool:       gpu.NewTexturePool(dev, nil),
		Registry:   registry.New(registry.DefaultWindow, nil),
		Scheduler:  clock.NewScheduler(60, nil),
		Engine:     audio.NewEngine(audio.DefaultRate, audio.DefaultChannels, nil),
		DisplayFPS: 60,
	})
	t.Cleanup(m.Close)
	return m
}

func barsSource(t *testing.T, key media.SourceKey) *source.Pattern {
	t.Helper()
	p, err := source.NewPattern(source.PatternConfig{
		Key: key, Width: 32, Height: 16, FPS: 30,
		Format: media.FormatNV12,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// silentSource pushes nothing and waits for cancellation.
type silentSource struct {
	key media.SourceKey
}

func (s *silentSource) Key() media.SourceKey { return s.key }

func (s *silentSource) Start(ctx context.Context, push func(*media.PCMBuffer)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerRejectsDuplicateVideoKey(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	if _, err := m.AddVideoSource(barsSource(t, "cam1")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := m.AddVideoSource(barsSource(t, "cam1")); err == nil {
		t.Error("duplicate add succeeded, want error")
	}
}

func TestManagerVideoLifecycle(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	pipe, err := m.AddVideoSource(barsSource(t, "cam1"))
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := m.VideoPipeline("cam1"); !ok || got != pipe {
		t.Error("VideoPipeline did not return the added pipeline")
	}
	if got := m.cfg.Scheduler.ClientCount(); got != 1 {
		t.Errorf("scheduler clients = %d, want 1", got)
	}

	list := m.List()
	if len(list) != 1 || list[0].Key != "cam1" || list[0].Kind != KindVideo {
		t.Errorf("List() = %+v, want one video entry for cam1", list)
	}

	m.RemoveSource("cam1")
	m.RemoveSource("cam1")

	if _, ok := m.VideoPipeline("cam1"); ok {
		t.Error("pipeline still listed after removal")
	}
	if got := pipe.State(); got != pipeline.StateStopped {
		t.Errorf("pipeline state = %v, want %v", got, pipeline.StateStopped)
	}
	if got := m.cfg.Scheduler.ClientCount(); got != 0 {
		t.Errorf("scheduler clients after removal = %d, want 0", got)
	}
}

func TestManagerAudioLifecycle(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.AddAudioSource(ctx, &silentSource{key: "mic1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddAudioSource(ctx, &silentSource{key: "mic1"}); err == nil {
		t.Error("duplicate audio add succeeded, want error")
	}
	if _, ok := m.cfg.Engine.Config("mic1"); !ok {
		t.Error("engine strip missing after add")
	}

	m.RemoveSource("mic1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.cfg.Engine.Config("mic1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine strip still present after removal")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerFrameProvider(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	if _, err := m.AddVideoSource(barsSource(t, "cam1")); err != nil {
		t.Fatal(err)
	}
	keys := m.Sources()
	if len(keys) != 1 || keys[0] != "cam1" {
		t.Errorf("Sources() = %v, want [cam1]", keys)
	}
	// No ticks delivered yet, so no frame.
	if f := m.LatestFrame("cam1"); f != nil {
		f.Release()
		t.Error("LatestFrame() != nil before any tick")
	}
	if f := m.LatestFrame("ghost"); f != nil {
		f.Release()
		t.Error("LatestFrame() for unknown source != nil")
	}
}

func TestManagerProducesUnderScheduler(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	pipe, err := m.AddVideoSource(barsSource(t, "cam1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.cfg.Scheduler.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for pipe.Snapshot().FramesProduced == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frames produced under the scheduler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f := m.LatestFrame("cam1")
	if f == nil {
		t.Fatal("LatestFrame() = nil after production")
	}
	f.Release()
}
