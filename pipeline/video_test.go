package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/effects"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/registry"
)

// stubSource hands out a fresh NV12 buffer on every poll unless starved.
type stubSource struct {
	key     media.SourceKey
	fps     float64
	mu      sync.Mutex
	starved bool
	polls   int
}

func (s *stubSource) Key() media.SourceKey { return s.key }
func (s *stubSource) NominalFPS() float64  { return s.fps }

func (s *stubSource) LatestBuffer(atOrBefore time.Duration) *media.VideoBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.starved {
		return nil
	}
	return nv12Gray(4, 4, atOrBefore)
}

func (s *stubSource) starve(on bool) {
	s.mu.Lock()
	s.starved = on
	s.mu.Unlock()
}

func nv12Gray(w, h int, pts time.Duration) *media.VideoBuffer {
	y := make([]byte, w*h)
	for i := range y {
		y[i] = 128
	}
	c := make([]byte, w*h/2)
	for i := range c {
		c[i] = 128
	}
	return &media.VideoBuffer{
		Width:   w,
		Height:  h,
		Format:  media.FormatNV12,
		Planes:  [][]byte{y, c},
		Strides: []int{w, w},
		PTS:     pts,
	}
}

// holdDevice allocates through a real software device but parks submitted
// buffers until released, so in-flight depth is under test control.
type holdDevice struct {
	inner *gpu.SoftwareDevice

	mu      sync.Mutex
	holding bool
	held    []*gpu.CommandBuffer
}

func newHoldDevice(t *testing.T) *holdDevice {
	t.Helper()
	d := &holdDevice{inner: gpu.NewSoftwareDevice(nil)}
	t.Cleanup(d.inner.Close)
	return d
}

func (d *holdDevice) AllocTexture(w, h int, f media.PixelFormat) (*gpu.Texture, error) {
	return d.inner.AllocTexture(w, h, f)
}

func (d *holdDevice) Submit(cb *gpu.CommandBuffer) error {
	d.mu.Lock()
	if d.holding {
		d.held = append(d.held, cb)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.inner.Submit(cb)
}

func (d *holdDevice) hold() {
	d.mu.Lock()
	d.holding = true
	d.mu.Unlock()
}

// releaseHeld forwards parked buffers to the real device for execution.
func (d *holdDevice) releaseHeld(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.holding = false
	d.mu.Unlock()
	for _, cb := range held {
		if err := d.inner.Submit(cb); err != nil {
			t.Fatalf("releasing held buffer: %v", err)
		}
	}
}

type testRig struct {
	dev  *holdDevice
	pool *gpu.TexturePool
	reg  *registry.Registry
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	dev := newHoldDevice(t)
	return &testRig{
		dev:  dev,
		pool: gpu.NewTexturePool(dev, nil),
		reg:  registry.New(registry.DefaultWindow, nil),
	}
}

func (r *testRig) newVideo(t *testing.T, src VideoSource) *Video {
	t.Helper()
	v := NewVideo(VideoConfig{
		Source:     src,
		Device:     r.dev,
		Pool:       r.pool,
		Registry:   r.reg,
		Chain:      effects.NewChain(nil),
		DisplayFPS: 60,
	})
	t.Cleanup(v.Stop)
	return v
}

func tickAt(seq uint64, at time.Duration) clock.Tick {
	return clock.Tick{Seq: seq, Time: at}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestVideoProducesOnTick(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	v := rig.newVideo(t, src)

	v.handleTick(tickAt(1, 16*time.Millisecond))

	waitFor(t, func() bool { return v.Snapshot().FramesProduced == 1 }, "frame production")

	f := v.LatestFrame()
	if f == nil {
		t.Fatal("LatestFrame() = nil after production")
	}
	defer f.Release()
	if f.Source != src.key {
		t.Errorf("frame source = %q, want %q", f.Source, src.key)
	}
	if got := v.Snapshot().State; got != "published" {
		t.Errorf("state = %q, want %q", got, "published")
	}
}

func TestVideoBackpressureDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	v := rig.newVideo(t, src)

	rig.dev.hold()

	interval := 16670 * time.Microsecond
	for i := 1; i <= DefaultInFlight; i++ {
		v.handleTick(tickAt(uint64(i), time.Duration(i)*interval))
	}
	if got := v.Snapshot().DropsBackpressure; got != 0 {
		t.Fatalf("drops before saturation = %d, want 0", got)
	}

	done := make(chan struct{})
	go func() {
		v.handleTick(tickAt(4, 4*interval))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("saturated tick blocked")
	}
	if got := v.Snapshot().DropsBackpressure; got != 1 {
		t.Errorf("drops after saturated tick = %d, want 1", got)
	}

	rig.dev.releaseHeld(t)
	waitFor(t, func() bool {
		return v.Snapshot().FramesProduced == int64(DefaultInFlight)
	}, "held buffers to drain")
}

func TestVideoSharesAcrossConsumersOfOneChain(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	chain := effects.NewChain(nil)

	mk := func() *Video {
		v := NewVideo(VideoConfig{
			Source:     src,
			Device:     rig.dev,
			Pool:       rig.pool,
			Registry:   rig.reg,
			Chain:      chain,
			DisplayFPS: 60,
		})
		t.Cleanup(v.Stop)
		return v
	}
	a, b := mk(), mk()

	tk := tickAt(1, 16*time.Millisecond)
	a.handleTick(tk)
	waitFor(t, func() bool { return a.Snapshot().FramesProduced == 1 }, "first consumer production")

	b.handleTick(tk)
	if got := b.Snapshot().FramesShared; got != 1 {
		t.Errorf("second consumer shared = %d, want 1", got)
	}
	if got := b.Snapshot().FramesProduced; got != 0 {
		t.Errorf("second consumer produced = %d, want 0", got)
	}

	fa, fb := a.LatestFrame(), b.LatestFrame()
	defer fa.Release()
	defer fb.Release()
	if fa.Texture() != fb.Texture() {
		t.Error("consumers hold different textures for the same slot")
	}
}

func TestVideoStarvedSourceCancelsSlot(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	src.starve(true)
	v := rig.newVideo(t, src)

	v.handleTick(tickAt(1, 16*time.Millisecond))

	if got := v.Snapshot().SourceMisses; got != 1 {
		t.Fatalf("source misses = %d, want 1", got)
	}
	if got := rig.reg.EntryCount(src.key); got != 0 {
		t.Errorf("registry entries after cancel = %d, want 0", got)
	}
	if f := v.LatestFrame(); f != nil {
		f.Release()
		t.Error("LatestFrame() != nil with starved source")
	}
}

func TestVideoStopIdempotent(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	v := rig.newVideo(t, src)

	v.handleTick(tickAt(1, 16*time.Millisecond))
	waitFor(t, func() bool { return v.Snapshot().FramesProduced == 1 }, "frame production")

	f := v.LatestFrame()
	v.Stop()
	v.Stop()

	if !v.Closed() {
		t.Error("Closed() = false after Stop")
	}
	if got := v.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
	// Drop the registry's window reference; only the caller's retained
	// reference should survive the pipeline's release.
	rig.reg.RemoveSource(src.key)
	if got := f.RefCount(); got != 1 {
		t.Errorf("retained frame refs after Stop = %d, want 1", got)
	}
	f.Release()

	v.OnTick(tickAt(2, 33*time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	if got := v.Snapshot().FramesProduced; got != 1 {
		t.Errorf("frames produced after Stop = %d, want 1", got)
	}
}

func TestVideoStopDuringInFlightWork(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "cam1", fps: 60}
	v := rig.newVideo(t, src)

	// Park the device so the tick's work is still in flight when Stop runs,
	// then let the completion land afterwards.
	rig.dev.hold()
	v.handleTick(tickAt(1, 16*time.Millisecond))
	v.Stop()
	rig.dev.releaseHeld(t)
	settle(t, v)

	if f := v.LatestFrame(); f != nil {
		f.Release()
		t.Error("LatestFrame() after Stop returned a frame")
	}
	// The late frame's texture must make it back to the pool.
	waitFor(t, func() bool { return rig.pool.Stats().Returned == 1 }, "texture return")
}

func TestVideoGateThrottlesLowRateContent(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	src := &stubSource{key: "film", fps: 24}
	v := rig.newVideo(t, src)

	interval := time.Second / 60
	for i := 1; i <= 60; i++ {
		v.handleTick(tickAt(uint64(i), time.Duration(i)*interval))
		settle(t, v)
	}

	produced := v.Snapshot().FramesProduced
	if produced < 23 || produced > 25 {
		t.Errorf("frames produced over 1s of 24fps content = %d, want 24±1", produced)
	}
}

// settle blocks until all of the pipeline's in-flight GPU work has drained.
func settle(t *testing.T, v *Video) {
	t.Helper()
	waitFor(t, func() bool {
		if v.inflight.TryAcquire(DefaultInFlight) {
			v.inflight.Release(DefaultInFlight)
			return true
		}
		return false
	}, "in-flight work to drain")
}

func TestWatchdogFlagsSustainedLowRate(t *testing.T) {
	t.Parallel()
	var flagged int
	w := NewWatchdog(60, func(float64) { flagged++ }, nil)

	w.Sample(58)
	w.Sample(20)
	w.Sample(20)
	if w.Degraded() {
		t.Fatal("degraded after 2 low samples")
	}
	w.Sample(20)
	if !w.Degraded() {
		t.Fatal("not degraded after 3 consecutive low samples")
	}
	if flagged != 1 {
		t.Errorf("onFlag fired %d times, want 1", flagged)
	}

	w.Sample(59)
	if w.Degraded() {
		t.Error("still degraded after healthy sample")
	}

	// An isolated dip between healthy samples never trips.
	w.Sample(10)
	w.Sample(59)
	w.Sample(10)
	w.Sample(59)
	if w.Degraded() {
		t.Error("degraded by isolated dips")
	}
	if flagged != 1 {
		t.Errorf("onFlag fired %d times total, want 1", flagged)
	}
}
