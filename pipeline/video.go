// Package pipeline implements the per-source video pipeline: an
// actor-isolated unit that reacts to display-clock ticks, pulls the newest
// decoded buffer from its source, converts and effects it on the GPU, and
// publishes the result through the shared frame registry. One pipeline owns
// one source's processing state; pipelines run concurrently with each other
// and with the UI but process their own messages sequentially.
package pipeline

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/convert"
	"github.com/zsiec/lumen/effects"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/registry"
)

// DefaultInFlight bounds concurrent GPU conversions per pipeline. When the
// gate is saturated a tick drops its frame explicitly instead of queueing
// work behind a slow device.
const DefaultInFlight = 3

// VideoSource is the pull side of a video source collaborator.
// LatestBuffer must be non-blocking, returning nil when no buffer newer
// than the last call is available at or before the given host time.
type VideoSource interface {
	Key() media.SourceKey
	NominalFPS() float64
	LatestBuffer(atOrBefore time.Duration) *media.VideoBuffer
}

// State is the observable processing state of a pipeline, re-entered per
// gated tick. Stopped is terminal.
type State int32

// Pipeline states.
const (
	StateIdle State = iota
	StateAwaitingFrame
	StateConverting
	StateEffecting
	StatePublished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFrame:
		return "awaiting-frame"
	case StateConverting:
		return "converting"
	case StateEffecting:
		return "effecting"
	case StatePublished:
		return "published"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Snapshot is a point-in-time view of pipeline health for telemetry.
type Snapshot struct {
	Source            media.SourceKey `json:"source"`
	State             string          `json:"state"`
	FPS               float64         `json:"fps"`
	FramesProduced    int64           `json:"framesProduced"`
	FramesShared      int64           `json:"framesShared"`
	TicksSkipped      int64           `json:"ticksSkipped"`
	DropsBackpressure int64           `json:"dropsBackpressure"`
	DropsFailure      int64           `json:"dropsFailure"`
	SourceMisses      int64           `json:"sourceMisses"`
	Degraded          bool            `json:"degraded"`
}

// VideoConfig assembles a video pipeline's collaborators.
type VideoConfig struct {
	Source   VideoSource
	Device   gpu.Device
	Pool     *gpu.TexturePool
	Registry *registry.Registry
	Chain    *effects.Chain
	// DisplayFPS is the scheduler cadence the gate throttles against.
	DisplayFPS float64
	// InFlight overrides DefaultInFlight when > 0.
	InFlight int64
	Log      *slog.Logger
}

// Video is the per-source video pipeline actor.
type Video struct {
	log   *slog.Logger
	src   VideoSource
	dev   gpu.Device
	pool  *gpu.TexturePool
	reg   *registry.Registry
	chain *effects.Chain
	conv  *convert.Converter
	gate  *clock.Gate

	inflight *semaphore.Weighted
	ticks    chan clock.Tick
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	state atomic.Int32

	latestMu sync.RWMutex
	latest   *gpu.Frame

	// Held producing slot, cancelled on Stop so no consumer waits forever.
	slotMu   sync.Mutex
	heldSlot *heldSlot

	framesProduced    atomic.Int64
	framesShared      atomic.Int64
	ticksSkipped      atomic.Int64
	dropsBackpressure atomic.Int64
	dropsFailure      atomic.Int64
	sourceMisses      atomic.Int64

	fpsBits     atomic.Uint64 // float64 bits of the last one-second sample
	windowStart time.Duration
	windowCount int64

	watchdog *Watchdog
}

// NewVideo creates and starts a video pipeline. The pipeline registers
// nothing itself; callers register it with a scheduler and keep the
// returned handle for Stop.
func NewVideo(cfg VideoConfig) *Video {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "video-pipeline", "source", cfg.Source.Key())

	inflight := cfg.InFlight
	if inflight <= 0 {
		inflight = DefaultInFlight
	}

	gate := clock.NewGate(cfg.DisplayFPS)
	gate.SetContentFPS(cfg.Source.NominalFPS())

	target := cfg.Source.NominalFPS()
	if target <= 0 || target > cfg.DisplayFPS {
		target = cfg.DisplayFPS
	}

	v := &Video{
		log:      log,
		src:      cfg.Source,
		dev:      cfg.Device,
		pool:     cfg.Pool,
		reg:      cfg.Registry,
		chain:    cfg.Chain,
		conv:     convert.New(cfg.Pool, log),
		gate:     gate,
		inflight: semaphore.NewWeighted(inflight),
		ticks:    make(chan clock.Tick, 1),
		done:     make(chan struct{}),
	}
	v.watchdog = NewWatchdog(target, nil, log)

	go v.run()
	return v
}

type heldSlot struct {
	tick  clock.Tick
	chain effects.ChainID
}

// Key returns the pipeline's source key.
func (v *Video) Key() media.SourceKey { return v.src.Key() }

// Chain returns the pipeline's effect chain for UI mutation.
func (v *Video) Chain() *effects.Chain { return v.chain }

// State returns the current processing state.
func (v *Video) State() State { return State(v.state.Load()) }

// OnTick implements clock.Client. It never blocks: the tick lands in a
// single-slot mailbox where a newer tick replaces an unconsumed older one.
func (v *Video) OnTick(t clock.Tick) {
	if v.stopped.Load() {
		return
	}
	select {
	case v.ticks <- t:
	default:
		select {
		case <-v.ticks:
		default:
		}
		select {
		case v.ticks <- t:
		default:
		}
	}
}

// Closed implements clock.Client, letting the scheduler prune a stopped
// pipeline without an explicit unregister.
func (v *Video) Closed() bool { return v.stopped.Load() }

func (v *Video) run() {
	for {
		select {
		case <-v.done:
			return
		case t := <-v.ticks:
			v.handleTick(t)
		}
	}
}

func (v *Video) handleTick(t clock.Tick) {
	v.sampleFPS(t)

	if fps := v.src.NominalFPS(); fps != v.gate.ContentFPS() {
		v.gate.SetContentFPS(fps)
	}
	if !v.gate.Pass(t) {
		return
	}

	res := v.reg.AcquireSlot(v.src.Key(), t, v.chain.ID())
	if !res.Produce {
		if res.Shared != nil {
			v.framesShared.Add(1)
			v.setLatest(res.Shared)
			v.state.Store(int32(StatePublished))
		} else {
			// Another consumer is producing this tick; doing nothing is
			// the correct outcome, not an error.
			v.ticksSkipped.Add(1)
		}
		return
	}

	v.setHeldSlot(&heldSlot{tick: t, chain: v.chain.ID()})
	v.state.Store(int32(StateAwaitingFrame))

	buf := v.src.LatestBuffer(t.Time)
	if buf == nil {
		v.sourceMisses.Add(1)
		v.cancelHeldSlot()
		v.state.Store(int32(StateIdle))
		return
	}

	if !v.inflight.TryAcquire(1) {
		v.dropsBackpressure.Add(1)
		v.cancelHeldSlot()
		v.state.Store(int32(StateIdle))
		return
	}

	v.state.Store(int32(StateConverting))
	cb := gpu.NewCommandBuffer()
	tex, err := v.conv.Encode(cb, buf)
	if err != nil {
		v.log.Warn("conversion encode failed", "error", err)
		v.dropsFailure.Add(1)
		v.inflight.Release(1)
		v.cancelHeldSlot()
		v.state.Store(int32(StateIdle))
		return
	}

	v.state.Store(int32(StateEffecting))
	out := v.chain.Encode(cb, v.pool, tex)
	if out != tex {
		cb.OnComplete(func(error) { v.pool.Put(tex) })
	}

	key := v.src.Key()
	chainID := v.chain.ID()
	pts := buf.PTS
	cb.OnComplete(func(execErr error) {
		defer v.inflight.Release(1)
		v.clearHeldSlot(t)

		if execErr != nil {
			v.log.Warn("gpu execution failed", "error", execErr)
			v.dropsFailure.Add(1)
			v.reg.Cancel(key, t, chainID)
			v.pool.Put(out)
			return
		}

		frame := gpu.NewFrame(out, v.pool, pts, key)
		v.reg.Publish(key, t, chainID, frame)
		v.framesProduced.Add(1)
		v.windowCountAdd()
		v.setLatest(frame)
		v.state.CompareAndSwap(int32(StateEffecting), int32(StatePublished))
	})

	if err := v.dev.Submit(cb); err != nil {
		v.log.Warn("submit failed", "error", err)
		v.dropsFailure.Add(1)
		v.inflight.Release(1)
		v.cancelHeldSlot()
		v.pool.Put(out)
		if out != tex {
			v.pool.Put(tex)
		}
		v.state.Store(int32(StateIdle))
	}
}

// setLatest installs a frame as the presentation surface, consuming the
// caller's reference and releasing the previous frame.
func (v *Video) setLatest(f *gpu.Frame) {
	if f != nil && v.stopped.Load() {
		// A completion from before Stop; return the texture to the pool.
		f.Release()
		return
	}
	v.latestMu.Lock()
	old := v.latest
	v.latest = f
	v.latestMu.Unlock()
	if old != nil {
		old.Release()
	}
	// Stop may have cleared latest between the check above and the swap;
	// re-check so a racing completion cannot strand its frame.
	if f != nil && v.stopped.Load() {
		v.latestMu.Lock()
		cur := v.latest
		v.latest = nil
		v.latestMu.Unlock()
		if cur != nil {
			cur.Release()
		}
	}
}

// LatestFrame returns the most recent processed frame, retained for the
// caller, or nil. Safe to call from a render thread; it never waits on
// production.
func (v *Video) LatestFrame() *gpu.Frame {
	v.latestMu.RLock()
	defer v.latestMu.RUnlock()
	if v.latest == nil {
		return nil
	}
	return v.latest.Retain()
}

func (v *Video) setHeldSlot(s *heldSlot) {
	v.slotMu.Lock()
	v.heldSlot = s
	v.slotMu.Unlock()
}

func (v *Video) cancelHeldSlot() {
	v.slotMu.Lock()
	s := v.heldSlot
	v.heldSlot = nil
	v.slotMu.Unlock()
	if s != nil {
		v.reg.Cancel(v.src.Key(), s.tick, s.chain)
	}
}

// clearHeldSlot forgets the held slot if it still refers to tick t,
// without cancelling it (the slot was published).
func (v *Video) clearHeldSlot(t clock.Tick) {
	v.slotMu.Lock()
	if v.heldSlot != nil && v.heldSlot.tick == t {
		v.heldSlot = nil
	}
	v.slotMu.Unlock()
}

// sampleFPS rolls the one-second production window forward on tick time
// and feeds the watchdog.
func (v *Video) sampleFPS(t clock.Tick) {
	if v.windowStart == 0 {
		v.windowStart = t.Time
		return
	}
	elapsed := t.Time - v.windowStart
	if elapsed < time.Second {
		return
	}
	fps := float64(atomic.LoadInt64(&v.windowCount)) / elapsed.Seconds()
	v.fpsBits.Store(math.Float64bits(fps))
	atomic.StoreInt64(&v.windowCount, 0)
	v.windowStart = t.Time
	v.watchdog.Sample(fps)
}

func (v *Video) windowCountAdd() {
	atomic.AddInt64(&v.windowCount, 1)
}

// FPS returns the most recent one-second production rate sample.
func (v *Video) FPS() float64 { return math.Float64frombits(v.fpsBits.Load()) }

// Watchdog exposes the degradation flag for telemetry.
func (v *Video) Watchdog() *Watchdog { return v.watchdog }

// Snapshot returns current telemetry counters.
func (v *Video) Snapshot() Snapshot {
	return Snapshot{
		Source:            v.src.Key(),
		State:             v.State().String(),
		FPS:               v.FPS(),
		FramesProduced:    v.framesProduced.Load(),
		FramesShared:      v.framesShared.Load(),
		TicksSkipped:      v.ticksSkipped.Load(),
		DropsBackpressure: v.dropsBackpressure.Load(),
		DropsFailure:      v.dropsFailure.Load(),
		SourceMisses:      v.sourceMisses.Load(),
		Degraded:          v.watchdog.Degraded(),
	}
}

// Stop terminates the pipeline: no further ticks are accepted, any held
// producing slot is cancelled, and the latest frame is released.
// Idempotent; in-flight GPU completions still run and release their own
// resources.
func (v *Video) Stop() {
	v.stopOnce.Do(func() {
		v.stopped.Store(true)
		close(v.done)
		v.cancelHeldSlot()
		v.setLatest(nil)
		v.state.Store(int32(StateStopped))
		v.log.Info("stopped")
	})
}
