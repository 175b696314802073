// Package audio implements the mixing engine: per-source strips with
// volume/pan/mute/solo, linear resampling to the target rate, constant-power
// panning, master gain, a soft-knee output limiter, and peak/RMS metering.
// Sources push PCM; an output (speaker or publisher) pulls mixed passes.
package audio

import (
	"log/slog"
	"math"
	"sync"

	"github.com/zsiec/lumen/media"
)

// Default output format and the per-source buffer bound: one second of
// audio absorbs source jitter without accumulating latency; beyond that the
// oldest samples drop.
const (
	DefaultRate     = 48000
	DefaultChannels = 2
	maxBufferedSec  = 1
)

// MixConfig is the per-source mixing state mutated by the UI and read each
// mix pass.
type MixConfig struct {
	Volume float64 // linear gain, 1 = unity
	Pan    float64 // -1 full left .. +1 full right
	Muted  bool
	Solo   bool
}

// DefaultMixConfig returns unity gain, centered, unmuted.
func DefaultMixConfig() MixConfig {
	return MixConfig{Volume: 1}
}

// Levels is the metering result of one mix pass or one source strip.
type Levels struct {
	Peak float64 `json:"peak"`
	RMS  float64 `json:"rms"`
}

// strip is the engine-internal state for one source.
type strip struct {
	cfg    MixConfig
	buf    []float32 // interleaved at engine rate/channels
	levels Levels
}

// Engine accumulates per-source audio into a mixed output. All methods are
// safe for concurrent use; Push arrives from source goroutines while an
// output goroutine drives MixNext.
type Engine struct {
	log      *slog.Logger
	rate     int
	channels int
	limiter  Limiter

	mu      sync.Mutex
	strips  map[media.SourceKey]*strip
	master  float64
	levels  Levels
	dropped int64
}

// NewEngine creates an Engine mixing to the given rate and channel count
// (defaults apply when <= 0). If log is nil, slog.Default() is used.
func NewEngine(rate, channels int, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if rate <= 0 {
		rate = DefaultRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &Engine{
		log:      log.With("component", "audio-engine"),
		rate:     rate,
		channels: channels,
		limiter:  NewLimiter(),
		strips:   make(map[media.SourceKey]*strip),
		master:   1,
	}
}

// Rate returns the engine output sample rate.
func (e *Engine) Rate() int { return e.rate }

// Channels returns the engine output channel count.
func (e *Engine) Channels() int { return e.channels }

// AddSource registers a source strip with default mix settings. Adding an
// existing source is a no-op.
func (e *Engine) AddSource(key media.SourceKey) {
	e.mu.Lock()
	if _, ok := e.strips[key]; !ok {
		e.strips[key] = &strip{cfg: DefaultMixConfig()}
		e.log.Info("source added", "key", key)
	}
	e.mu.Unlock()
}

// RemoveSource drops a source strip and its buffered audio. Idempotent.
func (e *Engine) RemoveSource(key media.SourceKey) {
	e.mu.Lock()
	if _, ok := e.strips[key]; ok {
		delete(e.strips, key)
		e.log.Info("source removed", "key", key)
	}
	e.mu.Unlock()
}

// SetConfig replaces a source's mix settings.
func (e *Engine) SetConfig(key media.SourceKey, cfg MixConfig) {
	e.mu.Lock()
	if s, ok := e.strips[key]; ok {
		s.cfg = cfg
	}
	e.mu.Unlock()
}

// Config returns a source's mix settings and whether the source exists.
func (e *Engine) Config(key media.SourceKey) (MixConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strips[key]
	if !ok {
		return MixConfig{}, false
	}
	return s.cfg, true
}

// SetMasterVolume sets the master gain applied after accumulation.
func (e *Engine) SetMasterVolume(v float64) {
	e.mu.Lock()
	e.master = math.Max(0, v)
	e.mu.Unlock()
}

// MasterVolume returns the master gain.
func (e *Engine) MasterVolume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.master
}

// Push appends a source's PCM to its strip, resampling and remixing to the
// engine format. Unknown sources are dropped silently (the strip was
// removed mid-flight). When the strip exceeds its bound the oldest samples
// drop; latency wins over completeness.
func (e *Engine) Push(key media.SourceKey, buf *media.PCMBuffer) {
	samples := buf.Samples
	if buf.Channels != e.channels {
		samples = remixChannels(samples, buf.Channels, e.channels)
	}
	if buf.Rate != e.rate {
		samples = Resample(samples, e.channels, buf.Rate, e.rate)
	}

	limit := e.rate * e.channels * maxBufferedSec

	e.mu.Lock()
	s, ok := e.strips[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.buf = append(s.buf, samples...)
	if over := len(s.buf) - limit; over > 0 {
		s.buf = s.buf[over:]
		e.dropped += int64(over)
	}
	e.mu.Unlock()
}

// MixNext produces the next frames of mixed output: per-strip gain and
// constant-power pan, accumulation, master gain, then the soft-knee
// limiter. Underrunning strips contribute silence for the missing tail.
func (e *Engine) MixNext(frames int) ([]float32, Levels) {
	out := make([]float32, frames*e.channels)

	e.mu.Lock()
	soloActive := false
	for _, s := range e.strips {
		if s.cfg.Solo {
			soloActive = true
			break
		}
	}

	for _, s := range e.strips {
		n := frames * e.channels
		if n > len(s.buf) {
			n = len(s.buf)
		}
		chunk := s.buf[:n]
		s.buf = s.buf[n:]

		if s.cfg.Muted || (soloActive && !s.cfg.Solo) {
			// Consumed but not mixed, so a muted source does not build up
			// a backlog that bursts out on unmute.
			s.levels = Levels{}
			continue
		}

		gains := panGains(s.cfg.Pan, e.channels)
		var peak, sumSq float64
		for i, v := range chunk {
			g := s.cfg.Volume * gains[i%e.channels]
			sv := float64(v) * g
			out[i] += float32(sv)

			if a := math.Abs(sv); a > peak {
				peak = a
			}
			sumSq += sv * sv
		}
		s.levels = levelsFrom(peak, sumSq, len(chunk))
	}
	master := e.master
	e.mu.Unlock()

	var peak, sumSq float64
	for i := range out {
		v := e.limiter.Apply(float64(out[i]) * master)
		out[i] = float32(v)

		if a := math.Abs(v); a > peak {
			peak = a
		}
		sumSq += v * v
	}
	lv := levelsFrom(peak, sumSq, len(out))

	e.mu.Lock()
	e.levels = lv
	e.mu.Unlock()
	return out, lv
}

// MasterLevels returns the metering of the most recent mix pass.
func (e *Engine) MasterLevels() Levels {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.levels
}

// SourceLevels returns a source's post-fader metering from the most recent
// mix pass.
func (e *Engine) SourceLevels(key media.SourceKey) (Levels, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strips[key]
	if !ok {
		return Levels{}, false
	}
	return s.levels, true
}

// panGains returns per-channel gains for the constant-power pan law:
// total acoustic power stays constant as pan sweeps, with each channel at
// cos/sin of the pan angle. Non-stereo outputs pan nothing.
func panGains(pan float64, channels int) []float64 {
	if channels != 2 {
		g := make([]float64, channels)
		for i := range g {
			g[i] = 1
		}
		return g
	}
	angle := (pan + 1) * math.Pi / 4
	return []float64{math.Cos(angle), math.Sin(angle)}
}

func levelsFrom(peak, sumSq float64, n int) Levels {
	if n == 0 {
		return Levels{}
	}
	return Levels{Peak: peak, RMS: math.Sqrt(sumSq / float64(n))}
}
