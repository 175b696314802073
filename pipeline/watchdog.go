package pipeline

import (
	"log/slog"
	"sync/atomic"
)

// Watchdog defaults: a sample is low below 75% of the target rate, and
// three consecutive low one-second samples flag degradation.
const (
	watchdogLowFraction  = 0.75
	watchdogLowThreshold = 3
)

// Watchdog flags sustained sub-target frame rate. One-second FPS samples
// feed it; isolated dips are ignored, consecutive low samples trip the
// degraded flag, and a healthy sample clears it.
type Watchdog struct {
	log      *slog.Logger
	target   float64
	lowCount int
	degraded atomic.Bool
	onFlag   func(fps float64)
}

// NewWatchdog creates a watchdog for the given target FPS. onFlag, if
// non-nil, fires once each time the watchdog trips.
func NewWatchdog(target float64, onFlag func(fps float64), log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		log:    log.With("component", "watchdog"),
		target: target,
		onFlag: onFlag,
	}
}

// SetTarget updates the target rate (content FPS discovered after start).
func (w *Watchdog) SetTarget(target float64) { w.target = target }

// Sample feeds one measured FPS value. Called from the pipeline goroutine.
func (w *Watchdog) Sample(fps float64) {
	if w.target <= 0 || fps >= w.target*watchdogLowFraction {
		w.lowCount = 0
		if w.degraded.Swap(false) {
			w.log.Info("frame rate recovered", "fps", fps, "target", w.target)
		}
		return
	}

	w.lowCount++
	if w.lowCount >= watchdogLowThreshold && !w.degraded.Swap(true) {
		w.log.Warn("sustained low frame rate", "fps", fps, "target", w.target)
		if w.onFlag != nil {
			w.onFlag(fps)
		}
	}
}

// Degraded reports whether the watchdog is currently tripped.
func (w *Watchdog) Degraded() bool { return w.degraded.Load() }
