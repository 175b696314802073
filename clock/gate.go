package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Gate decides whether a tick should trigger production for one pipeline,
// throttling the display cadence down to the content's native rate. The
// pass interval is 1/min(contentFPS, displayFPS); an unknown content rate
// gates nothing. Due times accumulate on the content grid rather than
// snapping to tick times, so a 24 fps source on a 60 Hz clock passes ≈24
// ticks per second instead of drifting down to 20.
//
// Pass is called from a single pipeline goroutine; SetContentFPS may be
// called concurrently (source metadata updates).
type Gate struct {
	displayFPS float64
	contentFPS atomic.Uint64 // float64 bits

	nextDue time.Duration
	primed  bool
}

// NewGate creates a gate for a pipeline running under a displayFPS clock.
func NewGate(displayFPS float64) *Gate {
	if displayFPS <= 0 {
		displayFPS = DefaultRefreshRate
	}
	return &Gate{displayFPS: displayFPS}
}

// SetContentFPS updates the source's nominal frame rate. Zero or negative
// means unknown, which disables gating.
func (g *Gate) SetContentFPS(fps float64) {
	g.contentFPS.Store(math.Float64bits(fps))
}

// ContentFPS returns the current nominal content rate, 0 when unknown.
func (g *Gate) ContentFPS() float64 {
	return math.Float64frombits(g.contentFPS.Load())
}

// Pass reports whether this tick should trigger production, updating the
// gate's schedule when it does.
func (g *Gate) Pass(t Tick) bool {
	fps := g.ContentFPS()
	if fps <= 0 || fps >= g.displayFPS {
		return true
	}
	interval := time.Duration(float64(time.Second) / fps)

	if !g.primed {
		g.primed = true
		g.nextDue = t.Time + interval
		return true
	}
	if t.Time < g.nextDue {
		return false
	}
	g.nextDue += interval
	// A stall longer than one interval would otherwise cause a burst of
	// passes; resynchronize to the tick instead.
	if t.Time-g.nextDue > interval {
		g.nextDue = t.Time + interval
	}
	return true
}
