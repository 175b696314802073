package effects

import (
	"math"
	"sync/atomic"
)

// Parameter is a named, ranged, steppable numeric control. The UI writes and
// pipelines read concurrently; the value is a single atomic scalar, so
// readers may observe either the old or new value but never a torn one.
type Parameter struct {
	name string
	min  float64
	max  float64
	def  float64
	step float64
	bits atomic.Uint64
}

// NewParameter creates a parameter initialized to its default value.
func NewParameter(name string, def, min, max, step float64) *Parameter {
	p := &Parameter{name: name, min: min, max: max, def: def, step: step}
	p.bits.Store(math.Float64bits(def))
	return p
}

// Name returns the parameter's stable key within its effect.
func (p *Parameter) Name() string { return p.name }

// Min returns the lower bound.
func (p *Parameter) Min() float64 { return p.min }

// Max returns the upper bound.
func (p *Parameter) Max() float64 { return p.max }

// Default returns the default value.
func (p *Parameter) Default() float64 { return p.def }

// Step returns the UI increment granularity.
func (p *Parameter) Step() float64 { return p.step }

// Value returns the current value. Read once per frame by effects.
func (p *Parameter) Value() float64 {
	return math.Float64frombits(p.bits.Load())
}

// Set stores v clamped to [min,max] and snapped to the step grid.
func (p *Parameter) Set(v float64) {
	if p.step > 0 {
		v = p.min + math.Round((v-p.min)/p.step)*p.step
	}
	v = math.Min(p.max, math.Max(p.min, v))
	p.bits.Store(math.Float64bits(v))
}

// Reset restores the default value.
func (p *Parameter) Reset() {
	p.bits.Store(math.Float64bits(p.def))
}
