package audio

// Default limiter settings: engage just below full scale with a strong
// ratio so accumulated sources cannot hard-clip the output.
const (
	DefaultLimiterThreshold = 0.95
	DefaultLimiterRatio     = 10.0
)

// Limiter applies soft-knee gain reduction above a threshold. Samples at or
// below the threshold pass unchanged; excess above it is divided by the
// ratio, so a sample at 2× threshold compresses to
// threshold + (input − threshold)/ratio.
type Limiter struct {
	Threshold float64
	Ratio     float64
}

// NewLimiter creates a limiter with the default threshold and ratio.
func NewLimiter() Limiter {
	return Limiter{Threshold: DefaultLimiterThreshold, Ratio: DefaultLimiterRatio}
}

// Apply limits a single sample, preserving sign.
func (l Limiter) Apply(s float64) float64 {
	mag := s
	neg := false
	if mag < 0 {
		mag = -mag
		neg = true
	}
	if mag > l.Threshold {
		mag = l.Threshold + (mag-l.Threshold)/l.Ratio
	}
	if neg {
		return -mag
	}
	return mag
}

// Process limits a buffer in place.
func (l Limiter) Process(buf []float32) {
	for i, s := range buf {
		buf[i] = float32(l.Apply(float64(s)))
	}
}
