// Package source provides the built-in media sources: a synthetic color
// bar generator for video and a WAV file reader for audio. Both pace
// themselves against the caller's clock, so pipelines see them exactly
// like capture hardware.
package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/lumen/media"
)

// barLevel is the bar signal amplitude (75% bars).
const barLevel = 0.75

// bars75 are the classic color bars, left to right, as linear RGB.
var bars75 = [8][3]float64{
	{1, 1, 1}, // white
	{1, 1, 0}, // yellow
	{0, 1, 1}, // cyan
	{0, 1, 0}, // green
	{1, 0, 1}, // magenta
	{1, 0, 0}, // red
	{0, 0, 1}, // blue
	{0, 0, 0}, // black
}

// PatternConfig describes a synthetic bar source.
type PatternConfig struct {
	Key    media.SourceKey
	Width  int
	Height int
	FPS    float64
	Format media.PixelFormat
	Color  media.ColorInfo
}

// Pattern is a paced color bar generator. Planes are rendered once; each
// due poll hands out the same immutable planes under a fresh timestamp.
type Pattern struct {
	cfg     PatternConfig
	planes  [][]byte
	strides []int

	mu      sync.Mutex
	nextDue time.Duration
}

// NewPattern renders the bar pattern for the configured format.
func NewPattern(cfg PatternConfig) (*Pattern, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("source: invalid pattern size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Format == media.FormatRGBA8 {
		return nil, fmt.Errorf("source: pattern renders planar formats, not %s", cfg.Format)
	}

	p := &Pattern{cfg: cfg}
	p.render()
	return p, nil
}

// Key returns the source key.
func (p *Pattern) Key() media.SourceKey { return p.cfg.Key }

// NominalFPS returns the configured frame rate.
func (p *Pattern) NominalFPS() float64 { return p.cfg.FPS }

// LatestBuffer returns the next frame when one is due at or before the
// given host time, nil otherwise. Never blocks.
func (p *Pattern) LatestBuffer(atOrBefore time.Duration) *media.VideoBuffer {
	interval := time.Duration(float64(time.Second) / p.cfg.FPS)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextDue == 0 {
		p.nextDue = atOrBefore
	}
	if atOrBefore < p.nextDue {
		return nil
	}
	pts := p.nextDue
	p.nextDue += interval
	if atOrBefore-p.nextDue > interval {
		p.nextDue = atOrBefore + interval
	}

	return &media.VideoBuffer{
		Width:   p.cfg.Width,
		Height:  p.cfg.Height,
		Format:  p.cfg.Format,
		Planes:  p.planes,
		Strides: p.strides,
		PTS:     pts,
		FPS:     p.cfg.FPS,
		Color:   p.cfg.Color,
	}
}

func (p *Pattern) render() {
	w, h := p.cfg.Width, p.cfg.Height
	depth := p.cfg.Format.BitDepth()
	bpc := p.cfg.Format.BytesPerChannel()

	// Per-bar Y'CbCr values in the buffer's color standard and range.
	var ys, cbs, crs [8]int
	for i, rgb := range bars75 {
		ys[i], cbs[i], crs[i] = encodeYCbCr(
			rgb[0]*barLevel, rgb[1]*barLevel, rgb[2]*barLevel,
			p.cfg.Color, depth)
	}

	barAt := func(x int) int { return x * 8 / w }

	luma := make([]byte, w*h*bpc)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			putSample(luma, (y*w+x)*bpc, bpc, ys[barAt(x)])
		}
	}

	cw, ch := w/2, h/2
	if p.cfg.Format.Biplanar() {
		cbcr := make([]byte, cw*ch*2*bpc)
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				bar := barAt(x * 2)
				off := (y*cw + x) * 2 * bpc
				putSample(cbcr, off, bpc, cbs[bar])
				putSample(cbcr, off+bpc, bpc, crs[bar])
			}
		}
		p.planes = [][]byte{luma, cbcr}
		p.strides = []int{w * bpc, cw * 2 * bpc}
		return
	}

	cb := make([]byte, cw*ch*bpc)
	cr := make([]byte, cw*ch*bpc)
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			bar := barAt(x * 2)
			off := (y*cw + x) * bpc
			putSample(cb, off, bpc, cbs[bar])
			putSample(cr, off, bpc, crs[bar])
		}
	}
	p.planes = [][]byte{luma, cb, cr}
	p.strides = []int{w * bpc, cw * bpc, cw * bpc}
}

func putSample(dst []byte, off, bpc, v int) {
	if bpc == 1 {
		dst[off] = byte(v)
		return
	}
	dst[off] = byte(v)
	dst[off+1] = byte(v >> 8)
}

// encodeYCbCr converts linear R'G'B' in [0,1] to code values for the given
// standard, range and bit depth.
func encodeYCbCr(r, g, b float64, color media.ColorInfo, depth int) (y, cb, cr int) {
	var kr, kb float64
	switch color.Standard {
	case media.StandardBT601:
		kr, kb = 0.299, 0.114
	case media.StandardBT2020:
		kr, kb = 0.2627, 0.0593
	default:
		kr, kb = 0.2126, 0.0722
	}
	kg := 1 - kr - kb

	yv := kr*r + kg*g + kb*b
	cbv := (b - yv) / (2 * (1 - kb))
	crv := (r - yv) / (2 * (1 - kr))

	var yOff, yScale, cOff, cScale float64
	if color.Range == media.RangeFull {
		maxV := float64(int(1)<<depth - 1)
		yOff, yScale = 0, maxV
		cOff, cScale = float64(int(1)<<(depth-1)), maxV
	} else {
		scale := float64(int(1) << (depth - 8))
		yOff, yScale = 16*scale, 219*scale
		cOff, cScale = 128*scale, 224*scale
	}

	return clampCode(yOff+yv*yScale, depth),
		clampCode(cOff+cbv*cScale, depth),
		clampCode(cOff+crv*cScale, depth)
}

func clampCode(v float64, depth int) int {
	maxV := int(1)<<depth - 1
	n := int(v + 0.5)
	if n < 0 {
		return 0
	}
	if n > maxV {
		return maxV
	}
	return n
}
