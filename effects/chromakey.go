package effects

import (
	"math"
	"sync"

	"github.com/zsiec/lumen/gpu"
)

// ChromaKey composites a background frame behind the source by keying out
// pixels near a key color. Alpha is derived from chroma distance through a
// similarity/softness ramp, then edge-feathered; spill suppression pulls
// residual key color out of kept pixels and light wrap bleeds background
// color into soft edges.
type ChromaKey struct {
	enabledFlag
	similarity *Parameter
	softness   *Parameter
	spill      *Parameter
	feather    *Parameter
	lightWrap  *Parameter
	keyR       *Parameter
	keyG       *Parameter
	keyB       *Parameter

	mu         sync.Mutex
	background *gpu.Frame
}

// NewChromaKey creates a ChromaKey tuned for a green screen.
func NewChromaKey() *ChromaKey {
	return &ChromaKey{
		similarity: NewParameter("similarity", 0.12, 0, 1, 0.005),
		softness:   NewParameter("softness", 0.08, 0, 1, 0.005),
		spill:      NewParameter("spillSuppression", 0.6, 0, 1, 0.01),
		feather:    NewParameter("edgeFeather", 1, 0, 4, 1),
		lightWrap:  NewParameter("lightWrap", 0.25, 0, 1, 0.01),
		keyR:       NewParameter("keyR", 0, 0, 1, 0.004),
		keyG:       NewParameter("keyG", 0.9, 0, 1, 0.004),
		keyB:       NewParameter("keyB", 0.1, 0, 1, 0.004),
	}
}

// Name implements Effect.
func (k *ChromaKey) Name() string { return "chromakey" }

// Params implements Effect.
func (k *ChromaKey) Params() []*Parameter {
	return []*Parameter{k.similarity, k.softness, k.spill, k.feather, k.lightWrap, k.keyR, k.keyG, k.keyB}
}

// Similarity returns the key distance below which pixels are fully removed.
func (k *ChromaKey) Similarity() *Parameter { return k.similarity }

// Softness returns the width of the ramp from removed to kept.
func (k *ChromaKey) Softness() *Parameter { return k.softness }

// SetBackground replaces the composited background frame, retaining it and
// releasing the previous one. A nil background composites over black.
func (k *ChromaKey) SetBackground(f *gpu.Frame) {
	if f != nil {
		f.Retain()
	}
	k.mu.Lock()
	old := k.background
	k.background = f
	k.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

// Encode implements Effect.
func (k *ChromaKey) Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) (*gpu.Texture, error) {
	dst, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		return nil, err
	}

	// Hold one reference for the duration of the pass so the background
	// texture cannot be recycled mid-composite.
	k.mu.Lock()
	bg := k.background
	if bg != nil {
		bg.Retain()
	}
	k.mu.Unlock()

	cb.Record(func() error {
		k.composite(src, dst, bg)
		return nil
	})
	cb.OnComplete(func(error) {
		if bg != nil {
			bg.Release()
		}
	})
	return dst, nil
}

func (k *ChromaKey) composite(src, dst *gpu.Texture, bg *gpu.Frame) {
	w, h := src.Width(), src.Height()
	sp, dp := src.Pix(), dst.Pix()

	sim := k.similarity.Value()
	soft := k.softness.Value()
	spill := k.spill.Value()
	featherR := int(k.feather.Value())
	wrap := k.lightWrap.Value()
	keyR, keyG, keyB := k.keyR.Value(), k.keyG.Value(), k.keyB.Value()
	keyCb, keyCr := rgbToChroma(keyR, keyG, keyB)

	var bgPix []byte
	bgW, bgH := 0, 0
	if bg != nil {
		bgPix = bg.Texture().Pix()
		bgW, bgH = bg.Width, bg.Height
	}

	// Pass 1: alpha from chroma distance.
	alpha := make([]float64, w*h)
	for i := range alpha {
		o := i * 4
		r := float64(sp[o]) / 255
		g := float64(sp[o+1]) / 255
		b := float64(sp[o+2]) / 255
		cbv, crv := rgbToChroma(r, g, b)
		dist := math.Hypot(cbv-keyCb, crv-keyCr)
		alpha[i] = ramp(dist, sim, soft)
	}

	// Pass 2: feather alpha with a small box average around soft edges.
	feathered := alpha
	if featherR > 0 {
		feathered = make([]float64, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum, n := 0.0, 0
				for dy := -featherR; dy <= featherR; dy++ {
					for dx := -featherR; dx <= featherR; dx++ {
						sx := clampInt(x+dx, 0, w-1)
						sy := clampInt(y+dy, 0, h-1)
						sum += alpha[sy*w+sx]
						n++
					}
				}
				feathered[y*w+x] = sum / float64(n)
			}
		}
	}

	// Pass 3: spill suppression, light wrap, and composite.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			o := i * 4
			a := feathered[i]

			r := float64(sp[o]) / 255
			g := float64(sp[o+1]) / 255
			b := float64(sp[o+2]) / 255

			// Desaturate toward luma proportionally to how key-like the
			// pixel is, scaled by the spill control.
			if spill > 0 && a < 1 {
				luma := 0.2126*r + 0.7152*g + 0.0722*b
				s := spill * (1 - a)
				r += (luma - r) * s * keyR
				g += (luma - g) * s * keyG
				b += (luma - b) * s * keyB
			}

			var br, bgc, bb float64
			if bgPix != nil {
				bx := x * bgW / w
				by := y * bgH / h
				bo := (by*bgW + bx) * 4
				br = float64(bgPix[bo]) / 255
				bgc = float64(bgPix[bo+1]) / 255
				bb = float64(bgPix[bo+2]) / 255
			}

			if wrap > 0 && a > 0 && a < 1 {
				wamt := wrap * (1 - a)
				r += (br - r) * wamt
				g += (bgc - g) * wamt
				b += (bb - b) * wamt
			}

			dp[o] = clampByte((br + (r-br)*a) * 255)
			dp[o+1] = clampByte((bgc + (g-bgc)*a) * 255)
			dp[o+2] = clampByte((bb + (b-bb)*a) * 255)
			dp[o+3] = 255
		}
	}
}

// rgbToChroma projects RGB into BT.709 Cb/Cr for key distance.
func rgbToChroma(r, g, b float64) (cb, cr float64) {
	y := 0.2126*r + 0.7152*g + 0.0722*b
	cb = (b - y) / 1.8556
	cr = (r - y) / 1.5748
	return cb, cr
}

// ramp maps a chroma distance through the similarity/softness thresholds:
// 0 (removed) below sim, 1 (kept) above sim+soft, smooth in between.
func ramp(dist, sim, soft float64) float64 {
	if dist <= sim {
		return 0
	}
	if soft <= 0 || dist >= sim+soft {
		return 1
	}
	t := (dist - sim) / soft
	return t * t * (3 - 2*t)
}
