package effects

import (
	"github.com/zsiec/lumen/gpu"
)

// Blur softens the image with a separable box filter. Radius 0 passes the
// source through untouched.
type Blur struct {
	enabledFlag
	radius *Parameter
}

// NewBlur creates a Blur effect with radius 0.
func NewBlur() *Blur {
	return &Blur{radius: NewParameter("radius", 0, 0, 20, 1)}
}

// Name implements Effect.
func (b *Blur) Name() string { return "blur" }

// Params implements Effect.
func (b *Blur) Params() []*Parameter { return []*Parameter{b.radius} }

// Radius returns the blur radius control in pixels.
func (b *Blur) Radius() *Parameter { return b.radius }

// Encode implements Effect.
func (b *Blur) Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) (*gpu.Texture, error) {
	if int(b.radius.Value()) <= 0 {
		return src, nil
	}
	tmp, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		return nil, err
	}
	dst, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		pool.Put(tmp)
		return nil, err
	}
	cb.Record(func() error {
		r := int(b.radius.Value())
		if r <= 0 {
			copy(tmp.Pix(), src.Pix())
			copy(dst.Pix(), src.Pix())
			return nil
		}
		boxPass(src.Pix(), tmp.Pix(), src.Width(), src.Height(), r, true)
		boxPass(tmp.Pix(), dst.Pix(), src.Width(), src.Height(), r, false)
		return nil
	})
	cb.OnComplete(func(error) { pool.Put(tmp) })
	return dst, nil
}

// boxPass averages a 1-D window of 2r+1 samples, horizontally or
// vertically, with edge clamping.
func boxPass(src, dst []byte, w, h, r int, horizontal bool) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			n := 0
			for d := -r; d <= r; d++ {
				sx, sy := x, y
				if horizontal {
					sx = clampInt(x+d, 0, w-1)
				} else {
					sy = clampInt(y+d, 0, h-1)
				}
				o := (sy*w + sx) * 4
				for c := range 4 {
					sum[c] += int(src[o+c])
				}
				n++
			}
			o := (y*w + x) * 4
			for c := range 4 {
				dst[o+c] = byte(sum[c] / n)
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
