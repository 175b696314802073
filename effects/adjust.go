package effects

import (
	"github.com/zsiec/lumen/gpu"
)

// Adjust applies brightness, contrast, and saturation in one pass.
type Adjust struct {
	enabledFlag
	brightness *Parameter
	contrast   *Parameter
	saturation *Parameter
}

// NewAdjust creates an Adjust effect at neutral settings.
func NewAdjust() *Adjust {
	return &Adjust{
		brightness: NewParameter("brightness", 0, -1, 1, 0.01),
		contrast:   NewParameter("contrast", 1, 0, 2, 0.01),
		saturation: NewParameter("saturation", 1, 0, 2, 0.01),
	}
}

// Name implements Effect.
func (a *Adjust) Name() string { return "adjust" }

// Params implements Effect.
func (a *Adjust) Params() []*Parameter {
	return []*Parameter{a.brightness, a.contrast, a.saturation}
}

// Brightness returns the brightness control in [-1,1], 0 neutral.
func (a *Adjust) Brightness() *Parameter { return a.brightness }

// Contrast returns the contrast control in [0,2], 1 neutral.
func (a *Adjust) Contrast() *Parameter { return a.contrast }

// Saturation returns the saturation control in [0,2], 1 neutral.
func (a *Adjust) Saturation() *Parameter { return a.saturation }

// Encode implements Effect.
func (a *Adjust) Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) (*gpu.Texture, error) {
	dst, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		return nil, err
	}
	cb.Record(func() error {
		// Parameter reads happen here, once per frame on the device timeline.
		bright := a.brightness.Value() * 255
		contrast := a.contrast.Value()
		sat := a.saturation.Value()

		sp, dp := src.Pix(), dst.Pix()
		for i := 0; i < len(sp); i += 4 {
			r := float64(sp[i])
			g := float64(sp[i+1])
			b := float64(sp[i+2])

			// Rec. 709 luma for the desaturation pivot.
			luma := 0.2126*r + 0.7152*g + 0.0722*b
			r = luma + (r-luma)*sat
			g = luma + (g-luma)*sat
			b = luma + (b-luma)*sat

			r = (r-128)*contrast + 128 + bright
			g = (g-128)*contrast + 128 + bright
			b = (b-128)*contrast + 128 + bright

			dp[i] = clampByte(r)
			dp[i+1] = clampByte(g)
			dp[i+2] = clampByte(b)
			dp[i+3] = sp[i+3]
		}
		return nil
	})
	return dst, nil
}

func clampByte(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}
