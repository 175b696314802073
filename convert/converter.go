// Package convert implements color-space-aware conversion of decoded
// planar and biplanar video buffers into interleaved RGBA textures. All
// per-frame parameters (matrix, range normalization, tone mapping) are
// resolved from the buffer's declared color metadata at encode time.
package convert

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// hdrToneKnee shapes the highlight roll-off applied when tone mapping HDR
// transfers to the SDR output range.
const hdrToneKnee = 4.0

// Converter turns decoded source buffers into pooled RGBA textures on the
// GPU timeline. One Converter serves one pipeline; it is not safe for
// concurrent Encode calls.
type Converter struct {
	log  *slog.Logger
	pool *gpu.TexturePool
}

// New creates a Converter drawing output textures from pool. If log is nil,
// slog.Default() is used.
func New(pool *gpu.TexturePool, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{
		log:  log.With("component", "converter"),
		pool: pool,
	}
}

// Encode records a conversion pass into cb and returns the destination
// texture. The texture contents are undefined until the command buffer
// completes. The caller owns the returned texture.
func (c *Converter) Encode(cb *gpu.CommandBuffer, buf *media.VideoBuffer) (*gpu.Texture, error) {
	if buf.Format == media.FormatRGBA8 {
		return nil, fmt.Errorf("convert: source buffer already RGBA")
	}
	if err := validate(buf); err != nil {
		return nil, err
	}

	dst, err := c.pool.Get(buf.Width, buf.Height, media.FormatRGBA8)
	if err != nil {
		return nil, fmt.Errorf("convert: texture alloc: %w", err)
	}

	m := MatrixFor(buf.Color.Standard)
	rp := rangeParamsFor(buf.Color.Range, buf.Format.BitDepth())
	toneMap := buf.Color.Transfer.HDR()

	cb.Record(func() error {
		convertImage(dst, buf, m, rp, toneMap)
		return nil
	})
	return dst, nil
}

// validate checks plane counts and sizes before any work is recorded so a
// malformed buffer fails the produce attempt rather than the GPU timeline.
func validate(buf *media.VideoBuffer) error {
	wantPlanes := 3
	if buf.Format.Biplanar() {
		wantPlanes = 2
	}
	if len(buf.Planes) != wantPlanes || len(buf.Strides) != wantPlanes {
		return fmt.Errorf("convert: %s buffer has %d planes, want %d", buf.Format, len(buf.Planes), wantPlanes)
	}
	if buf.Width <= 0 || buf.Height <= 0 || buf.Width%2 != 0 || buf.Height%2 != 0 {
		return fmt.Errorf("convert: invalid 4:2:0 dimensions %dx%d", buf.Width, buf.Height)
	}
	bpc := buf.Format.BytesPerChannel()
	if len(buf.Planes[0]) < buf.Strides[0]*(buf.Height-1)+buf.Width*bpc {
		return fmt.Errorf("convert: luma plane too short")
	}
	return nil
}

// convertImage performs the full-frame conversion on the device timeline.
func convertImage(dst *gpu.Texture, buf *media.VideoBuffer, m Matrix, rp rangeParams, toneMap bool) {
	pix := dst.Pix()
	maxOut := 255.0

	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			yv, cb, cr := samplePlanes(buf, x, y)

			yn := (yv - rp.lumaOffset) / rp.lumaScale
			cbn := (cb - rp.chromaOffset) / rp.chromaScale
			crn := (cr - rp.chromaOffset) / rp.chromaScale

			r := m[0][0]*yn + m[0][1]*cbn + m[0][2]*crn
			g := m[1][0]*yn + m[1][1]*cbn + m[1][2]*crn
			b := m[2][0]*yn + m[2][1]*cbn + m[2][2]*crn

			if toneMap {
				r = tone(r)
				g = tone(g)
				b = tone(b)
			}

			o := (y*buf.Width + x) * 4
			pix[o] = clamp8(r * maxOut)
			pix[o+1] = clamp8(g * maxOut)
			pix[o+2] = clamp8(b * maxOut)
			pix[o+3] = 255
		}
	}
}

// samplePlanes reads raw luma and chroma code values at a pixel, branching
// on planar layout and on one- versus two-byte channels. 10-bit samples are
// stored little-endian in the low bits of 16-bit words.
func samplePlanes(buf *media.VideoBuffer, x, y int) (yv, cb, cr float64) {
	bpc := buf.Format.BytesPerChannel()
	cx, cy := x/2, y/2

	read := func(plane []byte, off int) float64 {
		if bpc == 2 {
			return float64(uint16(plane[off]) | uint16(plane[off+1])<<8)
		}
		return float64(plane[off])
	}

	yv = read(buf.Planes[0], y*buf.Strides[0]+x*bpc)

	if buf.Format.Biplanar() {
		off := cy*buf.Strides[1] + cx*2*bpc
		cb = read(buf.Planes[1], off)
		cr = read(buf.Planes[1], off+bpc)
		return yv, cb, cr
	}
	cb = read(buf.Planes[1], cy*buf.Strides[1]+cx*bpc)
	cr = read(buf.Planes[2], cy*buf.Strides[2]+cx*bpc)
	return yv, cb, cr
}

// tone applies an extended-Reinhard roll-off mapping HDR highlights above
// 1.0 back into the SDR range while leaving deep shadows nearly linear.
func tone(c float64) float64 {
	if c <= 0 {
		return c
	}
	return c * (1 + c/(hdrToneKnee*hdrToneKnee)) / (1 + c)
}

func clamp8(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}
