package convert

import (
	"testing"

	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// nv12Buffer builds a 2x2 NV12 buffer with uniform luma and chroma values.
func nv12Buffer(yv, cb, cr byte, color media.ColorInfo) *media.VideoBuffer {
	return &media.VideoBuffer{
		Width:  2,
		Height: 2,
		Format: media.FormatNV12,
		Planes: [][]byte{
			{yv, yv, yv, yv},
			{cb, cr},
		},
		Strides: []int{2, 2},
		Color:   color,
	}
}

// i420Buffer10 builds a 2x2 10-bit planar buffer with uniform values.
func i420Buffer10(yv, cb, cr uint16, color media.ColorInfo) *media.VideoBuffer {
	le := func(v uint16, n int) []byte {
		out := make([]byte, 0, n*2)
		for range n {
			out = append(out, byte(v), byte(v>>8))
		}
		return out
	}
	return &media.VideoBuffer{
		Width:   2,
		Height:  2,
		Format:  media.FormatI420_10,
		Planes:  [][]byte{le(yv, 4), le(cb, 1), le(cr, 1)},
		Strides: []int{4, 2, 2},
		Color:   color,
	}
}

// runConvert encodes and executes a conversion, returning the first pixel.
func runConvert(t *testing.T, buf *media.VideoBuffer) [4]byte {
	t.Helper()
	dev := gpu.NewSoftwareDevice(nil)
	t.Cleanup(dev.Close)
	pool := gpu.NewTexturePool(dev, nil)
	c := New(pool, nil)

	cb := gpu.NewCommandBuffer()
	tex, err := c.Encode(cb, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	done := make(chan error, 1)
	cb.OnComplete(func(err error) { done <- err })
	if err := dev.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("execute: %v", err)
	}
	p := tex.Pix()
	return [4]byte{p[0], p[1], p[2], p[3]}
}

func TestConvertVideoRangeWhite(t *testing.T) {
	t.Parallel()
	// Y=235 is reference white in 8-bit video range.
	px := runConvert(t, nv12Buffer(235, 128, 128, media.ColorInfo{}))
	for i := range 3 {
		if px[i] != 255 {
			t.Fatalf("white: got %v", px)
		}
	}
	if px[3] != 255 {
		t.Errorf("alpha: got %d, want 255", px[3])
	}
}

func TestConvertVideoRangeBlack(t *testing.T) {
	t.Parallel()
	px := runConvert(t, nv12Buffer(16, 128, 128, media.ColorInfo{}))
	for i := range 3 {
		if px[i] != 0 {
			t.Fatalf("black: got %v", px)
		}
	}
}

func TestConvertFullRangeGray(t *testing.T) {
	t.Parallel()
	px := runConvert(t, nv12Buffer(128, 128, 128, media.ColorInfo{Range: media.RangeFull}))
	for i := range 3 {
		if px[i] != 128 {
			t.Fatalf("gray: got %v, want 128s", px)
		}
	}
}

func TestConvertMatrixSelection(t *testing.T) {
	t.Parallel()
	// A saturated Cr excursion decodes to different reds under BT.601
	// (1.402) and BT.709 (1.5748).
	buf601 := nv12Buffer(81, 90, 240, media.ColorInfo{Standard: media.StandardBT601})
	buf709 := nv12Buffer(81, 90, 240, media.ColorInfo{Standard: media.StandardBT709})

	px601 := runConvert(t, buf601)
	px709 := runConvert(t, buf709)
	if px601 == px709 {
		t.Fatalf("601 and 709 decoded identically: %v", px601)
	}
	if px601[0] >= px709[0] {
		t.Errorf("red channel: 601=%d should be below 709=%d", px601[0], px709[0])
	}
}

func TestConvertUnknownStandardDefaults709(t *testing.T) {
	t.Parallel()
	odd := media.ColorStandard(99)
	pxOdd := runConvert(t, nv12Buffer(81, 90, 240, media.ColorInfo{Standard: odd}))
	px709 := runConvert(t, nv12Buffer(81, 90, 240, media.ColorInfo{Standard: media.StandardBT709}))
	if pxOdd != px709 {
		t.Errorf("unknown standard: got %v, want BT.709 result %v", pxOdd, px709)
	}
}

func TestConvert10BitPlanar(t *testing.T) {
	t.Parallel()
	// Y=940 is reference white in 10-bit video range.
	px := runConvert(t, i420Buffer10(940, 512, 512, media.ColorInfo{}))
	for i := range 3 {
		if px[i] != 255 {
			t.Fatalf("10-bit white: got %v", px)
		}
	}
}

func TestConvertToneMapAutoEnables(t *testing.T) {
	t.Parallel()
	sdr := runConvert(t, nv12Buffer(180, 128, 128, media.ColorInfo{}))
	pq := runConvert(t, nv12Buffer(180, 128, 128, media.ColorInfo{Transfer: media.TransferPQ}))
	if sdr == pq {
		t.Error("PQ transfer should tone map and differ from SDR output")
	}
	if pq[0] >= sdr[0] {
		t.Errorf("tone map should compress midtones: pq=%d sdr=%d", pq[0], sdr[0])
	}
}

func TestEncodeRejectsBadPlaneCount(t *testing.T) {
	t.Parallel()
	dev := gpu.NewSoftwareDevice(nil)
	t.Cleanup(dev.Close)
	c := New(gpu.NewTexturePool(dev, nil), nil)

	buf := nv12Buffer(128, 128, 128, media.ColorInfo{})
	buf.Planes = buf.Planes[:1]
	buf.Strides = buf.Strides[:1]
	if _, err := c.Encode(gpu.NewCommandBuffer(), buf); err == nil {
		t.Fatal("expected error for missing chroma plane")
	}
}
