package convert

import "github.com/zsiec/lumen/media"

// Matrix is a 3×3 YCbCr-to-RGB conversion matrix applied to normalized
// (Y', Cb, Cr) with chroma centered on zero.
type Matrix [3][3]float64

// YCbCr-to-RGB matrices per color standard, derived from the standard
// luma coefficients (Kr/Kb): BT.601 0.299/0.114, BT.709 0.2126/0.0722,
// BT.2020 0.2627/0.0593.
var (
	matrixBT601 = Matrix{
		{1, 0, 1.402},
		{1, -0.344136, -0.714136},
		{1, 1.772, 0},
	}
	matrixBT709 = Matrix{
		{1, 0, 1.5748},
		{1, -0.187324, -0.468124},
		{1, 1.8556, 0},
	}
	matrixBT2020 = Matrix{
		{1, 0, 1.4746},
		{1, -0.164553, -0.571353},
		{1, 1.8814, 0},
	}
)

// MatrixFor returns the conversion matrix for a declared standard.
// Unrecognized standards fall back to BT.709.
func MatrixFor(s media.ColorStandard) Matrix {
	switch s {
	case media.StandardBT601:
		return matrixBT601
	case media.StandardBT2020:
		return matrixBT2020
	case media.StandardBT709:
		return matrixBT709
	}
	return matrixBT709
}

// rangeParams holds the offset and scale that normalize raw luma/chroma
// code values to Y' in [0,1] and chroma in [-0.5,0.5].
type rangeParams struct {
	lumaOffset   float64
	lumaScale    float64
	chromaOffset float64
	chromaScale  float64
}

// rangeParamsFor selects normalization parameters from the declared range
// and bit depth. Video range uses the broadcast excursions (219/224 at
// 8 bits, 876/896 at 10 bits); full range uses the whole code space.
func rangeParamsFor(r media.ColorRange, bitDepth int) rangeParams {
	if bitDepth > 8 {
		if r == media.RangeFull {
			return rangeParams{0, 1023, 512, 1023}
		}
		return rangeParams{64, 876, 512, 896}
	}
	if r == media.RangeFull {
		return rangeParams{0, 255, 128, 255}
	}
	return rangeParams{16, 219, 128, 224}
}
