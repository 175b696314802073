// Package media defines the core value types that flow through the Lumen
// processing core: decoded source buffers, pixel formats, color metadata,
// and PCM audio.
package media

import "time"

// SourceKey is the stable identity of a media source, used for frame
// deduplication and indexing. It must remain stable across re-subscription
// of the same source.
type SourceKey string

// PixelFormat identifies the memory layout of a video buffer or texture.
type PixelFormat int

// Supported pixel formats. Decoded buffers arrive planar or biplanar 4:2:0
// at 8 or 10 bits; processed textures are interleaved 8-bit RGBA.
const (
	FormatRGBA8   PixelFormat = iota // interleaved RGBA, 8 bits per channel
	FormatNV12                       // biplanar 4:2:0, 8-bit (luma plane + interleaved CbCr plane)
	FormatNV12_10                    // biplanar 4:2:0, 10-bit in the low bits of 16-bit words
	FormatI420                       // planar 4:2:0, 8-bit (separate Y, Cb, Cr planes)
	FormatI420_10                    // planar 4:2:0, 10-bit in the low bits of 16-bit words
)

// Biplanar reports whether the format stores chroma as a single interleaved
// CbCr plane rather than separate Cb and Cr planes.
func (f PixelFormat) Biplanar() bool {
	return f == FormatNV12 || f == FormatNV12_10
}

// BitDepth returns the bits of precision per channel.
func (f PixelFormat) BitDepth() int {
	if f == FormatNV12_10 || f == FormatI420_10 {
		return 10
	}
	return 8
}

// BytesPerChannel returns the storage width of one channel sample.
func (f PixelFormat) BytesPerChannel() int {
	if f.BitDepth() > 8 {
		return 2
	}
	return 1
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatNV12:
		return "nv12"
	case FormatNV12_10:
		return "nv12-10le"
	case FormatI420:
		return "i420"
	case FormatI420_10:
		return "i420-10le"
	}
	return "unknown"
}

// ColorStandard selects the YCbCr-to-RGB matrix declared by a source buffer.
type ColorStandard int

// Supported color standards. Buffers declaring anything else fall back to
// BT.709 during conversion.
const (
	StandardBT709 ColorStandard = iota
	StandardBT601
	StandardBT2020
)

func (s ColorStandard) String() string {
	switch s {
	case StandardBT601:
		return "bt601"
	case StandardBT2020:
		return "bt2020"
	default:
		return "bt709"
	}
}

// ColorRange declares whether luma/chroma use the full code range or the
// narrower video (broadcast) range.
type ColorRange int

// Color range values.
const (
	RangeVideo ColorRange = iota // luma 16..235 (8-bit), chroma 16..240
	RangeFull                    // full code range
)

func (r ColorRange) String() string {
	if r == RangeFull {
		return "full"
	}
	return "video"
}

// Transfer identifies the transfer function a buffer was encoded with.
// PQ and HLG are HDR transfers and enable tone mapping during conversion.
type Transfer int

// Transfer function values.
const (
	TransferSDR Transfer = iota
	TransferPQ
	TransferHLG
)

// HDR reports whether the transfer function requires tone mapping to SDR.
func (t Transfer) HDR() bool {
	return t == TransferPQ || t == TransferHLG
}

func (t Transfer) String() string {
	switch t {
	case TransferPQ:
		return "pq"
	case TransferHLG:
		return "hlg"
	default:
		return "sdr"
	}
}

// ColorInfo carries the per-buffer color metadata declared by a source,
// consumed once per frame by the format converter.
type ColorInfo struct {
	Standard ColorStandard
	Range    ColorRange
	Transfer Transfer
}

// VideoBuffer is a decoded, CPU-side video buffer handed off by a source.
// Planes holds the luma plane followed by one interleaved chroma plane
// (biplanar formats) or separate Cb and Cr planes (planar formats), each
// with its stride in bytes. A VideoBuffer is immutable once handed off.
type VideoBuffer struct {
	Width   int
	Height  int
	Format  PixelFormat
	Planes  [][]byte
	Strides []int
	PTS     time.Duration
	FPS     float64 // nominal source frame rate; 0 when unknown
	Color   ColorInfo
}

// PCMBuffer is a timestamped block of interleaved float32 PCM samples
// pushed by an audio source. Samples are immutable once pushed.
type PCMBuffer struct {
	Samples  []float32
	Rate     int
	Channels int
	PTS      time.Duration
}

// FrameCount returns the number of sample frames (one sample per channel).
func (b *PCMBuffer) FrameCount() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the play time covered by the buffer.
func (b *PCMBuffer) Duration() time.Duration {
	if b.Rate <= 0 {
		return 0
	}
	return time.Duration(b.FrameCount()) * time.Second / time.Duration(b.Rate)
}
