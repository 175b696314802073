package gpu

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/lumen/media"
)

// Frame is an immutable, reference-counted GPU image produced by a video
// pipeline. The texture is never written after the Frame is created; shared
// ownership ends when the last holder releases, at which point the texture
// returns to the pool. Retain before handing a Frame to another holder and
// Release exactly once per reference held.
type Frame struct {
	Width  int
	Height int
	Format media.PixelFormat
	PTS    time.Duration
	Source media.SourceKey

	tex  *Texture
	pool *TexturePool
	refs atomic.Int32
}

// NewFrame wraps a texture in a Frame with an initial refcount of one,
// owned by the caller. pool receives the texture back on final release and
// may be nil for frames that do not recycle (tests, static sources).
func NewFrame(tex *Texture, pool *TexturePool, pts time.Duration, source media.SourceKey) *Frame {
	f := &Frame{
		Width:  tex.Width(),
		Height: tex.Height(),
		Format: tex.Format(),
		PTS:    pts,
		Source: source,
		tex:    tex,
		pool:   pool,
	}
	f.refs.Store(1)
	return f
}

// Texture returns the backing texture. Valid only while the caller holds
// a reference.
func (f *Frame) Texture() *Texture { return f.tex }

// Retain adds a reference and returns the frame for chaining.
func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

// Release drops one reference. On the final release the backing texture
// returns to the pool.
func (f *Frame) Release() {
	switch n := f.refs.Add(-1); {
	case n == 0:
		if f.pool != nil {
			f.pool.Put(f.tex)
		}
	case n < 0:
		// Over-release is a caller bug; clamp so a recycled texture is not
		// double-returned to the pool.
		f.refs.Store(0)
	}
}

// RefCount returns the current reference count, for tests and diagnostics.
func (f *Frame) RefCount() int32 { return f.refs.Load() }
