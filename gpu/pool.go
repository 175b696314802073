package gpu

import (
	"log/slog"
	"sync"

	"github.com/zsiec/lumen/media"
)

// poolKey identifies a bucket of interchangeable textures.
type poolKey struct {
	width  int
	height int
	format media.PixelFormat
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Allocated int64 `json:"allocated"`
	Reused    int64 `json:"reused"`
	Returned  int64 `json:"returned"`
	Free      int   `json:"free"`
}

// TexturePool recycles fixed-size textures keyed by (width, height, format).
// Textures re-enter the free list only when their owning Frame's refcount
// reaches zero, so the pool never hands out a texture that is still visible
// to a reader.
type TexturePool struct {
	log *slog.Logger
	dev Device

	mu        sync.Mutex
	free      map[poolKey][]*Texture
	allocated int64
	reused    int64
	returned  int64
}

// NewTexturePool creates a pool allocating from dev. If log is nil,
// slog.Default() is used.
func NewTexturePool(dev Device, log *slog.Logger) *TexturePool {
	if log == nil {
		log = slog.Default()
	}
	return &TexturePool{
		log:  log.With("component", "texture-pool"),
		dev:  dev,
		free: make(map[poolKey][]*Texture),
	}
}

// Get returns a texture of the requested dimensions, recycling a free one
// when available and allocating otherwise. The caller owns the texture until
// it is wrapped in a Frame or returned via Put.
func (p *TexturePool) Get(width, height int, format media.PixelFormat) (*Texture, error) {
	k := poolKey{width, height, format}

	p.mu.Lock()
	if list := p.free[k]; len(list) > 0 {
		t := list[len(list)-1]
		p.free[k] = list[:len(list)-1]
		p.reused++
		p.mu.Unlock()
		return t, nil
	}
	p.allocated++
	p.mu.Unlock()

	return p.dev.AllocTexture(width, height, format)
}

// Put returns a texture to the free list. Called by Frame on final release;
// direct callers must guarantee no other holder can still read the texture.
func (p *TexturePool) Put(t *Texture) {
	if t == nil {
		return
	}
	k := poolKey{t.width, t.height, t.format}

	p.mu.Lock()
	p.free[k] = append(p.free[k], t)
	p.returned++
	p.mu.Unlock()
}

// Stats returns a snapshot of pool counters.
func (p *TexturePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeCount := 0
	for _, list := range p.free {
		freeCount += len(list)
	}
	return PoolStats{
		Allocated: p.allocated,
		Reused:    p.reused,
		Returned:  p.returned,
		Free:      freeCount,
	}
}
