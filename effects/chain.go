// Package effects implements the per-frame GPU image operations applied by
// video pipelines: an ordered, mutable effect chain with UI-controllable
// parameters, and the concrete effects shipped with the core.
package effects

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zsiec/lumen/gpu"
)

// ChainID names one effect chain instance. The frame registry includes it
// in dedup keys so frames are shared only between consumers whose chains
// are the same instance.
type ChainID string

// Effect is a single image operation. Encode records work into cb that
// reads src and returns the texture holding the result; it may return src
// itself when it has nothing to do. Parameter values must be read inside
// the recorded command, once per frame. Effects are applied in chain order;
// a disabled effect is an ordering-preserving no-op.
type Effect interface {
	Name() string
	Params() []*Parameter
	Enabled() bool
	SetEnabled(bool)
	Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) (*gpu.Texture, error)
}

// enabledFlag provides the shared enable toggle for concrete effects.
type enabledFlag struct {
	disabled atomic.Bool // zero value = enabled
}

// Enabled reports whether the effect applies.
func (e *enabledFlag) Enabled() bool { return !e.disabled.Load() }

// SetEnabled toggles the effect without removing it from its chain.
func (e *enabledFlag) SetEnabled(on bool) { e.disabled.Store(!on) }

// Chain is an ordered, mutable list of effects owned by one output context.
// Mutation (UI) and Encode (pipeline) may race; Encode snapshots the list
// and each effect reads its parameters atomically.
type Chain struct {
	log *slog.Logger
	id  ChainID

	mu      sync.RWMutex
	effects []Effect

	disabled atomic.Bool
	opacity  *Parameter
}

// NewChain creates an empty, enabled chain with full opacity. If log is
// nil, slog.Default() is used.
func NewChain(log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	id := ChainID(uuid.NewString())
	return &Chain{
		log:     log.With("component", "effect-chain", "chain", string(id)[:8]),
		id:      id,
		opacity: NewParameter("opacity", 1, 0, 1, 0.01),
	}
}

// ID returns the chain's stable identity.
func (c *Chain) ID() ChainID { return c.id }

// Opacity returns the chain-level opacity parameter blending the effected
// result over the unprocessed source.
func (c *Chain) Opacity() *Parameter { return c.opacity }

// Enabled reports whether the chain applies at all.
func (c *Chain) Enabled() bool { return !c.disabled.Load() }

// SetEnabled toggles the whole chain.
func (c *Chain) SetEnabled(on bool) { c.disabled.Store(!on) }

// Add appends an effect to the end of the chain.
func (c *Chain) Add(e Effect) {
	c.mu.Lock()
	c.effects = append(c.effects, e)
	c.mu.Unlock()
}

// Remove deletes the first effect with the given name, preserving order of
// the rest. It reports whether an effect was removed.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.effects {
		if e.Name() == name {
			c.effects = append(c.effects[:i], c.effects[i+1:]...)
			return true
		}
	}
	return false
}

// Move repositions the effect at index from to index to.
func (c *Chain) Move(from, to int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from < 0 || from >= len(c.effects) || to < 0 || to >= len(c.effects) {
		return false
	}
	e := c.effects[from]
	c.effects = append(c.effects[:from], c.effects[from+1:]...)
	c.effects = append(c.effects[:to], append([]Effect{e}, c.effects[to:]...)...)
	return true
}

// Effects returns a snapshot of the current effect list.
func (c *Chain) Effects() []Effect {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Effect, len(c.effects))
	copy(out, c.effects)
	return out
}

// Encode records the whole chain into cb and returns the output texture.
// The chain never fails a frame: an effect whose encode errors is skipped
// and the last good texture carries forward. Intermediate textures are
// returned to the pool when the command buffer completes; the caller owns
// the returned texture (which may be src when nothing applied).
func (c *Chain) Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) *gpu.Texture {
	if !c.Enabled() {
		return src
	}

	snapshot := c.Effects()
	cur := src
	var intermediates []*gpu.Texture

	for _, e := range snapshot {
		if !e.Enabled() {
			continue
		}
		out, err := e.Encode(cb, pool, cur)
		if err != nil {
			c.log.Warn("effect skipped", "effect", e.Name(), "error", err)
			continue
		}
		if out != cur {
			if cur != src {
				intermediates = append(intermediates, cur)
			}
			cur = out
		}
	}

	if cur != src {
		if op := c.opacity.Value(); op < 1 {
			blended, err := encodeOpacityBlend(cb, pool, src, cur, op)
			if err == nil {
				intermediates = append(intermediates, cur)
				cur = blended
			}
		}
	}

	if len(intermediates) > 0 {
		cb.OnComplete(func(error) {
			for _, t := range intermediates {
				pool.Put(t)
			}
		})
	}
	return cur
}

// encodeOpacityBlend records a mix of the effected result over the source.
func encodeOpacityBlend(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src, result *gpu.Texture, opacity float64) (*gpu.Texture, error) {
	dst, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		return nil, err
	}
	cb.Record(func() error {
		sp, rp, dp := src.Pix(), result.Pix(), dst.Pix()
		for i := range dp {
			dp[i] = byte(float64(sp[i]) + (float64(rp[i])-float64(sp[i]))*opacity + 0.5)
		}
		return nil
	})
	return dst, nil
}
