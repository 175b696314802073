package effects

import (
	"errors"
	"testing"

	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// execChain runs a chain against a solid-colored 4x4 source and returns the
// output texture after the command buffer completes.
func execChain(t *testing.T, c *Chain, fill [4]byte) (*gpu.Texture, *gpu.Texture) {
	t.Helper()
	dev := gpu.NewSoftwareDevice(nil)
	t.Cleanup(dev.Close)
	pool := gpu.NewTexturePool(dev, nil)

	src, err := pool.Get(4, 4, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 0; i < len(src.Pix()); i += 4 {
		copy(src.Pix()[i:], fill[:])
	}

	cb := gpu.NewCommandBuffer()
	out := c.Encode(cb, pool, src)
	done := make(chan error, 1)
	cb.OnComplete(func(err error) { done <- err })
	if err := dev.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("execute: %v", err)
	}
	return src, out
}

// recordingEffect notes the order it was encoded in.
type recordingEffect struct {
	enabledFlag
	name  string
	order *[]string
	fail  bool
}

func (r *recordingEffect) Name() string         { return r.name }
func (r *recordingEffect) Params() []*Parameter { return nil }

func (r *recordingEffect) Encode(cb *gpu.CommandBuffer, pool *gpu.TexturePool, src *gpu.Texture) (*gpu.Texture, error) {
	if r.fail {
		return nil, errors.New("encode failed")
	}
	*r.order = append(*r.order, r.name)
	dst, err := pool.Get(src.Width(), src.Height(), src.Format())
	if err != nil {
		return nil, err
	}
	cb.Record(func() error {
		copy(dst.Pix(), src.Pix())
		return nil
	})
	return dst, nil
}

func TestChainAppliesInOrder(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	var order []string
	c.Add(&recordingEffect{name: "a", order: &order})
	c.Add(&recordingEffect{name: "b", order: &order})
	c.Add(&recordingEffect{name: "c", order: &order})

	execChain(t, c, [4]byte{10, 20, 30, 255})

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("encode order: got %v, want [a b c]", order)
	}
}

func TestChainDisabledEffectIsNoOp(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	var order []string
	skip := &recordingEffect{name: "skip", order: &order}
	skip.SetEnabled(false)
	c.Add(skip)
	c.Add(&recordingEffect{name: "run", order: &order})

	execChain(t, c, [4]byte{10, 20, 30, 255})

	if len(order) != 1 || order[0] != "run" {
		t.Errorf("order: got %v, want [run]", order)
	}
}

func TestChainEncodeFailureDegrades(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	var order []string
	c.Add(&recordingEffect{name: "bad", order: &order, fail: true})
	c.Add(&recordingEffect{name: "good", order: &order})

	_, out := execChain(t, c, [4]byte{10, 20, 30, 255})
	if out == nil {
		t.Fatal("chain must never yield nil")
	}
	if len(order) != 1 || order[0] != "good" {
		t.Errorf("order: got %v, want [good]", order)
	}
}

func TestChainDisabledReturnsSource(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	var order []string
	c.Add(&recordingEffect{name: "a", order: &order})
	c.SetEnabled(false)

	src, out := execChain(t, c, [4]byte{10, 20, 30, 255})
	if out != src {
		t.Error("disabled chain should return the source texture")
	}
	if len(order) != 0 {
		t.Errorf("disabled chain encoded effects: %v", order)
	}
}

func TestChainIDsDistinct(t *testing.T) {
	t.Parallel()
	if NewChain(nil).ID() == NewChain(nil).ID() {
		t.Error("chain IDs must be unique per instance")
	}
}

func TestChainRemoveAndMove(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	var order []string
	c.Add(&recordingEffect{name: "a", order: &order})
	c.Add(&recordingEffect{name: "b", order: &order})
	c.Add(&recordingEffect{name: "c", order: &order})

	if !c.Remove("b") {
		t.Fatal("Remove(b) should succeed")
	}
	if c.Remove("b") {
		t.Fatal("second Remove(b) should fail")
	}
	if !c.Move(1, 0) {
		t.Fatal("Move should succeed")
	}
	effects := c.Effects()
	if len(effects) != 2 || effects[0].Name() != "c" || effects[1].Name() != "a" {
		names := []string{}
		for _, e := range effects {
			names = append(names, e.Name())
		}
		t.Errorf("effects after move: got %v, want [c a]", names)
	}
}

func TestParameterClampAndStep(t *testing.T) {
	t.Parallel()
	p := NewParameter("x", 0.5, 0, 1, 0.25)

	p.Set(0.6)
	if got := p.Value(); got != 0.5 {
		t.Errorf("snap: got %v, want 0.5", got)
	}
	p.Set(5)
	if got := p.Value(); got != 1 {
		t.Errorf("clamp high: got %v, want 1", got)
	}
	p.Set(-5)
	if got := p.Value(); got != 0 {
		t.Errorf("clamp low: got %v, want 0", got)
	}
	p.Reset()
	if got := p.Value(); got != 0.5 {
		t.Errorf("reset: got %v, want 0.5", got)
	}
}

func TestAdjustBrightness(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	adj := NewAdjust()
	adj.Brightness().Set(0.5)
	c.Add(adj)

	_, out := execChain(t, c, [4]byte{100, 100, 100, 255})
	if got := out.Pix()[0]; got <= 100 {
		t.Errorf("brightness: got %d, want > 100", got)
	}
}

func TestChromaKeyRemovesKeyColor(t *testing.T) {
	t.Parallel()
	c := NewChain(nil)
	key := NewChromaKey()
	c.Add(key)

	// Saturated green keys out to the (black) background.
	_, out := execChain(t, c, [4]byte{0, 230, 26, 255})
	p := out.Pix()
	if p[1] > 32 {
		t.Errorf("keyed green remains: got g=%d", p[1])
	}

	// A red pixel survives keying.
	c2 := NewChain(nil)
	c2.Add(NewChromaKey())
	_, out2 := execChain(t, c2, [4]byte{200, 30, 30, 255})
	if got := out2.Pix()[0]; got < 150 {
		t.Errorf("non-key pixel attenuated: got r=%d", got)
	}
}
