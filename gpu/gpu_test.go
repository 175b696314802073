package gpu

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/lumen/media"
)

func newTestDevice(t *testing.T) *SoftwareDevice {
	t.Helper()
	d := NewSoftwareDevice(nil)
	t.Cleanup(d.Close)
	return d
}

func TestAllocTexture(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)

	tex, err := d.AllocTexture(16, 9, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("AllocTexture: %v", err)
	}
	if tex.Width() != 16 || tex.Height() != 9 {
		t.Errorf("size: got %dx%d, want 16x9", tex.Width(), tex.Height())
	}
	if len(tex.Pix()) != 16*9*4 {
		t.Errorf("pix len: got %d, want %d", len(tex.Pix()), 16*9*4)
	}
}

func TestAllocTextureRejectsPlanar(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)

	if _, err := d.AllocTexture(16, 9, media.FormatNV12); err == nil {
		t.Fatal("expected error for planar texture format")
	}
}

func TestSubmitRunsCommandsInOrder(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)

	var mu sync.Mutex
	var order []int
	done := make(chan error, 1)

	cb := NewCommandBuffer()
	for i := range 3 {
		cb.Record(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	cb.OnComplete(func(err error) { done <- err })

	if err := d.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("completion error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order: got %v", order)
		}
	}
}

func TestSubmitStopsAtFirstError(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)

	boom := errors.New("boom")
	ran := false
	done := make(chan error, 1)

	cb := NewCommandBuffer()
	cb.Record(func() error { return boom })
	cb.Record(func() error { ran = true; return nil })
	cb.OnComplete(func(err error) { done <- err })

	if err := d.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("completion error: got %v, want %v", err, boom)
	}
	if ran {
		t.Error("command after failure should not run")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()
	d := NewSoftwareDevice(nil)
	d.Close()
	d.Close() // idempotent

	if err := d.Submit(NewCommandBuffer()); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("Submit after close: got %v, want ErrDeviceClosed", err)
	}
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	t.Parallel()
	d := NewSoftwareDevice(nil)

	// Park the worker so queued buffers pile up behind it.
	block := make(chan struct{})
	parked := make(chan struct{})
	cb := NewCommandBuffer()
	cb.Record(func() error {
		close(parked)
		<-block
		return nil
	})
	if err := d.Submit(cb); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-parked

	for i := 0; i < submitQueueDepth; i++ {
		if err := d.Submit(NewCommandBuffer()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := d.Submit(NewCommandBuffer()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit with full queue: got %v, want ErrQueueFull", err)
	}

	close(block)
	d.Close()
}

func TestPoolRecyclesByKey(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)
	p := NewTexturePool(d, nil)

	t1, err := p.Get(8, 8, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Put(t1)

	t2, err := p.Get(8, 8, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if t2 != t1 {
		t.Error("pool should recycle the returned texture")
	}

	t3, err := p.Get(4, 4, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if t3 == t1 {
		t.Error("different dimensions must not share textures")
	}

	s := p.Stats()
	if s.Reused != 1 {
		t.Errorf("reused: got %d, want 1", s.Reused)
	}
	if s.Allocated != 2 {
		t.Errorf("allocated: got %d, want 2", s.Allocated)
	}
}

func TestFrameRefCounting(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t)
	p := NewTexturePool(d, nil)

	tex, err := p.Get(8, 8, media.FormatRGBA8)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	f := NewFrame(tex, p, 40*time.Millisecond, "cam1")
	f.Retain()
	if got := f.RefCount(); got != 2 {
		t.Fatalf("refcount: got %d, want 2", got)
	}

	f.Release()
	if p.Stats().Returned != 0 {
		t.Error("texture returned to pool while still referenced")
	}

	f.Release()
	if got := p.Stats().Returned; got != 1 {
		t.Errorf("returned: got %d, want 1", got)
	}

	// Over-release must not double-return the texture.
	f.Release()
	if got := p.Stats().Returned; got != 1 {
		t.Errorf("returned after over-release: got %d, want 1", got)
	}
}
