package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingClient struct {
	ticks  atomic.Int64
	closed atomic.Bool
}

func (c *countingClient) OnTick(Tick)  { c.ticks.Add(1) }
func (c *countingClient) Closed() bool { return c.closed.Load() }

func TestSchedulerBroadcast(t *testing.T) {
	t.Parallel()
	s := NewScheduler(60, nil)

	a := &countingClient{}
	b := &countingClient{}
	s.Register(a)
	idB := s.Register(b)

	s.Broadcast()
	s.Broadcast()
	if got := a.ticks.Load(); got != 2 {
		t.Errorf("client a ticks: got %d, want 2", got)
	}

	s.Unregister(idB)
	s.Broadcast()
	if got := b.ticks.Load(); got != 2 {
		t.Errorf("client b ticks after unregister: got %d, want 2", got)
	}
	if got := s.ClientCount(); got != 1 {
		t.Errorf("clients: got %d, want 1", got)
	}
}

func TestSchedulerPrunesClosedClients(t *testing.T) {
	t.Parallel()
	s := NewScheduler(60, nil)

	c := &countingClient{}
	s.Register(c)
	c.closed.Store(true)

	s.Broadcast()
	if got := c.ticks.Load(); got != 0 {
		t.Errorf("closed client received %d ticks", got)
	}
	if got := s.ClientCount(); got != 0 {
		t.Errorf("clients after prune: got %d, want 0", got)
	}
}

func TestSchedulerTickMonotonic(t *testing.T) {
	t.Parallel()
	s := NewScheduler(60, nil)

	var ticks []Tick
	s.Register(clientFunc(func(tk Tick) { ticks = append(ticks, tk) }))

	for range 3 {
		s.Broadcast()
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i].Seq <= ticks[i-1].Seq {
			t.Fatalf("seq not increasing: %v", ticks)
		}
		if ticks[i].Time < ticks[i-1].Time {
			t.Fatalf("time not monotonic: %v", ticks)
		}
	}
}

type clientFunc func(Tick)

func (f clientFunc) OnTick(t Tick) { f(t) }
func (f clientFunc) Closed() bool  { return false }

func TestGateUnknownContentRatePassesAll(t *testing.T) {
	t.Parallel()
	g := NewGate(60)

	passes := 0
	for i := range 60 {
		if g.Pass(Tick{Seq: uint64(i), Time: time.Duration(i) * time.Second / 60}) {
			passes++
		}
	}
	if passes != 60 {
		t.Errorf("passes: got %d, want 60", passes)
	}
}

func TestGate24On60(t *testing.T) {
	t.Parallel()
	g := NewGate(60)
	g.SetContentFPS(24)

	passes := 0
	for i := range 60 {
		if g.Pass(Tick{Seq: uint64(i), Time: time.Duration(i) * time.Second / 60}) {
			passes++
		}
	}
	if passes < 23 || passes > 25 {
		t.Errorf("24fps on 60Hz over 1s: got %d passes, want 24±1", passes)
	}
}

func TestGateContentAboveDisplayPassesAll(t *testing.T) {
	t.Parallel()
	g := NewGate(60)
	g.SetContentFPS(120)

	passes := 0
	for i := range 60 {
		if g.Pass(Tick{Seq: uint64(i), Time: time.Duration(i) * time.Second / 60}) {
			passes++
		}
	}
	if passes != 60 {
		t.Errorf("passes: got %d, want 60", passes)
	}
}

func TestGateResyncsAfterStall(t *testing.T) {
	t.Parallel()
	g := NewGate(60)
	g.SetContentFPS(30)

	if !g.Pass(Tick{Seq: 1, Time: 0}) {
		t.Fatal("first tick should pass")
	}
	// A long stall must not produce a burst of passes.
	passes := 0
	base := 2 * time.Second
	for i := range 6 {
		if g.Pass(Tick{Seq: uint64(2 + i), Time: base + time.Duration(i)*time.Second/60}) {
			passes++
		}
	}
	if passes > 3 {
		t.Errorf("post-stall burst: got %d passes in 6 ticks, want <= 3", passes)
	}
}
