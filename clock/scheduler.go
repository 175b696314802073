// Package clock provides the shared display-clock scheduler that drives
// frame production, and the per-pipeline frame-rate gate that throttles it
// to source cadence.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRefreshRate is the tick cadence when none is configured, matching
// a 60 Hz display.
const DefaultRefreshRate = 60.0

// Tick is one broadcast of the display clock: a monotonic host-time value
// (relative to scheduler start) plus a sequence number. Ticks are
// comparable and participate in frame dedup keys.
type Tick struct {
	Seq  uint64
	Time time.Duration
}

// Client receives scheduler ticks. OnTick runs on the scheduler goroutine
// and must not block; post into a mailbox and return. Clients reporting
// Closed are pruned opportunistically during broadcast, so an unregistered
// or stopped client needs no explicit Unregister call to stop the clock
// from holding it.
type Client interface {
	OnTick(Tick)
	Closed() bool
}

// Scheduler broadcasts host-time ticks to registered clients at display
// refresh cadence, independent of any source's native rate. Delivery order
// across clients is unspecified; clients must tolerate missed ticks.
type Scheduler struct {
	log      *slog.Logger
	interval time.Duration
	refresh  float64

	mu      sync.RWMutex
	clients map[string]Client

	start time.Time
	seq   uint64
}

// NewScheduler creates a Scheduler ticking at refreshRate Hz (falls back to
// DefaultRefreshRate when <= 0). If log is nil, slog.Default() is used.
func NewScheduler(refreshRate float64, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if refreshRate <= 0 {
		refreshRate = DefaultRefreshRate
	}
	return &Scheduler{
		log:      log.With("component", "scheduler"),
		interval: time.Duration(float64(time.Second) / refreshRate),
		refresh:  refreshRate,
		clients:  make(map[string]Client),
		start:    time.Now(),
	}
}

// RefreshRate returns the configured tick rate in Hz.
func (s *Scheduler) RefreshRate() float64 { return s.refresh }

// Register adds a client and returns its registration ID.
func (s *Scheduler) Register(c Client) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	s.log.Debug("client registered", "id", id)
	return id
}

// Unregister removes a client by registration ID.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// ClientCount returns the number of registered clients.
func (s *Scheduler) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run broadcasts ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("running", "refresh_hz", s.refresh)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

// Broadcast delivers one tick to every live client and prunes closed ones.
// Exposed so tests and external vsync sources can drive the clock directly.
func (s *Scheduler) Broadcast() {
	s.mu.RLock()
	snapshot := make(map[string]Client, len(s.clients))
	for id, c := range s.clients {
		snapshot[id] = c
	}
	s.mu.RUnlock()

	s.seq++
	t := Tick{Seq: s.seq, Time: time.Since(s.start)}

	var dead []string
	for id, c := range snapshot {
		if c.Closed() {
			dead = append(dead, id)
			continue
		}
		c.OnTick(t)
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, id := range dead {
			delete(s.clients, id)
		}
		s.mu.Unlock()
		s.log.Debug("pruned closed clients", "count", len(dead))
	}
}
