// Package registry implements the cross-consumer frame registry: at most
// one conversion+effect pass executes per (source, tick, chain) no matter
// how many consumers ask for the frame, and completed frames fan out to
// subscribers. Entries are tri-state (producing, ready, or absent) and are
// pruned beyond a bounded per-source window.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/effects"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// DefaultWindow is the per-source entry bound when none is configured.
const DefaultWindow = 6

// Result is the outcome of a slot acquisition. Exactly one of three shapes:
// Produce true (caller must produce, then Publish or Cancel); Shared
// non-nil (a ready frame, retained for the caller, who must Release it); or
// neither (another consumer is already producing; do no work this tick).
type Result struct {
	Produce bool
	Shared  *gpu.Frame
}

// Stats is a point-in-time snapshot of registry activity.
type Stats struct {
	Produced int64 `json:"produced"`
	Shared   int64 `json:"shared"`
	Skipped  int64 `json:"skipped"`
	Evicted  int64 `json:"evicted"`
}

type slotKey struct {
	source media.SourceKey
	tick   clock.Tick
	chain  effects.ChainID
}

type slotState int

const (
	stateProducing slotState = iota
	stateReady
)

type entry struct {
	state slotState
	frame *gpu.Frame
}

// Subscriber receives every frame published for a source key. The frame
// reference is borrowed for the duration of the call; retain it to hold on.
type Subscriber func(t clock.Tick, f *gpu.Frame)

// Registry is the shared dedup table. All operations are safe for
// concurrent use from pipelines and GPU completion callbacks; the
// check-and-set in AcquireSlot is atomic with respect to Publish/Cancel.
type Registry struct {
	log    *slog.Logger
	window int

	mu    sync.Mutex
	slots map[slotKey]*entry
	order map[media.SourceKey][]slotKey
	subs  map[media.SourceKey]map[string]Subscriber

	produced int64
	shared   int64
	skipped  int64
	evicted  int64
}

// New creates a Registry keeping at most window entries per source
// (DefaultWindow when <= 0). If log is nil, slog.Default() is used.
func New(window int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{
		log:    log.With("component", "frame-registry"),
		window: window,
		slots:  make(map[slotKey]*entry),
		order:  make(map[media.SourceKey][]slotKey),
		subs:   make(map[media.SourceKey]map[string]Subscriber),
	}
}

// AcquireSlot claims or inspects the slot for (source, tick, chain). A
// ready slot returns the shared frame retained for the caller; a producing
// slot returns the skip result; an absent slot is atomically marked
// producing and the caller becomes the producer.
func (r *Registry) AcquireSlot(source media.SourceKey, t clock.Tick, chain effects.ChainID) Result {
	k := slotKey{source, t, chain}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.slots[k]; ok {
		if e.state == stateReady {
			r.shared++
			return Result{Shared: e.frame.Retain()}
		}
		r.skipped++
		return Result{}
	}

	r.slots[k] = &entry{state: stateProducing}
	r.order[source] = append(r.order[source], k)
	r.pruneLocked(source)
	r.produced++
	return Result{Produce: true}
}

// Publish transitions a producing slot to ready and notifies subscribers.
// The registry retains its own reference; the caller keeps ownership of the
// one it holds. Publishing a slot that was cancelled or evicted still
// notifies subscribers, since the frame exists and consumers want it, but
// the slot is not recreated.
func (r *Registry) Publish(source media.SourceKey, t clock.Tick, chain effects.ChainID, f *gpu.Frame) {
	k := slotKey{source, t, chain}

	r.mu.Lock()
	if e, ok := r.slots[k]; ok && e.state == stateProducing {
		e.state = stateReady
		e.frame = f.Retain()
	}
	var subs []Subscriber
	for _, s := range r.subs[source] {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s(t, f)
	}
}

// Cancel removes a producing slot so no consumer waits on it forever.
// Ready slots are left alone; cancelling an absent slot is a no-op.
func (r *Registry) Cancel(source media.SourceKey, t clock.Tick, chain effects.ChainID) {
	k := slotKey{source, t, chain}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.slots[k]
	if !ok || e.state != stateProducing {
		return
	}
	delete(r.slots, k)
	r.removeFromOrderLocked(source, k)
}

// Subscribe registers a callback for every frame published under source,
// returning an ID for Unsubscribe.
func (r *Registry) Subscribe(source media.SourceKey, s Subscriber) string {
	id := uuid.NewString()
	r.mu.Lock()
	if r.subs[source] == nil {
		r.subs[source] = make(map[string]Subscriber)
	}
	r.subs[source][id] = s
	r.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription by ID.
func (r *Registry) Unsubscribe(source media.SourceKey, id string) {
	r.mu.Lock()
	if m := r.subs[source]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.subs, source)
		}
	}
	r.mu.Unlock()
}

// RemoveSource evicts all of a source's entries and subscriptions,
// releasing any ready frames. Called when a source is torn down.
func (r *Registry) RemoveSource(source media.SourceKey) {
	r.mu.Lock()
	var frames []*gpu.Frame
	for _, k := range r.order[source] {
		if e, ok := r.slots[k]; ok {
			if e.frame != nil {
				frames = append(frames, e.frame)
			}
			delete(r.slots, k)
		}
	}
	delete(r.order, source)
	delete(r.subs, source)
	r.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
}

// EntryCount returns the number of live entries for a source.
func (r *Registry) EntryCount(source media.SourceKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order[source])
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Produced: r.produced,
		Shared:   r.shared,
		Skipped:  r.skipped,
		Evicted:  r.evicted,
	}
}

// pruneLocked evicts the oldest entries beyond the window, releasing the
// registry's reference on any ready frames.
func (r *Registry) pruneLocked(source media.SourceKey) {
	keys := r.order[source]
	for len(keys) > r.window {
		oldest := keys[0]
		keys = keys[1:]
		if e, ok := r.slots[oldest]; ok {
			if e.frame != nil {
				e.frame.Release()
			}
			delete(r.slots, oldest)
			r.evicted++
		}
	}
	r.order[source] = keys
}

func (r *Registry) removeFromOrderLocked(source media.SourceKey, k slotKey) {
	keys := r.order[source]
	for i, kk := range keys {
		if kk == k {
			r.order[source] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}
