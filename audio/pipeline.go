package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/lumen/media"
)

// Source is a push-driven audio source. Start blocks, invoking push for
// each decoded PCM buffer until the context is cancelled or the source
// ends. Unlike video, audio is not clock-gated: buffers flow as they arrive.
type Source interface {
	Key() media.SourceKey
	Start(ctx context.Context, push func(*media.PCMBuffer)) error
}

// Pipeline couples one audio source to the mixing engine, tracking
// throughput and providing idempotent teardown.
type Pipeline struct {
	log    *slog.Logger
	src    Source
	engine *Engine

	mu     sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  atomic.Bool
	pushed   atomic.Int64
}

// NewPipeline registers the source with the engine and returns its
// pipeline. If log is nil, slog.Default() is used.
func NewPipeline(src Source, engine *Engine, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	engine.AddSource(src.Key())
	return &Pipeline{
		log:    log.With("component", "audio-pipeline", "source", src.Key()),
		src:    src,
		engine: engine,
	}
}

// Run starts the source and blocks until it ends or the pipeline stops.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.cancel = cancel
	p.mu.Unlock()

	err := p.src.Start(runCtx, p.push)
	if runCtx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) push(buf *media.PCMBuffer) {
	if p.stopped.Load() {
		return
	}
	p.engine.Push(p.src.Key(), buf)
	p.pushed.Add(1)
}

// BuffersPushed returns the number of buffers delivered to the engine.
func (p *Pipeline) BuffersPushed() int64 { return p.pushed.Load() }

// Stop stops accepting buffers, cancels the source, and removes the strip
// from the engine. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.engine.RemoveSource(p.src.Key())
		p.log.Info("stopped")
	})
}
