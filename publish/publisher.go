package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/lumen/audio"
	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/registry"
)

// defaultQueueDepth bounds frames waiting on the sink. The queue drops
// oldest under pressure so the publisher always sends the freshest frame.
const defaultQueueDepth = 8

// audioInterval is the cadence for pulling mixed audio into the sink.
const audioInterval = 20 * time.Millisecond

// PublisherConfig assembles a publisher's collaborators. Engine is
// optional; when set the publisher is the mix driver, pulling mixed audio
// alongside video. Exactly one component may drive an engine's mix.
type PublisherConfig struct {
	Sink       Sink
	Policy     ReconnectPolicy
	Registry   *registry.Registry
	Source     media.SourceKey
	Engine     *audio.Engine
	QueueDepth int
	Log        *slog.Logger
}

// Publisher drains processed frames for one program source from the frame
// registry into a sink, supervised by the streaming state machine. Sink
// failures trigger reconnection under the configured policy; the
// producing pipelines never block on the sink.
type Publisher struct {
	log     *slog.Logger
	sink    Sink
	policy  ReconnectPolicy
	reg     *registry.Registry
	source  media.SourceKey
	engine  *audio.Engine
	machine *Machine
	frames  chan *gpu.Frame
}

// NewPublisher creates a publisher. If log is nil, slog.Default() is used.
func NewPublisher(cfg PublisherConfig) *Publisher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "publisher", "source", cfg.Source)

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Publisher{
		log:     log,
		sink:    cfg.Sink,
		policy:  cfg.Policy,
		reg:     cfg.Registry,
		source:  cfg.Source,
		engine:  cfg.Engine,
		machine: NewMachine(log),
		frames:  make(chan *gpu.Frame, depth),
	}
}

// Machine exposes the state machine for telemetry.
func (p *Publisher) Machine() *Machine { return p.machine }

// Run connects, subscribes to the registry and publishes until ctx is
// cancelled or reconnection attempts are exhausted.
func (p *Publisher) Run(ctx context.Context, addr, key string) error {
	if err := p.machine.To(StateConnecting); err != nil {
		return err
	}
	if err := p.sink.Publish(key); err != nil {
		p.machine.Fail(err)
		return err
	}
	if err := p.connect(ctx, addr); err != nil {
		p.machine.Fail(err)
		return err
	}

	subID := p.reg.Subscribe(p.source, p.onFrame)
	defer p.reg.Unsubscribe(p.source, subID)
	defer p.drain()
	defer p.sink.Close()

	if err := p.machine.To(StatePublishing); err != nil {
		return err
	}

	var audioTick <-chan time.Time
	if p.engine != nil {
		ticker := time.NewTicker(audioInterval)
		defer ticker.Stop()
		audioTick = ticker.C
	}

	var pts time.Duration
	for {
		select {
		case <-ctx.Done():
			p.machine.To(StateDisconnected)
			return ctx.Err()

		case f := <-p.frames:
			err := p.sink.AppendVideo(f)
			size := f.Width * f.Height * 4
			f.Release()
			if err == nil {
				p.machine.RecordSent(size)
				continue
			}
			if rerr := p.reconnect(ctx, addr, err); rerr != nil {
				return rerr
			}

		case <-audioTick:
			samples, _ := p.engine.MixNext(p.engine.Rate() / 50)
			buf := &media.PCMBuffer{
				Samples:  samples,
				Rate:     p.engine.Rate(),
				Channels: p.engine.Channels(),
				PTS:      pts,
			}
			pts += buf.Duration()
			if err := p.sink.AppendAudio(buf); err != nil {
				if rerr := p.reconnect(ctx, addr, err); rerr != nil {
					return rerr
				}
			}
		}
	}
}

// onFrame is the registry subscriber: it retains the frame and queues it,
// dropping the oldest queued frame when the sink is behind.
func (p *Publisher) onFrame(_ clock.Tick, f *gpu.Frame) {
	f.Retain()
	for {
		select {
		case p.frames <- f:
			return
		default:
			select {
			case old := <-p.frames:
				old.Release()
				p.machine.RecordDrop()
			default:
			}
		}
	}
}

func (p *Publisher) connect(ctx context.Context, addr string) error {
	if err := p.sink.Connect(ctx, addr); err != nil {
		return err
	}
	return p.machine.To(StateConnected)
}

// reconnect runs the backoff loop after a sink failure. It returns nil
// when the session is publishing again and a terminal error when the
// policy is disabled, attempts are exhausted or ctx is cancelled.
func (p *Publisher) reconnect(ctx context.Context, addr string, cause error) error {
	p.log.Warn("sink failed", "error", cause)
	p.sink.Close()

	if !p.policy.Enabled {
		p.machine.Fail(cause)
		return cause
	}

	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if err := p.machine.To(StateReconnecting); err != nil {
			return err
		}
		delay := p.policy.Delay(attempt)
		p.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.machine.To(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}

		if err := p.machine.To(StateConnecting); err != nil {
			return err
		}
		if err := p.connect(ctx, addr); err != nil {
			p.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if err := p.machine.To(StatePublishing); err != nil {
			return err
		}
		p.log.Info("reconnected", "attempt", attempt)
		return nil
	}

	err := fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, p.policy.MaxAttempts, cause)
	p.machine.Fail(err)
	return err
}

// drain releases any frames still queued when the run loop exits.
func (p *Publisher) drain() {
	for {
		select {
		case f := <-p.frames:
			f.Release()
		default:
			return
		}
	}
}
