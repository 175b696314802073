package monitor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/zsiec/lumen/audio"
)

// Speaker plays the mixed program audio on the local output device. It is
// the engine's mix driver while running; at most one driver may pull from
// an engine at a time.
type Speaker struct {
	log    *slog.Logger
	engine *audio.Engine
	ctx    *oto.Context
	player *oto.Player

	mu      sync.Mutex
	started bool
}

// NewSpeaker opens the audio device at the engine's rate and channel
// layout. If log is nil, slog.Default() is used.
func NewSpeaker(engine *audio.Engine, log *slog.Logger) (*Speaker, error) {
	if log == nil {
		log = slog.Default()
	}

	op := &oto.NewContextOptions{
		SampleRate:   engine.Rate(),
		ChannelCount: engine.Channels(),
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("monitor: open audio device: %w", err)
	}
	<-ready

	s := &Speaker{
		log:    log.With("component", "speaker"),
		engine: engine,
		ctx:    ctx,
	}
	s.player = ctx.NewPlayer(&mixReader{engine: engine})
	return s, nil
}

// Start begins playback. Idempotent.
func (s *Speaker) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.player.Play()
	s.started = true
	s.log.Info("playback started", "rate", s.engine.Rate(), "channels", s.engine.Channels())
}

// Close stops playback and releases the device. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.player.Close()
}

// mixReader adapts the engine's pull API to the io.Reader the audio
// device consumes. Each read mixes exactly the sample frames the device
// asks for, keeping device and mix clocks locked together.
type mixReader struct {
	engine *audio.Engine
}

func (r *mixReader) Read(p []byte) (int, error) {
	channels := r.engine.Channels()
	frames := len(p) / (4 * channels)
	if frames == 0 {
		return 0, nil
	}
	samples, _ := r.engine.MixNext(frames)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return len(samples) * 4, nil
}
