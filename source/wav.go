package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/zsiec/lumen/media"
)

// wavChunk is the push cadence for file playback.
const wavChunk = 20 * time.Millisecond

// WAVFile plays a WAV file as an audio source, looping at end of file and
// pacing pushes in real time.
type WAVFile struct {
	log  *slog.Logger
	key  media.SourceKey
	path string
}

// NewWAVFile creates a WAV file source. The file is opened when Start
// runs, so construction never touches the filesystem. If log is nil,
// slog.Default() is used.
func NewWAVFile(key media.SourceKey, path string, log *slog.Logger) *WAVFile {
	if log == nil {
		log = slog.Default()
	}
	return &WAVFile{
		log:  log.With("component", "wav-source", "source", key),
		key:  key,
		path: path,
	}
}

// Key returns the source key.
func (w *WAVFile) Key() media.SourceKey { return w.key }

// Start decodes and pushes PCM until ctx is cancelled. The file loops.
func (w *WAVFile) Start(ctx context.Context, push func(*media.PCMBuffer)) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("source: open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("source: %s is not a valid wav file", w.path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return fmt.Errorf("source: seek to pcm data: %w", err)
	}

	format := dec.Format()
	rate := format.SampleRate
	channels := format.NumChannels
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	w.log.Info("playing", "path", w.path, "rate", rate,
		"channels", channels, "bit_depth", bitDepth)

	framesPerChunk := rate * int(wavChunk) / int(time.Second)
	buf := &goaudio.IntBuffer{
		Format: format,
		Data:   make([]int, framesPerChunk*channels),
	}

	ticker := time.NewTicker(wavChunk)
	defer ticker.Stop()

	var pts time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("source: read pcm: %w", err)
		}
		if n == 0 {
			if err := dec.Rewind(); err != nil {
				return fmt.Errorf("source: rewind: %w", err)
			}
			continue
		}

		samples := make([]float32, n)
		for i := 0; i < n; i++ {
			samples[i] = float32(buf.Data[i]) / scale
		}
		out := &media.PCMBuffer{
			Samples:  samples,
			Rate:     rate,
			Channels: channels,
			PTS:      pts,
		}
		pts += out.Duration()
		push(out)
	}
}
