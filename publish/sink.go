package publish

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// srtPayloadSize is the SRT live-mode payload size; records are chunked
// into writes no larger than this.
const srtPayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const dialTimeout = 10 * time.Second

// Record type tags on the wire.
const (
	recordVideo = 0x1
	recordAudio = 0x2
)

// Sink is a transport for program output. Publish selects the stream key
// for the session; Connect dials and establishes it. Append calls enqueue
// payloads on an established session and do not take ownership of their
// arguments. Sink errors drive the state machine.
type Sink interface {
	Publish(key string) error
	Connect(ctx context.Context, addr string) error
	AppendVideo(f *gpu.Frame) error
	AppendAudio(b *media.PCMBuffer) error
	Close() error
}

// SRTSink publishes varint-framed records over an SRT caller connection.
// Each record carries a type tag and its dimensions as varints ahead of
// the raw payload, then is chunked to the SRT payload size.
type SRTSink struct {
	log *slog.Logger

	mu      sync.Mutex
	key     string
	conn    *srtgo.Conn
	scratch []byte
}

// NewSRTSink creates an unconnected SRT sink. If log is nil,
// slog.Default() is used.
func NewSRTSink(log *slog.Logger) *SRTSink {
	if log == nil {
		log = slog.Default()
	}
	return &SRTSink{log: log.With("component", "srt-sink")}
}

// Publish sets the stream key for the next Connect. The key becomes the
// SRT stream ID, so it must be set before dialing.
func (s *SRTSink) Publish(key string) error {
	if key == "" {
		return fmt.Errorf("publish: stream key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("publish: cannot change stream key while connected")
	}
	s.key = key
	return nil
}

// Connect dials the remote SRT listener synchronously with a timeout.
func (s *SRTSink) Connect(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("publish: address is required")
	}
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("publish: already connected")
	}
	key := s.key
	s.mu.Unlock()
	if key == "" {
		return fmt.Errorf("publish: stream key not set")
	}

	s.log.Info("dialing", "address", addr, "stream_key", key)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = "live/" + key

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		s.mu.Lock()
		s.conn = res.conn
		s.mu.Unlock()
		s.log.Info("connected", "address", addr, "stream_key", key)
		return nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// AppendVideo sends one RGBA frame as a video record.
func (s *SRTSink) AppendVideo(f *gpu.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("publish: not connected")
	}

	pix := f.Texture().Pix()
	rec := s.scratch[:0]
	rec = quicvarint.Append(rec, recordVideo)
	rec = quicvarint.Append(rec, uint64(f.Width))
	rec = quicvarint.Append(rec, uint64(f.Height))
	rec = quicvarint.Append(rec, uint64(f.PTS))
	rec = quicvarint.Append(rec, uint64(len(pix)))
	rec = append(rec, pix...)
	s.scratch = rec

	return s.writeChunked(rec)
}

// AppendAudio sends one block of interleaved float32 PCM as an audio record.
func (s *SRTSink) AppendAudio(b *media.PCMBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("publish: not connected")
	}

	rec := s.scratch[:0]
	rec = quicvarint.Append(rec, recordAudio)
	rec = quicvarint.Append(rec, uint64(b.Rate))
	rec = quicvarint.Append(rec, uint64(b.Channels))
	rec = quicvarint.Append(rec, uint64(b.PTS))
	rec = quicvarint.Append(rec, uint64(len(b.Samples)))
	for _, v := range b.Samples {
		rec = binary.LittleEndian.AppendUint32(rec, math.Float32bits(v))
	}
	s.scratch = rec

	return s.writeChunked(rec)
}

// writeChunked splits a record into SRT-sized writes. Caller holds s.mu.
func (s *SRTSink) writeChunked(rec []byte) error {
	for len(rec) > 0 {
		n := len(rec)
		if n > srtPayloadSize {
			n = srtPayloadSize
		}
		if _, err := s.conn.Write(rec[:n]); err != nil {
			return fmt.Errorf("SRT write: %w", err)
		}
		rec = rec[n:]
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (s *SRTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
