package monitor

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/lumen/certs"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
)

// alpnProtocol is the ALPN token preview clients must offer.
const alpnProtocol = "lumen-monitor"

// DefaultPreviewFPS is the preview push cadence. Confidence monitoring
// does not need the full program rate.
const DefaultPreviewFPS = 10

// FrameProvider supplies the newest processed frame per source.
// LatestFrame returns a retained frame the caller must release, or nil.
type FrameProvider interface {
	Sources() []media.SourceKey
	LatestFrame(key media.SourceKey) *gpu.Frame
}

// ServerConfig holds the monitor server's listen address, certificate and
// frame source.
type ServerConfig struct {
	Addr       string
	Cert       *certs.CertInfo
	Provider   FrameProvider
	PreviewFPS int
	Log        *slog.Logger
}

// Server pushes preview frames to QUIC viewers. Each frame travels on its
// own unidirectional stream; a viewer that falls behind skips frames
// rather than queueing them, so the preview stays at the live edge.
type Server struct {
	log      *slog.Logger
	cfg      ServerConfig
	interval time.Duration

	mu       sync.Mutex
	addr     net.Addr
	sessions map[string]*session
	nextID   int
}

type session struct {
	conn quic.Connection
	// lastPTS tracks the newest pushed frame per source so unchanged
	// frames are not re-sent.
	lastPTS map[media.SourceKey]time.Duration
}

// NewServer creates a monitor server. If cfg.Log is nil, slog.Default()
// is used.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	fps := cfg.PreviewFPS
	if fps <= 0 {
		fps = DefaultPreviewFPS
	}
	return &Server{
		log:      log.With("component", "monitor"),
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / float64(fps)),
		sessions: make(map[string]*session),
	}
}

// Addr returns the bound listen address, or nil before Run has started
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ViewerCount returns the number of connected preview viewers.
func (s *Server) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run listens for viewers and pushes previews until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	defer ln.Close()

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info("monitor listening", "addr", ln.Addr(),
		"fingerprint", s.cfg.Cert.FingerprintBase64())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn quic.Connection) {
	sess := &session{
		conn:    conn,
		lastPTS: make(map[media.SourceKey]time.Duration),
	}

	s.mu.Lock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.sessions[id] = sess
	s.mu.Unlock()

	log := s.log.With("session", id, "remote", conn.RemoteAddr())
	log.Info("viewer connected")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		conn.CloseWithError(0, "done")
		log.Info("viewer disconnected")
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case <-ticker.C:
			if err := s.push(ctx, sess); err != nil {
				log.Debug("push failed", "error", err)
				return
			}
		}
	}
}

// push sends at most one new frame per source. Frames whose PTS has not
// advanced since the last push are skipped.
func (s *Server) push(ctx context.Context, sess *session) error {
	for _, key := range s.cfg.Provider.Sources() {
		f := s.cfg.Provider.LatestFrame(key)
		if f == nil {
			continue
		}
		if last, ok := sess.lastPTS[key]; ok && f.PTS == last {
			f.Release()
			continue
		}
		err := s.pushFrame(ctx, sess, key, f)
		sess.lastPTS[key] = f.PTS
		f.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pushFrame(ctx context.Context, sess *session, key media.SourceKey, f *gpu.Frame) error {
	stream, err := sess.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	rec := AppendFrameRecord(nil, &FrameRecord{
		Source: key,
		Width:  f.Width,
		Height: f.Height,
		PTS:    f.PTS,
		Pix:    f.Texture().Pix(),
	})
	if _, err := stream.Write(rec); err != nil {
		stream.CancelWrite(1)
		return err
	}
	return stream.Close()
}

