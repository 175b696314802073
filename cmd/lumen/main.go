package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/lumen/audio"
	"github.com/zsiec/lumen/certs"
	"github.com/zsiec/lumen/clock"
	"github.com/zsiec/lumen/gpu"
	"github.com/zsiec/lumen/media"
	"github.com/zsiec/lumen/monitor"
	"github.com/zsiec/lumen/publish"
	"github.com/zsiec/lumen/registry"
	"github.com/zsiec/lumen/source"
	"github.com/zsiec/lumen/studio"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	monAddr := envOr("MONITOR_ADDR", ":4443")
	displayFPS := envFloat("DISPLAY_FPS", clock.DefaultRefreshRate)
	patternFPS := envFloat("PATTERN_FPS", 30)
	wavPath := os.Getenv("WAV_PATH")
	srtAddr := os.Getenv("SRT_PUBLISH_ADDR")
	srtKey := envOr("SRT_PUBLISH_KEY", "program")
	speakerOn := os.Getenv("SPEAKER") != ""

	slog.Info("lumen starting",
		"version", version,
		"monitor", monAddr,
		"display_fps", displayFPS,
		"srt_publish", srtAddr,
	)

	device := gpu.NewSoftwareDevice(nil)
	defer device.Close()

	pool := gpu.NewTexturePool(device, nil)
	frameReg := registry.New(registry.DefaultWindow, nil)
	scheduler := clock.NewScheduler(displayFPS, nil)
	engine := audio.NewEngine(audio.DefaultRate, audio.DefaultChannels, nil)

	mgr := studio.NewManager(studio.Config{
		Device:     device,
		Pool:       pool,
		Registry:   frameReg,
		Scheduler:  scheduler,
		Engine:     engine,
		DisplayFPS: displayFPS,
	})
	defer mgr.Close()

	g, ctx := errgroup.WithContext(ctx)

	bars, err := source.NewPattern(source.PatternConfig{
		Key:    media.SourceKey(envOr("PATTERN_KEY", "bars")),
		Width:  envInt("PATTERN_WIDTH", 1280),
		Height: envInt("PATTERN_HEIGHT", 720),
		FPS:    patternFPS,
		Format: media.FormatNV12,
	})
	if err != nil {
		slog.Error("failed to create pattern source", "error", err)
		os.Exit(1)
	}
	programKey := bars.Key()
	if _, err := mgr.AddVideoSource(bars); err != nil {
		slog.Error("failed to add pattern source", "error", err)
		os.Exit(1)
	}

	if wavPath != "" {
		wavSrc := source.NewWAVFile("music", wavPath, nil)
		if _, err := mgr.AddAudioSource(ctx, wavSrc); err != nil {
			slog.Error("failed to add wav source", "error", err)
			os.Exit(1)
		}
	}

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	monSrv := monitor.NewServer(monitor.ServerConfig{
		Addr:     monAddr,
		Cert:     cert,
		Provider: mgr,
	})
	g.Go(func() error {
		return monSrv.Run(ctx)
	})

	// The mixing engine has a single pull driver: the SRT publisher when
	// publishing, the speaker otherwise.
	if srtAddr != "" {
		pub := publish.NewPublisher(publish.PublisherConfig{
			Sink:     publish.NewSRTSink(nil),
			Policy:   publish.DefaultReconnectPolicy(),
			Registry: frameReg,
			Source:   programKey,
			Engine:   engine,
		})
		g.Go(func() error {
			return pub.Run(ctx, srtAddr, srtKey)
		})
	} else if speakerOn {
		speaker, err := monitor.NewSpeaker(engine, nil)
		if err != nil {
			slog.Error("failed to open audio device", "error", err)
			os.Exit(1)
		}
		speaker.Start()
		g.Go(func() error {
			<-ctx.Done()
			return speaker.Close()
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("invalid number in environment, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}
