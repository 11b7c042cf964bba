// Command earshot listens on a microphone (or a remote or recorded stream),
// calibrates to the room's ambient noise, and captures one spoken utterance
// after another.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/portaudio"
	"github.com/MrWong99/earshot/pkg/audio/wsaudio"
	"github.com/MrWong99/earshot/pkg/vad"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// sourceMaxAge is how long the frame source may stay silent before /readyz
// reports it as failing.
const sourceMaxAge = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "earshot.yaml", "path to the YAML configuration file")
	once := flag.Bool("once", false, "capture a single utterance attempt and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, running with defaults\n", *configPath)
			cfg = &config.Config{}
			config.ApplyDefaults(cfg)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Audio.Source,
		"sample_rate", cfg.Audio.SampleRate,
		"frame_size", cfg.Audio.FrameSize,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Frame source ──────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSources(reg)

	src, err := reg.CreateSource(ctx, cfg.Audio)
	if err != nil {
		slog.Error("failed to open frame source", "source", cfg.Audio.Source, "err", err)
		return 1
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("frame source close error", "err", err)
		}
	}()

	// ── Listener ──────────────────────────────────────────────────────────────
	l, err := listen.New(listen.Config{
		Source:            src,
		Policy:            cfg.VAD,
		CalibrationFrames: cfg.CalibrationFrames(),
		RecalibrateAfter:  cfg.Listen.RecalibrateAfter,
	})
	if err != nil {
		slog.Error("failed to create listener", "err", err)
		return 1
	}

	var out *sink.WAVDir
	if dir := cfg.Listen.OutputDir; dir != "" {
		if out, err = sink.NewWAVDir(dir); err != nil {
			slog.Error("failed to prepare output directory", "err", err)
			return 1
		}
	}
	handle := newHandler(out)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if _, statErr := os.Stat(*configPath); statErr == nil {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(config.Diff(old, new), &level, l)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if *once {
		res, err := l.Once(ctx, handle)
		if err != nil {
			slog.Error("listen failed", "err", err)
			return 1
		}
		if res.Outcome != vad.OutcomeAccepted {
			return 2
		}
		return 0
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		metrics := observe.DefaultMetrics()
		srv := newOpsServer(addr, metrics, health.New([]health.Checker{
			health.Flag("calibration", "no calibration profile yet", l.Calibrated),
			health.Freshness("source", sourceMaxAge, l.LastFrame),
		}, health.WithReport(metrics.RecordReadiness)))
		g.Go(func() error {
			slog.Info("ops server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := l.Run(gctx, handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			// Source exhausted; stop the ops server too.
			return errDone
		}
		return err
	})

	slog.Info("listening, press Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// errDone ends the run group once the listener returns normally.
var errDone = errors.New("listener finished")

// newHandler returns the [listen.Handler] that routes attempt outcomes.
// Accepted utterances are written to out when it is non-nil.
func newHandler(out *sink.WAVDir) listen.Handler {
	return func(ctx context.Context, id string, res vad.Result) error {
		if res.Outcome != vad.OutcomeAccepted {
			return nil
		}
		log := observe.Logger(ctx)
		if out == nil {
			log.Info("utterance captured", "duration", res.Duration(), "bytes", len(res.PCM()))
			return nil
		}
		path, err := out.Write(ctx, id, res)
		if err != nil {
			return err
		}
		log.Info("utterance saved", "path", path, "duration", res.Duration())
		return nil
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, l *listen.Listener) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PolicyChanged {
		if err := l.SetPolicy(d.NewPolicy); err != nil {
			slog.Error("rejected reloaded vad policy", "err", err)
		} else {
			slog.Info("vad policy reloaded, recalibrating before next attempt")
		}
	}
	if d.RecalibrateAfterChanged {
		if err := l.SetRecalibrateAfter(d.NewRecalibrateAfter); err != nil {
			slog.Error("rejected reloaded recalibrate_after", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ── Source wiring ─────────────────────────────────────────────────────────────

// registerBuiltinSources wires the frame sources that ship with earshot.
func registerBuiltinSources(reg *config.Registry) {
	reg.RegisterSource(config.SourcePortAudio, func(_ context.Context, cfg config.AudioConfig) (audio.Source, error) {
		c, err := portaudio.Open(portaudio.Config{
			SampleRate: cfg.SampleRate,
			FrameSize:  cfg.FrameSize,
			DeviceName: cfg.Device,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	reg.RegisterSource(config.SourceWebSocket, func(ctx context.Context, cfg config.AudioConfig) (audio.Source, error) {
		wsCfg := wsaudio.Config{
			Codec:      cfg.Codec,
			SampleRate: cfg.SampleRate,
			FrameSize:  cfg.FrameSize,
		}
		// Remote microphones drop; redial with backoff instead of ending the run.
		rs, err := audio.NewReconnectingSource(ctx, audio.ReconnectConfig{
			Name: cfg.URL,
			Open: func(ctx context.Context) (audio.Source, error) {
				s, err := wsaudio.Dial(ctx, cfg.URL, wsCfg)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
		})
		if err != nil {
			return nil, err
		}
		return rs, nil
	})

	reg.RegisterSource(config.SourceWAV, func(_ context.Context, cfg config.AudioConfig) (audio.Source, error) {
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		s, err := audio.NewWAVSource(f, cfg.FrameSize)
		if err != nil {
			return nil, err
		}
		if s.Remaining() > 0 {
			slog.Info("replaying wav file", "path", cfg.Path, "frames", s.Remaining())
		}
		return s, nil
	})

	for _, name := range reg.Sources() {
		slog.Debug("registered frame source", "name", name)
	}
}

// ── Ops server ────────────────────────────────────────────────────────────────

func newOpsServer(addr string, m *observe.Metrics, h *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h.Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
