// Command plab runs a live spoken practice session against a configured
// courtroom persona: microphone in, model speech out, transcript on stdout.
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

	"github.com/gordonklaus/portaudio"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/leozhu3572/plab/internal/config"
	"github.com/leozhu3572/plab/internal/health"
	"github.com/leozhu3572/plab/internal/observe"
	"github.com/leozhu3572/plab/internal/session"
	"github.com/leozhu3572/plab/pkg/audio"
	"github.com/leozhu3572/plab/pkg/audio/capture"
	"github.com/leozhu3572/plab/pkg/audio/playback"
	"github.com/leozhu3572/plab/pkg/provider/live/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "plab.yaml", "path to the YAML configuration file")
	personaName := flag.String("persona", "", "persona to argue against (defaults to the sole configured persona)")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	// .env is optional; real environments set the API key directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "plab: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "plab: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	// ── Persona ───────────────────────────────────────────────────────────────
	persona, err := cfg.Persona(*personaName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plab: %v\n", err)
		return 1
	}
	instructions, err := persona.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plab: %v\n", err)
		return 1
	}
	voice := persona.Voice
	if voice == "" {
		voice = cfg.Live.Voice
	}

	apiKey, err := cfg.Live.APIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plab: %v\n", err)
		return 1
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	if err := portaudio.Initialize(); err != nil {
		slog.Error("audio subsystem init failed", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio subsystem terminate error", "err", err)
		}
	}()

	sink, err := playback.NewPortAudioSink(audio.OutputSampleRate)
	if err != nil {
		slog.Error("speaker open failed", "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	var providerOpts []gemini.Option
	if cfg.Live.Model != "" {
		providerOpts = append(providerOpts, gemini.WithModel(cfg.Live.Model))
	}
	if cfg.Live.BaseURL != "" {
		providerOpts = append(providerOpts, gemini.WithBaseURL(cfg.Live.BaseURL))
	}

	ctrl := session.New(session.Config{
		Provider:         gemini.New(apiKey, providerOpts...),
		CaptureDevice:    capture.PortAudioDevice{},
		CaptureBlockSize: cfg.Audio.InputBlockSize,
		Sink:             sink,
		Voice:            voice,
	})

	slog.Info("connecting", "persona", persona.Name, "voice", voice)
	if err := ctrl.Connect(ctx, instructions); err != nil {
		slog.Error("connect failed", "err", err)
		return 1
	}
	if err := ctrl.CaptureErr(); err != nil {
		fmt.Fprintln(os.Stderr, "plab: microphone unavailable, listening only")
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Metrics endpoint (optional) ───────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.SessionChecker(func() (string, bool) {
				st := ctrl.State()
				return st.String(), st == session.StateConnected
			}),
			health.AudioChecker(ctrl.CaptureErr),
		).Register(mux)
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
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

	// ── Transcript loop ───────────────────────────────────────────────────────
	// Runs until the session winds down: server close, transport fault, or
	// Ctrl+C triggering the disconnect below.
	g.Go(func() error {
		for u := range ctrl.Updates() {
			switch u.Kind {
			case session.UpdateConnection:
				if u.Connected {
					fmt.Println("— session open, start arguing (Ctrl+C to end) —")
				} else {
					fmt.Println("— session closed —")
				}
			case session.UpdateTranscript:
				speaker := persona.Name
				if u.Fragment.IsUser {
					speaker = "you"
				}
				fmt.Printf("[%s] %s\n", speaker, u.Fragment.Text)
			}
		}
		stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return ctrl.Disconnect()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "err", err)
		return 1
	}
	ctrl.Wait()

	if ctrl.State() == session.StateErrored {
		return 1
	}
	slog.Info("goodbye")
	return 0
}
