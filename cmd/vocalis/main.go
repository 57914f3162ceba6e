// Command vocalis is the entry point for the vocalis voice assistant.
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

	"github.com/MrWong99/vocalis/internal/config"
	"github.com/MrWong99/vocalis/internal/executor"
	"github.com/MrWong99/vocalis/internal/health"
	"github.com/MrWong99/vocalis/internal/interrupt"
	"github.com/MrWong99/vocalis/internal/listen"
	"github.com/MrWong99/vocalis/internal/memory"
	"github.com/MrWong99/vocalis/internal/memory/postgres"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/planner"
	oaplanner "github.com/MrWong99/vocalis/internal/planner/openai"
	"github.com/MrWong99/vocalis/internal/resilience"
	"github.com/MrWong99/vocalis/internal/segment"
	"github.com/MrWong99/vocalis/internal/turn"
	"github.com/MrWong99/vocalis/pkg/audio/capture"
	"github.com/MrWong99/vocalis/pkg/audio/playback"
	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/provider/stt/realtime"
	"github.com/MrWong99/vocalis/pkg/provider/stt/whisper"
	"github.com/MrWong99/vocalis/pkg/provider/tts"
	"github.com/MrWong99/vocalis/pkg/provider/tts/coqui"
	"github.com/MrWong99/vocalis/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/vocalis/pkg/provider/vad/energy"
	"github.com/MrWong99/vocalis/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	sessionID := flag.String("session", "", "resume the stored session with this ID")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}
	if *sessionID != "" {
		cfg.Turn.SessionID = *sessionID
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vocalis"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ps, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Memory ────────────────────────────────────────────────────────────────
	var (
		store    memory.Store = memory.NewInMemory()
		checkers []health.Checker
	)
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open session store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		checkers = append(checkers, health.Ping("memory", pg))
	}
	if ps.sttGuard != nil {
		checkers = append(checkers, health.Breaker("stt", ps.sttGuard))
	}

	// ── HTTP endpoints ────────────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		srv := newServer(cfg.Server.ListenAddr, metrics, checkers)
		go func() {
			slog.Info("http endpoints listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	var coord *interrupt.Coordinator
	announce := func(ctx context.Context, msg string) {
		slog.Warn("degraded mode", "message", msg)
		if coord == nil {
			return
		}
		if _, err := coord.Speak(ctx, msg, false); err != nil {
			slog.Warn("failed to announce degraded mode", "err", err)
		}
	}

	listenOpts := []listen.Option{
		listen.WithNotifier(announce),
		listen.WithMetrics(metrics),
		listen.WithPartialHandler(func(t types.Transcript) {
			slog.Debug("partial transcript", "text", t.Text)
		}),
	}
	if ps.sttGuard != nil {
		listenOpts = append(listenOpts, listen.WithStreamFailureHandler(ps.sttGuard.ReportMidStream))
	}
	listener := listen.New(listen.Config{
		Sources: capture.Factory(capture.Config{
			SampleRate:    cfg.Audio.SampleRate,
			FrameDuration: time.Duration(cfg.Audio.FrameMs) * time.Millisecond,
			Device:        cfg.Audio.Device,
			Command:       cfg.Audio.CaptureCommand,
			StopGrace:     cfg.Audio.StopGrace,
		}),
		VAD:          energy.New(),
		Stream:       ps.stream,
		Batch:        ps.batch,
		SampleRate:   cfg.Audio.SampleRate,
		FrameMs:      cfg.Audio.FrameMs,
		Language:     cfg.Providers.STT.Language,
		VADThreshold: cfg.VAD.EnergyThreshold,
		Segment: segment.Config{
			SilenceWindow:   cfg.Segmenter.SilenceWindow,
			MaxDuration:     cfg.Segmenter.MaxDuration,
			MaxIdle:         cfg.Segmenter.MaxIdle,
			PartialInterval: cfg.Segmenter.PartialInterval,
		},
		CommitTimeout: cfg.Segmenter.CommitTimeout,
		BatchRecord:   cfg.Fallback.BatchRecord,
		AudioDir:      cfg.Audio.RecordingsDir,
	}, listenOpts...)

	icfg := interrupt.Config{
		TTS:      ps.tts,
		Player:   playback.New(playback.WithCommand(cfg.Audio.PlaybackCommand)),
		Voice:    types.VoiceProfile{ID: cfg.Turn.VoiceID, Provider: cfg.Providers.TTS.Name},
		MinChars: cfg.Interrupt.MinChars,
	}
	if cfg.Interrupt.IsEnabled() {
		icfg.Listener = listener
	}
	coord = interrupt.New(icfg,
		interrupt.WithNotifier(func(_ context.Context, msg string) {
			slog.Warn("degraded mode", "message", msg)
		}),
		interrupt.WithMetrics(metrics),
	)

	sc, err := turn.LoadSessionContext(ctx, store, cfg.Turn.SessionID, cfg.Turn.HistorySize)
	if err != nil {
		slog.Error("failed to load session", "session_id", cfg.Turn.SessionID, "err", err)
		return 1
	}

	session := turn.New(turn.Config{
		Capturer: listener,
		Speaker:  coord,
		Planner:  ps.planner,
		Executor: executor.NewShell(
			executor.WithDir(cfg.Turn.WorkDir),
			executor.WithTimeout(cfg.Turn.CommandTimeout),
		),
		Memory:              store,
		MaxConfirmRetries:   cfg.Turn.MaxConfirmRetries,
		ConfidenceThreshold: cfg.Turn.ConfidenceThreshold,
		MaxCaptureFailures:  cfg.Turn.MaxCaptureFailures,
		Interruptible:       cfg.Interrupt.IsEnabled(),
	}, sc, turn.WithMetrics(metrics))

	printStartupSummary(cfg, sc.ID)
	slog.Info("listening, press Ctrl+C to quit", "session_id", sc.ID)

	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session ended with error", "session_id", sc.ID, "err", err)
		return 1
	}
	slog.Info("goodbye", "session_id", sc.ID)
	return 0
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newServer(addr string, metrics *observe.Metrics, checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("realtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []realtime.Option
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, realtime.WithLanguage(entry.Language))
		}
		return realtime.New(entry.APIKey, opts...)
	})

	reg.RegisterBatchSTT("whisper", func(entry config.ProviderEntry) (stt.BatchTranscriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if f := entry.OptionString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := entry.OptionString("voice_id"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if entry.Language != "" {
			opts = append(opts, coqui.WithLanguage(entry.Language))
		}
		if rate := entry.OptionInt("sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Planner ───────────────────────────────────────────────────────────────

	reg.RegisterPlanner("openai", func(entry config.ProviderEntry) (planner.Planner, error) {
		var opts []oaplanner.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaplanner.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaplanner.WithOrganization(org))
		}
		return oaplanner.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterPlanner("rules", func(config.ProviderEntry) (planner.Planner, error) {
		return planner.Rules{}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// providers holds the instantiated, resilience-wrapped backends.
type providers struct {
	stream   stt.Provider
	sttGuard *resilience.STTGuard
	batch    stt.BatchTranscriber
	tts      tts.Provider
	planner  planner.Planner
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*providers, error) {
	ps := &providers{}
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Fallback.BreakerFailures,
		ResetTimeout: cfg.Fallback.BreakerReset,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(ctx, name, to.String())
		},
	}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.sttGuard = resilience.NewSTTGuard(p, breaker)
		ps.stream = ps.sttGuard
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	if entry := cfg.Providers.BatchSTT; entry.Name != "" {
		p, err := reg.CreateBatchSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create batch stt provider %q: %w", entry.Name, err)
		}
		ps.batch = p
		slog.Info("provider created", "kind", "batch_stt", "name", entry.Name)
	}

	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)
	if entry := cfg.Providers.TTSFallback; entry.Name != "" {
		fb, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		group := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
		name := entry.Name
		if name == cfg.Providers.TTS.Name {
			name += "-fallback"
		}
		group.AddFallback(name, fb)
		ps.tts = group
		slog.Info("provider created", "kind", "tts_fallback", "name", entry.Name)
	} else {
		ps.tts = primary
	}

	// The keyword planner always backs up a remote one.
	ps.planner = planner.Rules{}
	if entry := cfg.Providers.Planner; entry.Name != "" && entry.Name != "rules" {
		p, err := reg.CreatePlanner(entry)
		if err != nil {
			return nil, fmt.Errorf("create planner %q: %w", entry.Name, err)
		}
		group := resilience.NewPlannerFallback(p, entry.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
		group.AddFallback("rules", planner.Rules{})
		ps.planner = group
		slog.Info("provider created", "kind", "planner", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sessionID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         vocalis: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Batch STT", cfg.Providers.BatchSTT.Name, cfg.Providers.BatchSTT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("TTS fallback", cfg.Providers.TTSFallback.Name, cfg.Providers.TTSFallback.Model)
	printProvider("Planner", cfg.Providers.Planner.Name, cfg.Providers.Planner.Model)
	interrupts := "enabled"
	if !cfg.Interrupt.IsEnabled() {
		interrupts = "(disabled)"
	}
	fmt.Printf("║  Interruptions   : %-19s ║\n", interrupts)
	store := "in-memory"
	if cfg.Memory.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Printf("║  Session store   : %-19s ║\n", store)
	fmt.Printf("║  Session         : %-19s ║\n", truncate(sessionID))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len([]rune(s)) > 19 {
		return string([]rune(s)[:18]) + "…"
	}
	return s
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
