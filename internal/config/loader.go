package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"realtime"},
	"batch_stt": {"whisper"},
	"tts":       {"elevenlabs", "coqui"},
	"planner":   {"openai", "rules"},
}

var (
	validCaptureCommands  = []string{"ffmpeg", "arecord", "rec"}
	validPlaybackCommands = []string{"aplay", "ffplay", "play"}
)

// envRef matches ${VAR} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=value pairs from the given .env files (default ".env")
// into the process environment. Missing files are ignored; variables that
// are already set are not overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("config: loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} references in b with the value of the
// environment variable. Unset variables expand to the empty string. Bare
// $VAR is left alone so shell snippets in commands survive.
func ExpandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [Config.ApplyDefaults] first; zero values are not defaulted here.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", a.SampleRate))
	}
	if a.FrameMs <= 0 || a.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range (0, 1000]", a.FrameMs))
	} else if a.SampleRate > 0 && a.SampleRate*a.FrameMs%1000 != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d does not divide into whole samples at %d Hz", a.FrameMs, a.SampleRate))
	}
	if a.CaptureCommand != "" && !slices.Contains(validCaptureCommands, a.CaptureCommand) {
		errs = append(errs, fmt.Errorf("audio.capture_command %q is invalid; valid values: %v", a.CaptureCommand, validCaptureCommands))
	}
	if a.PlaybackCommand != "" && !slices.Contains(validPlaybackCommands, a.PlaybackCommand) {
		errs = append(errs, fmt.Errorf("audio.playback_command %q is invalid; valid values: %v", a.PlaybackCommand, validPlaybackCommands))
	}
	if a.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("audio.stop_grace must not be negative"))
	}

	// VAD
	if cfg.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold must not be negative, got %v", cfg.VAD.EnergyThreshold))
	}

	// Segmenter
	s := cfg.Segmenter
	for name, d := range map[string]int64{
		"segmenter.silence_window":   int64(s.SilenceWindow),
		"segmenter.max_duration":     int64(s.MaxDuration),
		"segmenter.max_idle":         int64(s.MaxIdle),
		"segmenter.partial_interval": int64(s.PartialInterval),
		"segmenter.commit_timeout":   int64(s.CommitTimeout),
		"fallback.batch_record":      int64(cfg.Fallback.BatchRecord),
		"fallback.breaker_reset":     int64(cfg.Fallback.BreakerReset),
		"turn.command_timeout":       int64(cfg.Turn.CommandTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.SilenceWindow > 0 && s.MaxDuration > 0 && s.SilenceWindow >= s.MaxDuration {
		errs = append(errs, fmt.Errorf("segmenter.silence_window (%v) must be shorter than segmenter.max_duration (%v)", s.SilenceWindow, s.MaxDuration))
	}
	if cfg.Fallback.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("fallback.breaker_failures must not be negative"))
	}

	// Interrupt and turn
	if cfg.Interrupt.MinChars < 0 {
		errs = append(errs, fmt.Errorf("interrupt.min_chars must not be negative"))
	}
	if cfg.Turn.MaxConfirmRetries < 0 {
		errs = append(errs, fmt.Errorf("turn.max_confirm_retries must not be negative"))
	}
	if cfg.Turn.MaxCaptureFailures < 0 {
		errs = append(errs, fmt.Errorf("turn.max_capture_failures must not be negative"))
	}
	if c := cfg.Turn.ConfidenceThreshold; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("turn.confidence_threshold %.2f is out of range [0, 1]", c))
	}
	if cfg.Turn.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("turn.history_size must not be negative"))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("stt", p.STT.Name)
	validateProviderName("batch_stt", p.BatchSTT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("planner", p.Planner.Name)

	if p.STT.Name == "" && p.BatchSTT.Name == "" {
		errs = append(errs, errors.New("providers: at least one of providers.stt or providers.batch_stt is required"))
	}
	if p.STT.Name != "" && p.BatchSTT.Name == "" {
		slog.Warn("providers.batch_stt is not configured; a streaming failure will skip the turn instead of falling back")
	}
	if p.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if p.TTSFallback.Name != "" && p.TTSFallback.Name == p.TTS.Name && p.TTSFallback.BaseURL == p.TTS.BaseURL {
		slog.Warn("providers.tts_fallback is identical to providers.tts")
	}
	if p.Planner.Name == "" {
		slog.Warn("providers.planner is not configured; using the keyword planner")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
