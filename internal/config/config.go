// Package config loads back office settings from defaults, an optional TOML
// or YAML file, the environment and command line flags, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"qios/internal/logging"
	"qios/internal/stats"
)

const (
	DefaultPort              = 3000
	DefaultBroadcastInterval = 2500 * time.Millisecond
	DefaultPhaseADelay       = time.Second
	DefaultPhaseBDelay       = 2 * time.Second
	DefaultSubscriberBuffer  = 64
	DefaultFrameRate         = 20
	DefaultFrameBurst        = 40

	EnvConfigPath     = "QIOS_CONFIG"
	EnvPort           = "PORT"
	EnvLogLevel       = "QIOS_LOG_LEVEL"
	EnvAllowedOrigins = "QIOS_ALLOWED_ORIGINS"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrUnknownKey        = errors.New("unknown config key")
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrPhaseOrder        = errors.New("phase B delay must exceed phase A delay")
	ErrInvalidFrameLimit = errors.New("invalid inbound frame limit")
)

type Config struct {
	Port               int
	LogLevel           logging.Level
	BroadcastInterval  time.Duration
	PhaseADelay        time.Duration
	PhaseBDelay        time.Duration
	CancelOnDisconnect bool
	AllowedOrigins     []string
	Metrics            []stats.Definition
	SubscriberBuffer   int
	// FrameRate caps inbound frames per second on each connection. Zero
	// disables the limit.
	FrameRate  float64
	FrameBurst int
	// Path is the file the config was read from, if any.
	Path string
}

func Defaults() Config {
	return Config{
		Port:              DefaultPort,
		LogLevel:          logging.LevelInfo,
		BroadcastInterval: DefaultBroadcastInterval,
		PhaseADelay:       DefaultPhaseADelay,
		PhaseBDelay:       DefaultPhaseBDelay,
		Metrics:           stats.DefaultDefinitions(),
		SubscriberBuffer:  DefaultSubscriberBuffer,
		FrameRate:         DefaultFrameRate,
		FrameBurst:        DefaultFrameBurst,
	}
}

// fileConfig mirrors the on-disk layout. Pointer fields distinguish an
// absent key from a zero value.
type fileConfig struct {
	Port               *int               `toml:"port" yaml:"port" jsonschema:"minimum=0,maximum=65535"`
	LogLevel           *string            `toml:"log_level" yaml:"log_level" jsonschema:"enum=debug,enum=info,enum=warning,enum=error"`
	BroadcastInterval  *string            `toml:"broadcast_interval" yaml:"broadcast_interval" jsonschema:"description=Go duration between system_update broadcasts"`
	PhaseADelay        *string            `toml:"phase_a_delay" yaml:"phase_a_delay" jsonschema:"description=Go duration from run_program to execute_command"`
	PhaseBDelay        *string            `toml:"phase_b_delay" yaml:"phase_b_delay" jsonschema:"description=Go duration from run_program to the CNOT notices"`
	CancelOnDisconnect *bool              `toml:"cancel_on_disconnect" yaml:"cancel_on_disconnect"`
	AllowedOrigins     []string           `toml:"allowed_origins" yaml:"allowed_origins"`
	Metrics            []stats.Definition `toml:"metrics" yaml:"metrics"`
	SubscriberBuffer   *int               `toml:"subscriber_buffer" yaml:"subscriber_buffer" jsonschema:"minimum=1"`
	FrameRate          *float64           `toml:"frame_rate" yaml:"frame_rate" jsonschema:"minimum=0"`
	FrameBurst         *int               `toml:"frame_burst" yaml:"frame_burst" jsonschema:"minimum=1"`
}

// Load builds a config from defaults, the file at path (skipped when empty)
// and the environment. The result is validated.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		var err error
		cfg, err = LoadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
	}
	cfg, err := ApplyEnv(cfg, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the file at path onto base. The format is chosen by
// extension.
func LoadFile(path string, base Config) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var file fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(payload), &file)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("%w in %s: %s", ErrUnknownKey, path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(payload))
		decoder.KnownFields(true)
		if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	cfg, err := file.apply(base)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func (file fileConfig) apply(cfg Config) (Config, error) {
	if file.Port != nil {
		cfg.Port = *file.Port
	}
	if file.LogLevel != nil {
		level, ok := logging.ParseLevel(*file.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("%w: %q", ErrInvalidLogLevel, *file.LogLevel)
		}
		cfg.LogLevel = level
	}
	durations := []struct {
		key    string
		raw    *string
		target *time.Duration
	}{
		{"broadcast_interval", file.BroadcastInterval, &cfg.BroadcastInterval},
		{"phase_a_delay", file.PhaseADelay, &cfg.PhaseADelay},
		{"phase_b_delay", file.PhaseBDelay, &cfg.PhaseBDelay},
	}
	for _, duration := range durations {
		if duration.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*duration.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidDuration, duration.key, *duration.raw)
		}
		*duration.target = parsed
	}
	if file.CancelOnDisconnect != nil {
		cfg.CancelOnDisconnect = *file.CancelOnDisconnect
	}
	if file.AllowedOrigins != nil {
		cfg.AllowedOrigins = append([]string(nil), file.AllowedOrigins...)
	}
	if file.Metrics != nil {
		cfg.Metrics = append([]stats.Definition(nil), file.Metrics...)
	}
	if file.SubscriberBuffer != nil {
		cfg.SubscriberBuffer = *file.SubscriberBuffer
	}
	if file.FrameRate != nil {
		cfg.FrameRate = *file.FrameRate
	}
	if file.FrameBurst != nil {
		cfg.FrameBurst = *file.FrameBurst
	}
	return cfg, nil
}

// ApplyEnv overlays environment settings. lookup defaults to os.LookupEnv.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if raw, ok := lookup(EnvPort); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidPort, EnvPort, raw)
		}
		cfg.Port = port
	}
	if raw, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidLogLevel, EnvLogLevel, raw)
		}
		cfg.LogLevel = level
	}
	if raw, ok := lookup(EnvAllowedOrigins); ok && strings.TrimSpace(raw) != "" {
		cfg.AllowedOrigins = splitList(raw)
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	var errs []error
	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port))
	}
	if _, ok := logging.ParseLevel(string(cfg.LogLevel)); !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.LogLevel))
	}
	if cfg.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: broadcast_interval must be positive", ErrInvalidDuration))
	}
	if cfg.PhaseADelay <= 0 {
		errs = append(errs, fmt.Errorf("%w: phase_a_delay must be positive", ErrInvalidDuration))
	}
	if cfg.PhaseBDelay <= cfg.PhaseADelay {
		errs = append(errs, fmt.Errorf("%w: %s <= %s", ErrPhaseOrder, cfg.PhaseBDelay, cfg.PhaseADelay))
	}
	if cfg.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("%w: frame_rate %v is negative", ErrInvalidFrameLimit, cfg.FrameRate))
	}
	if cfg.FrameRate > 0 && cfg.FrameBurst < 1 {
		errs = append(errs, fmt.Errorf("%w: frame_burst must be at least 1", ErrInvalidFrameLimit))
	}
	if err := stats.ValidateDefinitions(cfg.Metrics); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (cfg Config) Addr() string {
	return ":" + strconv.Itoa(cfg.Port)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
