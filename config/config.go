package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUORUMBRIDGE_"

// Duration is a time.Duration that reads and writes as "10ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the effective bridge configuration.
type Config struct {
	// Source is the module to load when none is given on the command line.
	Source    string          `mapstructure:"source" yaml:"source" env:"SOURCE"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" envPrefix:"LOG_"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine" envPrefix:"ENGINE_"`
	Loader    LoaderConfig    `mapstructure:"loader" yaml:"loader" envPrefix:"LOADER_"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Guest     GuestConfig     `mapstructure:"guest" yaml:"guest" envPrefix:"GUEST_"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" env:"LEVEL"`
	Format string `mapstructure:"format" yaml:"format" env:"FORMAT"` // console or json
}

type EngineConfig struct {
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages" yaml:"memory_limit_pages" env:"MEMORY_LIMIT_PAGES"`
	// CacheDir enables the on-disk compilation cache.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir" env:"CACHE_DIR"`
}

type LoaderConfig struct {
	Streaming bool     `mapstructure:"streaming" yaml:"streaming" env:"STREAMING"`
	MaxSize   int64    `mapstructure:"max_size" yaml:"max_size" env:"MAX_SIZE"`
	Timeout   Duration `mapstructure:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

type LifecycleConfig struct {
	TickInterval Duration `mapstructure:"tick_interval" yaml:"tick_interval" env:"TICK_INTERVAL"`
	RestartDelay Duration `mapstructure:"restart_delay" yaml:"restart_delay" env:"RESTART_DELAY"`
	// MaxCycles bounds supervised runs; 0 runs until stopped.
	MaxCycles int `mapstructure:"max_cycles" yaml:"max_cycles" env:"MAX_CYCLES"`
}

// GuestConfig names the exports the bridge relies on.
type GuestConfig struct {
	InitiateExport string   `mapstructure:"initiate_export" yaml:"initiate_export" env:"INITIATE_EXPORT"`
	JoinExport     string   `mapstructure:"join_export" yaml:"join_export" env:"JOIN_EXPORT"`
	PollExport     string   `mapstructure:"poll_export" yaml:"poll_export" env:"POLL_EXPORT"`
	Entry          []string `mapstructure:"entry" yaml:"entry" env:"ENTRY" envSeparator:","`
	Env            []string `mapstructure:"env" yaml:"env,omitempty" env:"ENV" envSeparator:","`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" env:"ENABLED"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	abi := engine.DefaultABI()
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Loader: LoaderConfig{
			Streaming: true,
			MaxSize:   64 << 20,
			Timeout:   Duration(30 * time.Second),
		},
		Lifecycle: LifecycleConfig{
			TickInterval: Duration(10 * time.Millisecond),
			RestartDelay: Duration(100 * time.Millisecond),
		},
		Guest: GuestConfig{
			InitiateExport: engine.ExportInitiateQuorum,
			JoinExport:     engine.ExportJoinGroup,
			PollExport:     abi.Poll,
			Entry:          abi.Entry,
		},
		Telemetry: TelemetryConfig{ServiceName: "quorum-bridge"},
	}
}

// Load reads path (YAML, optional when empty or missing) over the defaults
// and then applies QUORUMBRIDGE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read "+path)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("source", cfg.Source)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("engine.memory_limit_pages", cfg.Engine.MemoryLimitPages)
	v.SetDefault("engine.cache_dir", cfg.Engine.CacheDir)
	v.SetDefault("loader.streaming", cfg.Loader.Streaming)
	v.SetDefault("loader.max_size", cfg.Loader.MaxSize)
	v.SetDefault("loader.timeout", cfg.Loader.Timeout.Std().String())
	v.SetDefault("lifecycle.tick_interval", cfg.Lifecycle.TickInterval.Std().String())
	v.SetDefault("lifecycle.restart_delay", cfg.Lifecycle.RestartDelay.Std().String())
	v.SetDefault("lifecycle.max_cycles", cfg.Lifecycle.MaxCycles)
	v.SetDefault("guest.initiate_export", cfg.Guest.InitiateExport)
	v.SetDefault("guest.join_export", cfg.Guest.JoinExport)
	v.SetDefault("guest.poll_export", cfg.Guest.PollExport)
	v.SetDefault("guest.entry", cfg.Guest.Entry)
	v.SetDefault("guest.env", cfg.Guest.Env)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", cfg.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level %q: %v", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return invalid("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Loader.MaxSize <= 0 {
		return invalid("loader.max_size must be positive")
	}
	if c.Lifecycle.TickInterval <= 0 {
		return invalid("lifecycle.tick_interval must be positive")
	}
	if c.Lifecycle.RestartDelay < 0 || c.Lifecycle.MaxCycles < 0 {
		return invalid("lifecycle.restart_delay and lifecycle.max_cycles must not be negative")
	}
	if c.Guest.InitiateExport == "" || c.Guest.JoinExport == "" {
		return invalid("guest command exports must be named")
	}
	if c.Guest.InitiateExport == c.Guest.JoinExport {
		return invalid("guest command exports must differ")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return invalid("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// ABI returns the guest contract the configuration describes.
func (c Config) ABI() engine.ABI {
	abi := engine.DefaultABI()
	abi.Poll = c.Guest.PollExport
	abi.Entry = c.Guest.Entry
	abi.Commands = []engine.Signature{
		engine.Command(c.Guest.InitiateExport),
		engine.Command(c.Guest.JoinExport),
	}
	return abi
}

// YAML renders the configuration as a config file.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
