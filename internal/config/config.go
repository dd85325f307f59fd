package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/printgate/printgate/internal/backoff"
	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/encoder"
	"github.com/printgate/printgate/internal/health"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// QueueFile is the retry queue log inside the data directory
const QueueFile = "print_queue.jsonl"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	Queue    QueueConfig     `yaml:"queue"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Device   DeviceConfig    `yaml:"device"`
	Spooler  SpoolerConfig   `yaml:"spooler"`
	Pool     pool.Config     `yaml:"pool"`
	Breaker  breaker.Config  `yaml:"breaker"`
	Recovery recovery.Config `yaml:"recovery"`
	Health   health.Config   `yaml:"health"`
	Encoder  EncoderConfig   `yaml:"encoder"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	APIKey          string        `yaml:"api_key"`
	TrustedCIDRs    []string      `yaml:"trusted_cidrs"`
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig holds retry queue settings
type QueueConfig struct {
	MaxAttempts  int            `yaml:"max_attempts"`
	Fsync        bool           `yaml:"fsync"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	Timeout      time.Duration  `yaml:"timeout"`
	Backoff      backoff.Config `yaml:"backoff"`
}

// DispatchConfig holds settings for immediate delivery
type DispatchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FastTimeout   time.Duration `yaml:"fast_timeout"`
	Grace         time.Duration `yaml:"grace"`
	ChunkSize     int           `yaml:"chunk_size"`
	ChunkPause    time.Duration `yaml:"chunk_pause"`
	MaxTextLength int           `yaml:"max_text_length"`
}

// DeviceConfig holds printer connection settings
type DeviceConfig struct {
	Addr          string        `yaml:"addr"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	StatusTimeout time.Duration `yaml:"status_timeout"`
}

// SpoolerConfig holds spooling service control settings
type SpoolerConfig struct {
	Commands       device.SpoolerCommands `yaml:"commands"`
	StopGap        time.Duration          `yaml:"stop_gap"`
	Settle         time.Duration          `yaml:"settle"`
	CommandTimeout time.Duration          `yaml:"command_timeout"`
}

// EncoderConfig holds default rendering settings
type EncoderConfig struct {
	FontSize string `yaml:"font_size"`
	Bold     bool   `yaml:"bold"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			TrustedCIDRs:    []string{"127.0.0.0/8", "::1/128"},
			RateLimit:       10,
			RateLimitWindow: 60 * time.Second,
			MaxBodyBytes:    1 << 20, // 1MB
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Queue: QueueConfig{
			MaxAttempts:  5,
			Fsync:        true,
			PollInterval: 10 * time.Second,
			Timeout:      2 * time.Second,
			Backoff:      backoff.DefaultConfig(),
		},
		Dispatch: DispatchConfig{
			Timeout:       2 * time.Second,
			FastTimeout:   1 * time.Second,
			Grace:         1 * time.Second,
			ChunkSize:     512,
			ChunkPause:    500 * time.Microsecond,
			MaxTextLength: 64 * 1024,
		},
		Device: DeviceConfig{
			Addr:          "127.0.0.1:9100",
			DialTimeout:   3 * time.Second,
			WriteTimeout:  10 * time.Second,
			StatusTimeout: 2 * time.Second,
		},
		Spooler: SpoolerConfig{
			Commands: device.SpoolerCommands{
				Status:   []string{"systemctl", "is-active", "--quiet", "cups"},
				Stop:     []string{"systemctl", "stop", "cups"},
				Start:    []string{"systemctl", "start", "cups"},
				ListJobs: []string{"lpstat", "-o"},
				Purge:    []string{"cancel", "-a"},
			},
			StopGap:        3 * time.Second,
			Settle:         3 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Pool:     pool.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Recovery: recovery.DefaultConfig(),
		Health:   health.DefaultConfig(),
		Encoder: EncoderConfig{
			FontSize: encoder.FontNormal,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file. ${VAR} references in the file are
// expanded from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to load config, using defaults")
		return Default()
	}

	return cfg
}

// ApplyEnv overrides selected settings from PRINTGATE_* variables
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv("PRINTGATE_API_KEY"); ok {
		c.Server.APIKey = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_HTTP_ADDR"); ok && v != "" {
		c.Server.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_DEVICE_ADDR"); ok && v != "" {
		c.Device.Addr = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_DATA_DIR"); ok && v != "" {
		c.Storage.DataDir = v
	}
	if v, ok := os.LookupEnv("PRINTGATE_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	for _, cidr := range c.Server.TrustedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_cidrs: %w", err))
		}
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Device.Addr == "" {
		errs = append(errs, errors.New("device.addr is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Dispatch.Timeout <= 0 || c.Dispatch.FastTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeouts must be positive"))
	}
	if c.Health.CheckInterval < health.MinCheckInterval {
		errs = append(errs, fmt.Errorf("health.check_interval must be at least %s", health.MinCheckInterval))
	}
	if _, err := encoder.NormalizeFontSize(c.Encoder.FontSize); err != nil {
		errs = append(errs, fmt.Errorf("encoder.font_size: %w", err))
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// QueuePath returns the retry queue log path
func (c *Config) QueuePath() string {
	return filepath.Join(c.Storage.DataDir, QueueFile)
}

// StorePath returns the delivery history directory
func (c *Config) StorePath() string {
	return filepath.Join(c.Storage.DataDir, "history")
}
