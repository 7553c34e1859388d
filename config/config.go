package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/danielsousast/expo-background-upload/internal/chunker"
	"github.com/danielsousast/expo-background-upload/internal/transfer"
	"github.com/danielsousast/expo-background-upload/internal/upload"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// EnvPrefix prefixes environment overrides, e.g. BGUPLOAD_MAX_CONCURRENT.
const EnvPrefix = "BGUPLOAD"

const maxChunkSize = 64 * 1024 * 1024

// AppConfig holds the application-level configuration
type AppConfig struct {
	StoragePath       string        `mapstructure:"storage_path"`
	ChunkSize         string        `mapstructure:"chunk_size"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter       time.Duration `mapstructure:"retry_jitter"`
	RetryServerErrors bool          `mapstructure:"retry_server_errors"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ProbeRetries      int           `mapstructure:"probe_retries"`
	Retention         time.Duration `mapstructure:"retention"`
	Debug             bool          `mapstructure:"debug"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path, then environment overrides. A
// missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := upload.DefaultConfig()
	timeouts := transfer.DefaultTimeouts()
	v.SetDefault("storage_path", "./data")
	v.SetDefault("chunk_size", "auto")
	v.SetDefault("max_concurrent", defaults.MaxConcurrent)
	v.SetDefault("max_attempts", defaults.MaxAttempts)
	v.SetDefault("retry_base_delay", defaults.RetryBaseDelay)
	v.SetDefault("retry_max_delay", defaults.RetryMaxDelay)
	v.SetDefault("retry_jitter", defaults.RetryJitter)
	v.SetDefault("retry_server_errors", false)
	v.SetDefault("progress_interval", transfer.DefaultProgressInterval)
	v.SetDefault("connect_timeout", timeouts.Connect)
	v.SetDefault("write_timeout", timeouts.Write)
	v.SetDefault("read_timeout", timeouts.Read)
	v.SetDefault("probe_retries", 3)
	v.SetDefault("retention", 72*time.Hour)
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logging.Default().WithField("path", path).Debug("no config file, using defaults")
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects values the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.StoragePath == "" {
		return errors.New("storage_path is required")
	}
	if _, err := c.ChunkBytes(); err != nil {
		return err
	}
	if err := c.Upload().Validate(); err != nil {
		return fmt.Errorf("invalid retry settings: %w", err)
	}
	if c.ProgressInterval <= 0 {
		return errors.New("progress_interval must be positive")
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 || c.ReadTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.ProbeRetries < 0 {
		return errors.New("probe_retries must not be negative")
	}
	if c.Retention < 0 {
		return errors.New("retention must not be negative")
	}
	return nil
}

// ChunkBytes parses ChunkSize. Zero means the size is picked per file.
func (c *AppConfig) ChunkBytes() (int, error) {
	if c.ChunkSize == "" || strings.EqualFold(c.ChunkSize, "auto") {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk_size %q: %w", c.ChunkSize, err)
	}
	if n < 1024 || n > maxChunkSize {
		return 0, fmt.Errorf("chunk_size %s outside [1KiB, %s]", units.BytesSize(float64(n)), units.BytesSize(maxChunkSize))
	}
	return int(n), nil
}

// Upload returns the scheduling policy.
func (c *AppConfig) Upload() upload.Config {
	return upload.Config{
		MaxConcurrent:     c.MaxConcurrent,
		MaxAttempts:       c.MaxAttempts,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		RetryJitter:       c.RetryJitter,
		RetryServerErrors: c.RetryServerErrors,
	}
}

// Timeouts returns the transfer phase timeouts.
func (c *AppConfig) Timeouts() transfer.Timeouts {
	return transfer.Timeouts{
		Connect: c.ConnectTimeout,
		Write:   c.WriteTimeout,
		Read:    c.ReadTimeout,
	}
}

// Executor returns transfer options built from the configuration.
func (c *AppConfig) Executor() transfer.Options {
	chunk, _ := c.ChunkBytes()
	stall := c.WriteTimeout
	if stall == 0 {
		stall = -1
	}
	return transfer.Options{
		HTTPClient:       transfer.DefaultHTTPClient(c.Timeouts()),
		ProbeRetries:     c.ProbeRetries,
		Open:             chunker.Open,
		ChunkSize:        chunk,
		ProgressInterval: c.ProgressInterval,
		StallTimeout:     stall,
	}
}
