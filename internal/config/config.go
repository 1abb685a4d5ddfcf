// Package config provides configuration management for livecore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "LIVECORE"

// Default configuration values.
const (
	defaultHTTPAddr           = ":8080"
	defaultHTTP3Addr          = ":4443"
	defaultShutdownTimeout    = 10 * time.Second
	defaultSRTAddr            = ":6000"
	defaultSRTLatency         = 120 * time.Millisecond
	defaultIdleTimeout        = 5 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultSegmentCount       = 7
	defaultSegmentMinDuration = time.Second
	defaultSinkQueue          = 180
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Source    SourceConfig    `mapstructure:"source"`
	HLS       HLSConfig       `mapstructure:"hls"`
	Forward   ForwardConfig   `mapstructure:"forward"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	HTTP3Addr       string        `mapstructure:"http3_addr"`
	HTTP3Enabled    bool          `mapstructure:"http3_enabled"`
	CertHosts       []string      `mapstructure:"cert_hosts"` // extra SANs for the self-signed certificate
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IngestConfig holds publisher-side listener configuration.
type IngestConfig struct {
	SRTAddr    string        `mapstructure:"srt_addr"`
	SRTLatency time.Duration `mapstructure:"srt_latency"`
}

// SourceConfig holds per-stream broadcaster configuration.
type SourceConfig struct {
	GOPCache      bool          `mapstructure:"gop_cache"`
	MaxQueue      int           `mapstructure:"max_queue"` // 0 = unbounded
	SinkQueue     int           `mapstructure:"sink_queue"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// HLSConfig holds segmenter configuration.
type HLSConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SegmentCount       int           `mapstructure:"segment_count"`
	SegmentMinDuration time.Duration `mapstructure:"segment_min_duration"`
}

// ForwardConfig lists downstream SRT servers every publish is pushed to.
type ForwardConfig struct {
	Destinations []string      `mapstructure:"destinations"` // host:port
	Latency      time.Duration `mapstructure:"latency"`
}

// TranscodeConfig holds the ffmpeg transcoder configuration.
type TranscodeConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	FFmpegPath string   `mapstructure:"ffmpeg_path"`
	OutputArgs []string `mapstructure:"output_args"`
	OutputURL  string   `mapstructure:"output_url"` // {key} is replaced by the stream key
}

// LoggingConfig holds slog configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIVECORE_ and use underscores for
// nesting. Example: LIVECORE_SOURCE_GOP_CACHE=false.
func Load(configPath string) (*Config, error) {
	return LoadInto(viper.New(), configPath)
}

// LoadInto is Load on a caller-supplied Viper. Flags bound to v with
// BindPFlag override the file and the environment.
func LoadInto(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("livecore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/livecore")
	}
	BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// BindEnv enables LIVECORE_ environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", defaultHTTPAddr)
	v.SetDefault("server.http3_addr", defaultHTTP3Addr)
	v.SetDefault("server.http3_enabled", false)
	v.SetDefault("server.cert_hosts", []string{})
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("ingest.srt_addr", defaultSRTAddr)
	v.SetDefault("ingest.srt_latency", defaultSRTLatency)

	v.SetDefault("source.gop_cache", true)
	v.SetDefault("source.max_queue", 0)
	v.SetDefault("source.sink_queue", defaultSinkQueue)
	v.SetDefault("source.idle_timeout", defaultIdleTimeout)
	v.SetDefault("source.sweep_interval", defaultSweepInterval)

	v.SetDefault("hls.enabled", true)
	v.SetDefault("hls.segment_count", defaultSegmentCount)
	v.SetDefault("hls.segment_min_duration", defaultSegmentMinDuration)

	v.SetDefault("forward.destinations", []string{})
	v.SetDefault("forward.latency", defaultSRTLatency)

	v.SetDefault("transcode.enabled", false)
	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.output_args", []string{"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-f", "mpegts"})
	v.SetDefault("transcode.output_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.HTTP3Enabled && c.Server.HTTP3Addr == "" {
		return fmt.Errorf("server.http3_addr is required when http3 is enabled")
	}
	if c.Ingest.SRTAddr == "" {
		return fmt.Errorf("ingest.srt_addr is required")
	}

	if c.Source.MaxQueue < 0 {
		return fmt.Errorf("source.max_queue must not be negative")
	}
	if c.Source.SinkQueue < 1 {
		return fmt.Errorf("source.sink_queue must be at least 1")
	}
	if c.Source.SweepInterval <= 0 {
		return fmt.Errorf("source.sweep_interval must be positive")
	}

	if c.HLS.Enabled && c.HLS.SegmentCount < 3 {
		return fmt.Errorf("hls.segment_count must be at least 3")
	}

	if c.Transcode.Enabled {
		if c.Transcode.FFmpegPath == "" {
			return fmt.Errorf("transcode.ffmpeg_path is required when transcoding is enabled")
		}
		if c.Transcode.OutputURL == "" {
			return fmt.Errorf("transcode.output_url is required when transcoding is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
