package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/softair/roomsync"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variable.
type Config struct {
	// Backend
	BackendURL string `mapstructure:"BACKEND_URL"`
	AuthToken  string `mapstructure:"AUTH_TOKEN"`

	// View server
	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	// Timing
	PollIntervalSeconds     int `mapstructure:"POLL_INTERVAL_SECONDS"`
	ReconnectDelayMs        int `mapstructure:"RECONNECT_DELAY_MS"`
	SessionReconnectDelayMs int `mapstructure:"SESSION_RECONNECT_DELAY_MS"`
	ReportMaxAttempts       int `mapstructure:"REPORT_MAX_ATTEMPTS"`
	CommandTimeoutMs        int `mapstructure:"COMMAND_TIMEOUT_MS"`
	RequestTimeoutMs        int `mapstructure:"REQUEST_TIMEOUT_MS"`
	HandshakeTimeoutMs      int `mapstructure:"HANDSHAKE_TIMEOUT_MS"`

	// serialize | overwrite | reject
	CorrelationPolicy string `mapstructure:"CORRELATION_POLICY"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	def := roomsync.DefaultOptions()
	v.SetDefault("BACKEND_URL", def.BackendURL)
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("POLL_INTERVAL_SECONDS", int(def.PollInterval/time.Second))
	v.SetDefault("RECONNECT_DELAY_MS", def.DefaultReconnect.Delay.Milliseconds())
	v.SetDefault("SESSION_RECONNECT_DELAY_MS", def.ReconnectFor(roomsync.PurposeCheckIn).Delay.Milliseconds())
	v.SetDefault("REPORT_MAX_ATTEMPTS", def.ReconnectFor(roomsync.PurposeReport).MaxAttempts)
	v.SetDefault("COMMAND_TIMEOUT_MS", def.CommandTimeout.Milliseconds())
	v.SetDefault("REQUEST_TIMEOUT_MS", def.RequestTimeout.Milliseconds())
	v.SetDefault("HANDSHAKE_TIMEOUT_MS", def.HandshakeTimeout.Milliseconds())
	v.SetDefault("CORRELATION_POLICY", "serialize")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	// 2. Read app.yaml if exists
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// 3. Read .env if exists (overriding app.yaml)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	// 4. Environment variables win
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Options converts the configuration into core options.
func (c *Config) Options() (roomsync.Options, error) {
	opts := roomsync.DefaultOptions()
	if c.BackendURL != "" {
		opts.BackendURL = c.BackendURL
	}
	if c.AuthToken != "" {
		opts.Auth = roomsync.StaticAuth{Value: c.AuthToken}
	}
	policy, ok := roomsync.ParseCorrelationPolicy(c.CorrelationPolicy)
	if !ok {
		return opts, fmt.Errorf("unknown CORRELATION_POLICY %q", c.CorrelationPolicy)
	}
	opts.Correlation = policy

	setSeconds(&opts.PollInterval, c.PollIntervalSeconds)
	setMillis(&opts.CommandTimeout, c.CommandTimeoutMs)
	setMillis(&opts.RequestTimeout, c.RequestTimeoutMs)
	setMillis(&opts.HandshakeTimeout, c.HandshakeTimeoutMs)
	setMillis(&opts.DefaultReconnect.Delay, c.ReconnectDelayMs)

	for p, r := range opts.Reconnect {
		setMillis(&r.Delay, c.SessionReconnectDelayMs)
		if p == roomsync.PurposeReport && c.ReportMaxAttempts > 0 {
			r.MaxAttempts = c.ReportMaxAttempts
		}
		opts.Reconnect[p] = r
	}
	return opts, nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, ho))
	}
	return slog.New(slog.NewTextHandler(w, ho))
}

func setSeconds(d *time.Duration, n int) {
	if n > 0 {
		*d = time.Duration(n) * time.Second
	}
}

func setMillis(d *time.Duration, n int) {
	if n > 0 {
		*d = time.Duration(n) * time.Millisecond
	}
}
