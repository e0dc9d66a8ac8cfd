// Package config loads runtime configuration for the Wavelink server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the Wavelink server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort int
	Password string // static Authorization password for the control plane

	LogLevel  string
	LogFormat string // "text" or "json"

	// Engine tunables.
	StuckThresholdMs int64
	UpdateIntervalS  int
	OpusBitrate      int // 0 = auto
	SilenceFrames    int
	TapeDurationMs   int64
	TapeCurve        string // linear, exponential, sinusoidal

	// Remote reader.
	ReaderHighWater int
	ForwardSkipCap  int64

	// Buffer pool.
	PoolMaxBytes      int64
	PoolMaxPerBucket  int
	PoolEvictInterval time.Duration
}

// defaults
const (
	defaultHTTPPort         = 2333
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultStuckThresholdMs = 10_000
	defaultUpdateIntervalS  = 5
	defaultSilenceFrames    = 5
	defaultTapeCurve        = "sinusoidal"
	defaultReaderHighWater  = 8 << 20
	defaultForwardSkipCap   = 1 << 20
	defaultPoolMaxBytes     = 64 << 20
	defaultPoolMaxBucket    = 128
	defaultPoolEvict        = 30 * time.Second
)

// envPrefix is the prefix for all Wavelink environment variables.
const envPrefix = "WAVELINK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wavelink", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.Password, "password", "", "control plane password (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.Int64Var(&cfg.StuckThresholdMs, "stuck-threshold-ms", defaultStuckThresholdMs, "position stagnation before a TrackStuck event")
	fs.IntVar(&cfg.UpdateIntervalS, "update-interval", defaultUpdateIntervalS, "seconds between PlayerUpdate events")
	fs.IntVar(&cfg.OpusBitrate, "opus-bitrate", 0, "opus encoder bitrate in bits/s (0 = auto)")
	fs.IntVar(&cfg.SilenceFrames, "silence-frames", defaultSilenceFrames, "silence frames sent before transmission pauses")
	fs.Int64Var(&cfg.TapeDurationMs, "tape-duration-ms", 0, "tape-stop transition length (0 disables the effect)")
	fs.StringVar(&cfg.TapeCurve, "tape-curve", defaultTapeCurve, "tape transition curve (linear, exponential, sinusoidal)")
	fs.IntVar(&cfg.ReaderHighWater, "reader-high-water", defaultReaderHighWater, "remote reader prefetch buffer bound in bytes")
	fs.Int64Var(&cfg.ForwardSkipCap, "forward-skip-cap", defaultForwardSkipCap, "longest forward seek drained over the live stream")
	fs.Int64Var(&cfg.PoolMaxBytes, "pool-max-bytes", defaultPoolMaxBytes, "buffer pool total retained byte cap")
	fs.IntVar(&cfg.PoolMaxPerBucket, "pool-max-per-bucket", defaultPoolMaxBucket, "buffer pool per-bucket count cap")
	fs.DurationVar(&cfg.PoolEvictInterval, "pool-evict-interval", defaultPoolEvict, "buffer pool idle eviction interval")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Password == "" {
		pw, err := generatePassword()
		if err != nil {
			return nil, fmt.Errorf("generating password: %w", err)
		}
		cfg.Password = pw
		slog.Warn("no password configured, generated one", "password", pw)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line. This preserves the
// precedence: CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"http-port":           envPrefix + "HTTP_PORT",
		"password":            envPrefix + "PASSWORD",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
		"stuck-threshold-ms":  envPrefix + "STUCK_THRESHOLD_MS",
		"update-interval":     envPrefix + "UPDATE_INTERVAL",
		"opus-bitrate":        envPrefix + "OPUS_BITRATE",
		"silence-frames":      envPrefix + "SILENCE_FRAMES",
		"tape-duration-ms":    envPrefix + "TAPE_DURATION_MS",
		"tape-curve":          envPrefix + "TAPE_CURVE",
		"reader-high-water":   envPrefix + "READER_HIGH_WATER",
		"forward-skip-cap":    envPrefix + "FORWARD_SKIP_CAP",
		"pool-max-bytes":      envPrefix + "POOL_MAX_BYTES",
		"pool-max-per-bucket": envPrefix + "POOL_MAX_PER_BUCKET",
		"pool-evict-interval": envPrefix + "POOL_EVICT_INTERVAL",
	}

	for name, env := range envMap {
		if set[name] {
			continue
		}
		if v, ok := os.LookupEnv(env); ok {
			fs.Set(name, v)
		}
	}
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port %d out of range", c.HTTPPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.TapeCurve {
	case "linear", "exponential", "sinusoidal":
	default:
		return fmt.Errorf("unknown tape curve %q", c.TapeCurve)
	}
	if c.StuckThresholdMs < 500 {
		return fmt.Errorf("stuck-threshold-ms %d too small (minimum 500)", c.StuckThresholdMs)
	}
	if c.UpdateIntervalS < 1 {
		return fmt.Errorf("update-interval %d too small", c.UpdateIntervalS)
	}
	if c.ReaderHighWater < 64<<10 {
		return fmt.Errorf("reader-high-water %d too small (minimum %d)", c.ReaderHighWater, 64<<10)
	}
	if c.TapeDurationMs < 0 {
		return fmt.Errorf("tape-duration-ms must not be negative")
	}
	return nil
}

// generatePassword creates a random hex password for unconfigured
// servers.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// UpdateInterval returns the PlayerUpdate cadence as a duration.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalS) * time.Second
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}
