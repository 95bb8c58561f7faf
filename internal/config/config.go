// Package config resolves server configuration from, in order of
// precedence: explicit fields set by the embedding application, environment
// variables (SHELLTENDER_*), then defaults. The validator coerces common
// mistakes into usable values and reports them as warnings rather than
// failing startup.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Overflow policies for slow websocket clients.
const (
	OverflowClose = "close" // close the connection with 1009
	OverflowDrop  = "drop"  // drop frames, keep the connection
)

// Config is the full server configuration.
type Config struct {
	Port           int
	WSPath         string
	DataDir        string
	MonitorAuthKey string
	Env            string // development or production

	EnableSecurity  bool
	EnableRateLimit bool
	EnablePipeline  bool

	MaxSessions int
	BufferCap   int
	CORSOrigin  string

	SessionIdleTimeout time.Duration

	// Slow-client handling on the websocket broadcast path.
	OverflowPolicy    string
	OutboundQueueSize int

	// Rate limiter ceiling applied when EnableRateLimit is set.
	MaxBytesPerSecond int

	// ControlSocket enables the local yamux attach channel when non-empty.
	ControlSocket string

	LogLevel  string
	LogFormat string
}

// Load builds a Config from the environment on top of defaults.
//
// Every field is read with an explicit Get: AutomaticEnv only resolves env
// variables on direct key lookups, so an Unmarshal would silently skip any
// env-only setting without a registered default.
func Load() (*Config, []string, error) {
	v := viper.New()
	v.SetEnvPrefix("SHELLTENDER")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("data_dir", ".sessions")
	v.SetDefault("env", "development")
	v.SetDefault("enable_pipeline", true)
	v.SetDefault("max_sessions", 10)
	v.SetDefault("buffer_cap", 10000)
	v.SetDefault("overflow_policy", OverflowClose)
	v.SetDefault("outbound_queue_size", 256)
	v.SetDefault("max_bytes_per_second", 1<<20)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")

	cfg := Config{
		Port:           v.GetInt("port"),
		WSPath:         v.GetString("ws_path"),
		DataDir:        v.GetString("data_dir"),
		MonitorAuthKey: v.GetString("monitor_auth_key"),
		Env:            v.GetString("env"),

		EnableSecurity:  v.GetBool("enable_security"),
		EnableRateLimit: v.GetBool("enable_rate_limit"),
		EnablePipeline:  v.GetBool("enable_pipeline"),

		MaxSessions: v.GetInt("max_sessions"),
		BufferCap:   v.GetInt("buffer_cap"),
		CORSOrigin:  v.GetString("cors_origin"),

		SessionIdleTimeout: v.GetDuration("session_idle_timeout"),

		OverflowPolicy:    v.GetString("overflow_policy"),
		OutboundQueueSize: v.GetInt("outbound_queue_size"),
		MaxBytesPerSecond: v.GetInt("max_bytes_per_second"),
		ControlSocket:     v.GetString("control_socket"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	cfg.applyProfile()
	warnings := cfg.Validate()
	return &cfg, warnings, nil
}

// Default returns the development-profile defaults, for embedding callers
// that configure programmatically.
func Default() *Config {
	return &Config{
		Port:              8080,
		WSPath:            "/ws",
		DataDir:           ".sessions",
		Env:               "development",
		EnablePipeline:    true,
		MaxSessions:       10,
		BufferCap:         10000,
		OverflowPolicy:    OverflowClose,
		OutboundQueueSize: 256,
		MaxBytesPerSecond: 1 << 20,
		LogLevel:          "INFO",
		LogFormat:         "text",
	}
}

// applyProfile flips environment-dependent defaults. Production turns on
// rate limiting, strict CORS and a one hour idle timeout unless the caller
// set those fields explicitly.
func (c *Config) applyProfile() {
	if strings.EqualFold(c.Env, "production") {
		c.EnableRateLimit = true
		if c.SessionIdleTimeout == 0 {
			c.SessionIdleTimeout = time.Hour
		}
	} else if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
}

// Validate coerces recoverable mistakes and returns one warning per fix.
// It only returns values by mutation; nothing here is fatal.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Port <= 0 || c.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("port %d out of range, using 8080", c.Port))
		c.Port = 8080
	}
	if c.WSPath == "" {
		warnings = append(warnings, "empty ws path, using /ws")
		c.WSPath = "/ws"
	} else if !strings.HasPrefix(c.WSPath, "/") {
		warnings = append(warnings, fmt.Sprintf("ws path %q missing leading slash, using /%s", c.WSPath, c.WSPath))
		c.WSPath = "/" + c.WSPath
	}
	if c.DataDir == "" {
		warnings = append(warnings, "empty data dir, using .sessions")
		c.DataDir = ".sessions"
	}
	if c.MaxSessions <= 0 {
		warnings = append(warnings, fmt.Sprintf("max sessions %d invalid, using 10", c.MaxSessions))
		c.MaxSessions = 10
	}
	if c.BufferCap <= 0 {
		warnings = append(warnings, fmt.Sprintf("buffer cap %d invalid, using 10000", c.BufferCap))
		c.BufferCap = 10000
	}
	if c.OverflowPolicy != OverflowClose && c.OverflowPolicy != OverflowDrop {
		warnings = append(warnings, fmt.Sprintf("unknown overflow policy %q, using close", c.OverflowPolicy))
		c.OverflowPolicy = OverflowClose
	}
	if c.OutboundQueueSize <= 0 {
		warnings = append(warnings, fmt.Sprintf("outbound queue size %d invalid, using 256", c.OutboundQueueSize))
		c.OutboundQueueSize = 256
	}
	if c.SessionIdleTimeout < 0 {
		warnings = append(warnings, "negative session idle timeout, disabling")
		c.SessionIdleTimeout = 0
	}
	return warnings
}

// Coerce parses loosely typed values the way the validator does, so JSON
// config files with string ports ("3000") still work.
func Coerce(raw map[string]any) (*Config, []string) {
	cfg := Default()
	var warnings []string

	if p, ok := raw["port"]; ok {
		switch v := p.(type) {
		case float64:
			cfg.Port = int(v)
		case int:
			cfg.Port = v
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("port %q is not a number, using %d", v, cfg.Port))
			} else {
				warnings = append(warnings, fmt.Sprintf("port given as string %q, coerced to %d", v, n))
				cfg.Port = n
			}
		}
	}
	if p, ok := raw["wsPath"].(string); ok {
		cfg.WSPath = p
	}
	if d, ok := raw["dataDir"].(string); ok {
		cfg.DataDir = filepath.Clean(d)
	}
	if m, ok := raw["maxSessions"]; ok {
		if f, ok := m.(float64); ok {
			cfg.MaxSessions = int(f)
		}
	}

	warnings = append(warnings, cfg.Validate()...)
	return cfg, warnings
}

// ControlSocketPath returns the control socket location, defaulting to a
// file inside the data directory.
func (c *Config) ControlSocketPath() string {
	if c.ControlSocket != "" {
		return c.ControlSocket
	}
	return filepath.Join(c.DataDir, "control.sock")
}
