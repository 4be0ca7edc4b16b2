// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable. Backoff and poll durations are deliberately
// configuration rather than constants; deployments tune them per load.
const (
	DefaultPort      = 8080
	DefaultRedisURL  = "redis://localhost:6379"
	DefaultQueueName = "browser-automation"

	DefaultQueuePollWait         = 2 * time.Second
	DefaultIdleSleep             = 250 * time.Millisecond
	DefaultErrorBackoff          = 5 * time.Second
	DefaultConnectBackoffInitial = 500 * time.Millisecond
	DefaultConnectBackoffMax     = 10 * time.Second
	DefaultConnectMaxElapsed     = 30 * time.Second

	DefaultTunnelUpstream = "127.0.0.1:5900"

	DefaultCaptureFormat   = "jpeg"
	DefaultCaptureQuality  = 75
	DefaultCaptureWidth    = 1280
	DefaultCaptureHeight   = 720
	DefaultCaptureEveryNth = 1
)

// Config is the full worker configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// RedisURL is the shared session store. REDIS_PUBLIC_URL wins over
	// REDIS_URL when both are set, matching the hosting platform's
	// convention.
	RedisURL string

	// QueueName is the provisioning queue the worker pulls from.
	QueueName string

	// BackendWSURL is the websocket endpoint frames are pushed to. Empty
	// disables the consumer channel; frames still go to the store's
	// pub/sub.
	BackendWSURL string

	// TunnelSecret signs and verifies tunnel tokens. Empty disables the
	// tunnel endpoint.
	TunnelSecret string

	// TunnelUpstream is the local remote-desktop endpoint tunnelled to.
	TunnelUpstream string

	// TunnelStrictSession rejects tokens whose embedded session id does
	// not match the requested one. Off by default; mismatches are logged
	// either way.
	TunnelStrictSession bool

	QueuePollWait         time.Duration
	IdleSleep             time.Duration
	ErrorBackoff          time.Duration
	ConnectBackoffInitial time.Duration
	ConnectBackoffMax     time.Duration
	ConnectMaxElapsed     time.Duration

	CaptureFormat   string
	CaptureQuality  int
	CaptureWidth    int
	CaptureHeight   int
	CaptureEveryNth int

	// NoSandbox launches Chrome without its sandbox, required in most
	// container runtimes.
	NoSandbox bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:  firstEnv("REDIS_PUBLIC_URL", "REDIS_URL"),
		QueueName: getenv("PERISCOPE_QUEUE", DefaultQueueName),

		BackendWSURL: getenv("PERISCOPE_BACKEND_WS_URL", ""),

		TunnelSecret:   getenv("PERISCOPE_TUNNEL_SECRET", ""),
		TunnelUpstream: getenv("PERISCOPE_TUNNEL_UPSTREAM", DefaultTunnelUpstream),

		CaptureFormat: getenv("PERISCOPE_CAPTURE_FORMAT", DefaultCaptureFormat),

		LogLevel: getenv("PERISCOPE_LOG_LEVEL", "info"),
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = DefaultRedisURL
	}

	var err error
	if cfg.Port, err = envInt("PORT", DefaultPort); err != nil {
		return nil, err
	}
	if cfg.TunnelStrictSession, err = envBool("PERISCOPE_TUNNEL_STRICT_SESSION", false); err != nil {
		return nil, err
	}
	if cfg.NoSandbox, err = envBool("PERISCOPE_NO_SANDBOX", true); err != nil {
		return nil, err
	}

	if cfg.QueuePollWait, err = envDuration("PERISCOPE_QUEUE_POLL_WAIT", DefaultQueuePollWait); err != nil {
		return nil, err
	}
	if cfg.IdleSleep, err = envDuration("PERISCOPE_IDLE_SLEEP", DefaultIdleSleep); err != nil {
		return nil, err
	}
	if cfg.ErrorBackoff, err = envDuration("PERISCOPE_ERROR_BACKOFF", DefaultErrorBackoff); err != nil {
		return nil, err
	}
	if cfg.ConnectBackoffInitial, err = envDuration("PERISCOPE_CONNECT_BACKOFF_INITIAL", DefaultConnectBackoffInitial); err != nil {
		return nil, err
	}
	if cfg.ConnectBackoffMax, err = envDuration("PERISCOPE_CONNECT_BACKOFF_MAX", DefaultConnectBackoffMax); err != nil {
		return nil, err
	}
	if cfg.ConnectMaxElapsed, err = envDuration("PERISCOPE_CONNECT_MAX_ELAPSED", DefaultConnectMaxElapsed); err != nil {
		return nil, err
	}

	if cfg.CaptureQuality, err = envInt("PERISCOPE_CAPTURE_QUALITY", DefaultCaptureQuality); err != nil {
		return nil, err
	}
	if cfg.CaptureWidth, err = envInt("PERISCOPE_CAPTURE_WIDTH", DefaultCaptureWidth); err != nil {
		return nil, err
	}
	if cfg.CaptureHeight, err = envInt("PERISCOPE_CAPTURE_HEIGHT", DefaultCaptureHeight); err != nil {
		return nil, err
	}
	if cfg.CaptureEveryNth, err = envInt("PERISCOPE_CAPTURE_EVERY_NTH", DefaultCaptureEveryNth); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if c.CaptureQuality < 1 || c.CaptureQuality > 100 {
		return fmt.Errorf("capture quality %d out of range 1-100", c.CaptureQuality)
	}
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		return fmt.Errorf("capture dimensions %dx%d invalid", c.CaptureWidth, c.CaptureHeight)
	}
	if c.CaptureEveryNth < 1 {
		return fmt.Errorf("capture everyNthFrame must be at least 1")
	}
	if c.TunnelSecret != "" && c.TunnelUpstream == "" {
		return fmt.Errorf("tunnel enabled but no upstream address configured")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// TunnelEnabled reports whether the tunnel endpoint should be served.
func (c *Config) TunnelEnabled() bool {
	return c.TunnelSecret != ""
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return value, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return value, nil
}
