package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverRaw      = "raw"
	DriverChromedp = "chromedp"

	WaitModePoll  = "poll"
	WaitModeSleep = "sleep"
)

// Config holds all configuration for the navigation probe.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int
	Driver     string

	// Click target
	LinkText       string
	LinkSelector   string
	ActiveSelector string

	// Settle behavior after the click
	WaitMode       string
	SettleDelayMS  int
	PollIntervalMS int
	WaitTimeoutMS  int

	EvalTimeoutMS int
	Inspect       bool
	ReportLog     string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:     getEnvOrDefault("PROBE_CDP_ADDRESS", "localhost"),
		CDPPort:        getEnvIntOrDefault("PROBE_CDP_PORT", 9222),
		Driver:         strings.ToLower(getEnvOrDefault("PROBE_DRIVER", DriverRaw)),
		LinkText:       getEnvOrDefault("PROBE_LINK_TEXT", "TabbySpaces"),
		LinkSelector:   getEnvOrDefault("PROBE_LINK_SELECTOR", "a.nav-link"),
		ActiveSelector: getEnvOrDefault("PROBE_ACTIVE_SELECTOR", "a.nav-link.active"),
		WaitMode:       strings.ToLower(getEnvOrDefault("PROBE_WAIT_MODE", WaitModePoll)),
		SettleDelayMS:  getEnvIntOrDefault("PROBE_SETTLE_DELAY_MS", 300),
		PollIntervalMS: getEnvIntOrDefault("PROBE_POLL_INTERVAL_MS", 50),
		WaitTimeoutMS:  getEnvIntOrDefault("PROBE_WAIT_TIMEOUT_MS", 3000),
		EvalTimeoutMS:  getEnvIntOrDefault("PROBE_EVAL_TIMEOUT_MS", 5000),
		Inspect:        getEnvBoolOrDefault("PROBE_INSPECT", false),
		ReportLog:      getEnvOrDefault("PROBE_REPORT_LOG", ""),
		LogLevel:       strings.ToLower(getEnvOrDefault("PROBE_LOG_LEVEL", "info")),
		LogFile:        getEnvOrDefault("PROBE_LOG_FILE", "logs/tabby_probe.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverRaw, DriverChromedp:
	default:
		return fmt.Errorf("config: unknown PROBE_DRIVER %q (want %q or %q)", c.Driver, DriverRaw, DriverChromedp)
	}
	switch c.WaitMode {
	case WaitModePoll, WaitModeSleep:
	default:
		return fmt.Errorf("config: unknown PROBE_WAIT_MODE %q (want %q or %q)", c.WaitMode, WaitModePoll, WaitModeSleep)
	}
	if strings.TrimSpace(c.LinkText) == "" {
		return fmt.Errorf("config: PROBE_LINK_TEXT must not be empty")
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: PROBE_CDP_PORT out of range: %d", c.CDPPort)
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 50
	}
	if c.SettleDelayMS < 0 {
		c.SettleDelayMS = 0
	}
	return nil
}

// GetCDPURL returns the remote-debugging HTTP endpoint.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
