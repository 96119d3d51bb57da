// Package config loads and watches the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Config is the root configuration for the AgentGate daemon.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Storage   StorageConfig   `json:"storage"`
	Adapters  AdaptersConfig  `json:"adapters"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the consumer-facing WebSocket server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	APIKey          string   `json:"-"` // from env AGENTGATE_API_KEY only, never persisted
	MaxMessageBytes int64    `json:"max_message_bytes"`
	RateLimitRPS    float64  `json:"rate_limit_rps"`
	RateLimitBurst  int      `json:"rate_limit_burst"`
}

// SessionsConfig configures per-session runtime behavior.
type SessionsConfig struct {
	HistoryLimit           int    `json:"history_limit"`
	PermissionTimeoutMs    int64  `json:"permission_timeout_ms"`
	ReconnectGraceMs       int64  `json:"reconnect_grace_period_ms"`
	IdleSessionTimeoutMs   int64  `json:"idle_session_timeout_ms"`
	MaintenanceCron        string `json:"maintenance_cron,omitempty"` // optional gronx expression gating idle reaping
	CapabilitiesTimeoutMs  int64  `json:"capabilities_timeout_ms"`
	WatchdogIntervalMs     int64  `json:"watchdog_interval_ms"`
	MaxQueuedMessageBytes  int64  `json:"max_queued_message_bytes"`
	ImageMaxEdgePixels     int    `json:"image_max_edge_pixels"`
	ProcessLogLines        int    `json:"process_log_lines"`
	CrashThresholdMs       int64  `json:"crash_threshold_ms"`
	KillGracePeriodMs      int64  `json:"kill_grace_period_ms"`
}

// StorageConfig selects the session-metadata store.
type StorageConfig struct {
	DataDir string `json:"data_dir"`
	Driver  string `json:"driver"` // "file" (default) or "sqlite"
}

// AdapterOptions holds one adapter family's launch settings. Options is
// passed through to the adapter untouched.
type AdapterOptions struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// AdaptersConfig selects and configures backend adapter families.
type AdaptersConfig struct {
	Default string                    `json:"default"`
	List    map[string]AdapterOptions `json:"list,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns a Config with workable defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18800,
			MaxMessageBytes: 256 * 1024,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Sessions: SessionsConfig{
			HistoryLimit:          500,
			PermissionTimeoutMs:   2 * 60 * 1000,
			ReconnectGraceMs:      30 * 1000,
			IdleSessionTimeoutMs:  30 * 60 * 1000,
			CapabilitiesTimeoutMs: 15 * 1000,
			WatchdogIntervalMs:    5 * 1000,
			MaxQueuedMessageBytes: 256 * 1024,
			ImageMaxEdgePixels:    1568,
			ProcessLogLines:       200,
			CrashThresholdMs:      100,
			KillGracePeriodMs:     5 * 1000,
		},
		Storage: StorageConfig{
			DataDir: "~/.agentgate",
			Driver:  "file",
		},
		Adapters: AdaptersConfig{
			Default: "acp",
			List:    map[string]AdapterOptions{},
		},
	}
}

// Validate checks cross-field constraints that a bad config file can break.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Sessions.HistoryLimit <= 0 {
		return fmt.Errorf("sessions.history_limit must be positive")
	}
	if expr := c.Sessions.MaintenanceCron; expr != "" {
		if !gronx.New().IsValid(expr) {
			return fmt.Errorf("sessions.maintenance_cron %q is not a valid cron expression", expr)
		}
	}
	switch c.Storage.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q unknown (file|sqlite)", c.Storage.Driver)
	}
	return nil
}

// MaintenanceWindowOpen reports whether idle reaping may run at the given
// time. An empty expression means always open.
func (c *Config) MaintenanceWindowOpen(at time.Time) bool {
	expr := c.Sessions.MaintenanceCron
	if expr == "" {
		return true
	}
	due, err := gronx.New().IsDue(expr, at)
	if err != nil {
		return true
	}
	return due
}

// DataDir returns the expanded storage directory.
func (c *Config) DataDir() string {
	return ExpandHome(c.Storage.DataDir)
}

// Durations derived from the millisecond fields.

func (s SessionsConfig) PermissionTimeout() time.Duration {
	return time.Duration(s.PermissionTimeoutMs) * time.Millisecond
}
func (s SessionsConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceMs) * time.Millisecond
}
func (s SessionsConfig) IdleSessionTimeout() time.Duration {
	return time.Duration(s.IdleSessionTimeoutMs) * time.Millisecond
}
func (s SessionsConfig) CapabilitiesTimeout() time.Duration {
	return time.Duration(s.CapabilitiesTimeoutMs) * time.Millisecond
}
func (s SessionsConfig) WatchdogInterval() time.Duration {
	return time.Duration(s.WatchdogIntervalMs) * time.Millisecond
}
func (s SessionsConfig) CrashThreshold() time.Duration {
	return time.Duration(s.CrashThresholdMs) * time.Millisecond
}
func (s SessionsConfig) KillGracePeriod() time.Duration {
	return time.Duration(s.KillGracePeriodMs) * time.Millisecond
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
