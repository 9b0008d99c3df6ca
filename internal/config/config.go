// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration management for the fabric. It
// replaces a media server's per-source configuration with the host-wide
// settings the fabric itself needs, plus the declared set of plugins that
// make up a deployment.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config File: optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: override any setting via environment variables
//
// Configuration Categories:
//
//  1. Host:
//     - Listener: HTTP/WebSocket bind address, IPv6 handling
//     - Paths: system root, data, persistent, volatile, post-mortem directories
//     - WorkerPool: thread count, queue depth limit, join timeout
//     - Channel: idle reap interval, idle timeout, frame size limit
//
//  2. Security:
//     - Token model, default ACL, encryption-at-rest for plugin config blobs
//
//  3. Plugins:
//     - the ordered list of PluginConfig entries that ServiceMap loads at boot
//
// Example - Load configuration from environment:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal("Failed to load config:", err)
//	}
//	// cfg.Listener.Port, cfg.Paths.DataPath, cfg.Plugins, etc. are now populated
//
// Thread Safety:
// HostConfig is immutable after Load() and safe for concurrent read access
// from multiple goroutines.
package config

import (
	"fmt"
	"time"
)

// HostConfig holds every setting the fabric itself needs, independent of
// any individual plugin's own Configuration blob.
type HostConfig struct {
	Listener    ListenerConfig    `koanf:"listener"`
	Paths       PathsConfig       `koanf:"paths"`
	WorkerPool  WorkerPoolConfig  `koanf:"workerpool"`
	Channel     ChannelConfig     `koanf:"channel"`
	Communicator CommunicatorConfig `koanf:"communicator"`
	Security    SecurityConfig    `koanf:"security"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Logging     LoggingConfig     `koanf:"logging"`
	Environments map[string]string `koanf:"environments"`

	Plugins []PluginConfig `koanf:"plugins"`
}

// ListenerConfig controls the HTTP/WebSocket entry point (C7/C8).
type ListenerConfig struct {
	BindAddress    string `koanf:"bind_address" validate:"required"`
	Port           int    `koanf:"port" validate:"gte=1,lte=65535"`
	DisableIPv6    bool   `koanf:"disable_ipv6"`
	WebPrefix      string `koanf:"web_prefix" validate:"required"`
	JSONRPCPrefix  string `koanf:"jsonrpc_prefix" validate:"required"`
}

// PathsConfig is the set of directories the fabric reads and writes.
// SystemRootPath is the default search root for in-process plugin locators;
// DataPath holds read-only plugin assets; PersistentPath and VolatilePath
// back ServiceMap.Persist and the Hibernate checkpoint store respectively;
// PostMortemPath is where PostMortem dumps are written when a service
// deactivates for a reason in the diagnostics allow list.
type PathsConfig struct {
	SystemRootPath string `koanf:"system_root_path" validate:"required"`
	DataPath       string `koanf:"data_path" validate:"required"`
	PersistentPath string `koanf:"persistent_path" validate:"required"`
	VolatilePath   string `koanf:"volatile_path" validate:"required"`
	PostMortemPath string `koanf:"post_mortem_path" validate:"required"`
}

// WorkerPoolConfig sizes the fixed-thread job dispatcher (C1).
type WorkerPoolConfig struct {
	ThreadCount     int           `koanf:"thread_count" validate:"gte=1,lte=256"`
	QueueDepthLimit int           `koanf:"queue_depth_limit" validate:"gte=0"`
	JoinTimeout     time.Duration `koanf:"join_timeout"`
}

// ChannelConfig tunes the connection manager (C7/C8).
type ChannelConfig struct {
	IdleReapInterval time.Duration `koanf:"idle_reap_interval"`
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	MaxFrameBytes    int64         `koanf:"max_frame_bytes" validate:"gte=1024"`
}

// CommunicatorConfig configures the out-of-process spawn/handshake layer (C3).
type CommunicatorConfig struct {
	ConnectorAddress string        `koanf:"connector_address" validate:"required"`
	AnnounceTimeout  time.Duration `koanf:"announce_timeout"`
	ChildLaunchPath  string        `koanf:"child_launch_path"`
}

// SecurityConfig configures SecurityGate (C10) defaults.
type SecurityConfig struct {
	DefaultAllow     bool   `koanf:"default_allow"`
	TokenHeader      string `koanf:"token_header" validate:"required"`
	JWTSigningSecret string `koanf:"jwt_signing_secret"`
	CasbinModelPath  string `koanf:"casbin_model_path"`
	EncryptOverrides bool   `koanf:"encrypt_overrides"`
	EncryptionPassphrase string `koanf:"encryption_passphrase"`
}

// DiagnosticsConfig configures PostMortem + Hibernate (C11).
type DiagnosticsConfig struct {
	PostMortemReasons []string `koanf:"post_mortem_reasons"`
}

// LoggingConfig configures the ambient zerolog-backed logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ProcessSettings is the set of OS-level knobs applied to an out-of-process
// plugin's child process before Activation hands it control.
type ProcessSettings struct {
	User      string `koanf:"user"`
	Group     string `koanf:"group"`
	Priority  int    `koanf:"priority"`
	Policy    string `koanf:"policy"`
	OOMAdjust int    `koanf:"oom_adjust"`
	Umask     int    `koanf:"umask"`
	StackSize int    `koanf:"stack_size"`
}

// StartMode is the declared activation intent for a plugin at boot, one of
// the three states PluginConfig.Startmode may legally hold.
type StartMode string

const (
	StartModeDeactivated StartMode = "Deactivated"
	StartModeActivated   StartMode = "Activated"
	StartModeUnavailable StartMode = "Unavailable"
)

// PluginConfig is the immutable-at-load tuple describing one plugin entry.
// ServiceMap treats the slice HostConfig.Plugins as the authoritative set
// of callsigns known at boot; later Insert calls extend it at runtime.
type PluginConfig struct {
	Callsign       string          `koanf:"callsign" validate:"required"`
	Classname      string          `koanf:"classname" validate:"required"`
	Locator        string          `koanf:"locator"`
	Configuration  string          `koanf:"configuration"`
	Startmode      StartMode       `koanf:"startmode" validate:"oneof=Deactivated Activated Unavailable"`
	StartupOrder   int             `koanf:"startup_order"`
	Resumed        bool            `koanf:"resumed"`
	SystemRootPath string          `koanf:"system_root_path"`
	Precondition   []string        `koanf:"precondition"`
	Termination    []string        `koanf:"termination"`
	WebUI          bool            `koanf:"web_ui"`
	Process        ProcessSettings `koanf:"process"`
	OutOfProcess   bool            `koanf:"out_of_process"`
}

// Load reads the host configuration using the layered Koanf pipeline:
// built-in defaults, then an optional YAML file, then environment variable
// overrides. See LoadWithKoanf for the underlying implementation.
func Load() (*HostConfig, error) {
	return LoadWithKoanf()
}

// String renders a PluginConfig for log lines without leaking its
// Configuration blob, which may hold secrets when EncryptOverrides is unset.
func (p PluginConfig) String() string {
	return fmt.Sprintf("PluginConfig{callsign=%s classname=%s startmode=%s outOfProcess=%t}",
		p.Callsign, p.Classname, p.Startmode, p.OutOfProcess)
}
