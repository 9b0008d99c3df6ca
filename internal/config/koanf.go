// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pluginhost/config.yaml",
	"/etc/pluginhost/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a HostConfig with every optional setting at a
// sensible default. Defaults are applied first, then overridden by config
// file and environment variables.
func defaultConfig() *HostConfig {
	return &HostConfig{
		Listener: ListenerConfig{
			BindAddress: "0.0.0.0",
			Port:        8080,
			DisableIPv6:   false,
			WebPrefix:     "/pluginhost",
			JSONRPCPrefix: "/jsonrpc",
		},
		Paths: PathsConfig{
			SystemRootPath: "/usr/lib/pluginhost/plugins",
			DataPath:       "/usr/share/pluginhost",
			PersistentPath: "/data/pluginhost/persistent",
			VolatilePath:   "/var/run/pluginhost",
			PostMortemPath: "/var/log/pluginhost/postmortem",
		},
		WorkerPool: WorkerPoolConfig{
			ThreadCount:     4,
			QueueDepthLimit: 0, // unbounded
			JoinTimeout:     30 * time.Second,
		},
		Channel: ChannelConfig{
			IdleReapInterval: 60 * time.Second,
			IdleTimeout:      5 * time.Minute,
			MaxFrameBytes:    8 << 20,
		},
		Communicator: CommunicatorConfig{
			ConnectorAddress: "/tmp/pluginhost/communicator.sock",
			AnnounceTimeout:  5 * time.Second,
			ChildLaunchPath:  "",
		},
		Security: SecurityConfig{
			DefaultAllow:         false,
			TokenHeader:          "Authorization",
			JWTSigningSecret:     "",
			CasbinModelPath:      "",
			EncryptOverrides:     false,
			EncryptionPassphrase: "",
		},
		Diagnostics: DiagnosticsConfig{
			PostMortemReasons: []string{"Failure", "Watchdog", "MemoryExceeded"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Environments: map[string]string{},
		Plugins:      []PluginConfig{},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config File: optional YAML config file (if it exists)
//  3. Environment Variables: override any setting
//
// This function is the preferred way to load configuration and provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func LoadWithKoanf() (*HostConfig, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform environment variable names to koanf paths:
	// PLUGINHOST_LISTENER_PORT -> listener.port
	// PLUGINHOST_SECURITY_DEFAULT_ALLOW -> security.default_allow
	envProvider := env.Provider("PLUGINHOST_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into HostConfig struct
	cfg := &HostConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	// Check environment variable first
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Search default paths
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
// when supplied via environment variables (koanf's env provider only sees flat strings).
var sliceConfigPaths = []string{}

// processSliceFields reparses comma-separated environment overrides for any
// path listed in sliceConfigPaths into a proper []string before Unmarshal.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw := k.String(path)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set slice field %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc transforms PLUGINHOST_-prefixed environment variable
// names into koanf config paths, e.g. PLUGINHOST_LISTENER_PORT -> listener.port.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, "PLUGINHOST_")
	key = strings.ToLower(key)
	// Only the first underscore separates section from field; field names
	// themselves contain underscores (default_allow, bind_address, ...).
	key = strings.Replace(key, "_", ".", 1)
	return key
}

// GetKoanfInstance returns a new Koanf instance for advanced usage, such as
// hot-reload scenarios or custom configuration sources.
func GetKoanfInstance() *koanf.Koanf {
	return koanf.New(".")
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// The caller is responsible for mutex protection when accessing
// configuration during reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
