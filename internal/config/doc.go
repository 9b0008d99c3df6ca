// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package config provides centralized configuration management for the
fabric host.

This package handles loading, validation, and parsing of the host's own
settings plus the declared set of plugins a deployment wants loaded at
boot. It ensures consistent configuration across every fabric component
and provides sensible defaults for optional settings.

# Configuration Sources

The package reads configuration from, in increasing order of precedence:

  - Built-in defaults (defaultConfig)
  - An optional YAML config file (config.yaml, or CONFIG_PATH)
  - Environment variables prefixed PLUGINHOST_

# Configuration Structure

The package organizes configuration into logical groups:

  - ListenerConfig: HTTP/WebSocket bind address, port, IPv6 handling
  - PathsConfig: system root, data, persistent, volatile, post-mortem directories
  - WorkerPoolConfig: fixed job-dispatch thread count and queue limits
  - ChannelConfig: idle-channel reap interval and frame size limits
  - CommunicatorConfig: out-of-process spawn/handshake connector address
  - SecurityConfig: token header, default ACL, at-rest encryption of plugin config
  - LoggingConfig: log level and output format
  - PluginConfig: the per-plugin tuple from §3 of the fabric's design

# Usage Example

Basic configuration loading:

	import "github.com/tomtom215/pluginhost/internal/config"

	cfg, err := config.Load()
	if err != nil {
	    log.Fatalf("failed to load config: %v", err)
	}

	fmt.Printf("listening on %s:%d\n", cfg.Listener.BindAddress, cfg.Listener.Port)
	fmt.Printf("worker pool threads: %d\n", cfg.WorkerPool.ThreadCount)
	fmt.Printf("plugins declared: %d\n", len(cfg.Plugins))

# Validation

HostConfig.Validate() runs go-playground/validator struct tags on every
section, then checks the invariants struct tags can't express: distinct
plugin callsigns, locator required for in-process plugins, and
precondition/termination entries drawn from the closed subsystem enum.

# Thread Safety

HostConfig is immutable after Load() returns, making it safe for
concurrent access from multiple goroutines without synchronization.
*/
package config
