// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"

	"github.com/tomtom215/pluginhost/internal/validation"
)

// knownSubsystems mirrors the closed SubsystemRegistry enum (§3) that
// Precondition/Termination entries must name.
var knownSubsystems = map[string]bool{
	"Platform": true, "Network": true, "Security": true, "Identifier": true,
	"Internet": true, "Graphics": true, "Location": true, "Time": true,
	"Provisioning": true, "Decryption": true, "WebSource": true, "Streaming": true,
	"Bluetooth": true, "Cryptography": true, "Installation": true, "Startup": true,
}

// Validate checks that the host configuration and every declared plugin
// entry are well-formed.
func (c *HostConfig) Validate() error {
	if verr := validation.ValidateStruct(&c.Listener); verr != nil {
		return fmt.Errorf("listener config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.Paths); verr != nil {
		return fmt.Errorf("paths config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.WorkerPool); verr != nil {
		return fmt.Errorf("workerpool config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.Channel); verr != nil {
		return fmt.Errorf("channel config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.Communicator); verr != nil {
		return fmt.Errorf("communicator config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.Security); verr != nil {
		return fmt.Errorf("security config: %w", verr)
	}
	if verr := validation.ValidateStruct(&c.Logging); verr != nil {
		return fmt.Errorf("logging config: %w", verr)
	}
	if c.Security.EncryptOverrides && c.Security.EncryptionPassphrase == "" {
		return fmt.Errorf("security.encryption_passphrase is required when security.encrypt_overrides is true")
	}

	return c.validatePlugins()
}

// validatePlugins checks struct-level validity of every PluginConfig entry
// plus the fabric-wide invariants plain struct tags can't express: distinct
// callsigns, and precondition/termination sets drawn from the closed
// subsystem enum.
func (c *HostConfig) validatePlugins() error {
	seen := make(map[string]bool, len(c.Plugins))

	for i := range c.Plugins {
		p := &c.Plugins[i]

		if verr := validation.ValidateStruct(p); verr != nil {
			return fmt.Errorf("plugin %q: %w", p.Callsign, verr)
		}

		if seen[p.Callsign] {
			return fmt.Errorf("duplicate plugin callsign %q", p.Callsign)
		}
		seen[p.Callsign] = true

		if !p.OutOfProcess && p.Locator == "" {
			return fmt.Errorf("plugin %q: locator is required for in-process plugins", p.Callsign)
		}

		if err := validateSubsystemNames(p.Callsign, "precondition", p.Precondition); err != nil {
			return err
		}
		if err := validateSubsystemNames(p.Callsign, "termination", p.Termination); err != nil {
			return err
		}
	}

	return nil
}

func validateSubsystemNames(callsign, field string, names []string) error {
	for _, name := range names {
		if !knownSubsystems[name] {
			return fmt.Errorf("plugin %q: %s entry %q is not a known subsystem", callsign, field, name)
		}
	}
	return nil
}
