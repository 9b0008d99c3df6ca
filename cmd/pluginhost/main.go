// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the entry point for the PluginHost process.
//
// Startup order: load configuration, initialize logging, build the
// supervision tree, wire the dispatch layer (WorkerPool + SubsystemRegistry),
// the out-of-process layer (CommunicatorServer), the registry (ServiceMap +
// Controller + compiled-in plugin factories), the transport layer
// (ConnectionManager), load any persisted override document, run Startup
// to bring configured plugins to their declared state, then serve until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tomtom215/pluginhost/internal/channel"
	"github.com/tomtom215/pluginhost/internal/communicator"
	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/controller"
	"github.com/tomtom215/pluginhost/internal/diagnostics"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
	"github.com/tomtom215/pluginhost/internal/plugins/echo"
	"github.com/tomtom215/pluginhost/internal/proxy"
	"github.com/tomtom215/pluginhost/internal/registry"
	"github.com/tomtom215/pluginhost/internal/security"
	"github.com/tomtom215/pluginhost/internal/service"
	"github.com/tomtom215/pluginhost/internal/subsystem"
	"github.com/tomtom215/pluginhost/internal/supervisor"
	"github.com/tomtom215/pluginhost/internal/workerpool"
)

// controllerClassname is the reserved classname wired to the live
// *controller.Controller singleton by the plugin factory, never resolved
// through the compiled-in plugin table like an ordinary classname.
const controllerClassname = "controller"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Msg("starting pluginhost")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	subsystems := subsystem.New()
	pool := workerpool.New(cfg.WorkerPool.ThreadCount)

	commServer := communicator.New(cfg.Communicator, func(sessionID uint32) {
		logging.Warn().Uint32("session_id", sessionID).Msg("out-of-process plugin session died")
	})

	proxies := proxy.New(noopReleaser{})

	// controllerPlugin is assigned after the registry it needs a reference
	// to exists; factory closes over the variable, not its value, so
	// the order only matters relative to the Insert("Controller") call.
	var controllerPlugin *controller.Controller
	factory := func(classname string) (service.Plugin, error) {
		switch classname {
		case controllerClassname:
			if controllerPlugin == nil {
				return nil, errorkind.New(errorkind.General, "controller plugin requested before construction")
			}
			return controllerPlugin, nil
		case echo.Classname:
			return echo.New(), nil
		default:
			return nil, errorkind.New(errorkind.UnknownKey, "unknown plugin classname "+classname)
		}
	}

	reg := registry.New(factory, subsystems, cfg.Listener.WebPrefix, cfg.Listener.JSONRPCPrefix)
	if cfg.Security.EncryptOverrides {
		if err := reg.EnableConfigurationEncryption(cfg.Security.EncryptionPassphrase); err != nil {
			logging.Fatal().Err(err).Msg("failed to enable configuration encryption")
		}
	}

	controllerPlugin = controller.New(reg, subsystems, pool, proxies, cfg.Paths, cfg.Environments)
	if err := reg.Insert(config.PluginConfig{
		Callsign:     controller.Callsign,
		Classname:    controllerClassname,
		Startmode:    config.StartModeActivated,
		StartupOrder: -1,
	}, registry.FromConfig); err != nil {
		logging.Fatal().Err(err).Msg("failed to register controller plugin")
	}

	for _, pluginCfg := range cfg.Plugins {
		if err := reg.Insert(pluginCfg, registry.FromConfig); err != nil {
			logging.Error().Str("callsign", pluginCfg.Callsign).Err(err).Msg("failed to register configured plugin")
		}
	}

	recorder := diagnostics.NewRecorder(cfg.Paths.PostMortemPath, cfg.Diagnostics.PostMortemReasons)
	reg.Register(postMortemObserver{recorder: recorder})

	hibernateStore, err := diagnostics.OpenStore(diagnostics.StorePathFor(cfg.Paths))
	if err != nil {
		logging.Error().Err(err).Msg("failed to open hibernate checkpoint store")
	} else {
		defer func() {
			if err := hibernateStore.Close(); err != nil {
				logging.Error().Err(err).Msg("failed to close hibernate checkpoint store")
			}
		}()
	}

	gate := security.New(cfg.Security)

	connManager := channel.New(cfg.Listener, cfg.Channel, cfg.Paths, reg, gate, pool)

	loadPersistedOverrides(reg, cfg.Paths)

	if err := reg.Startup(); err != nil {
		logging.Error().Err(err).Msg("startup activation sequence reported an error")
	}

	tree.AddDispatchService(pool)
	tree.AddDispatchService(subsystems)
	tree.AddOutOfProcessService(commServer)
	tree.AddTransportService(connManager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Int("port", cfg.Listener.Port).Msg("supervisor tree starting")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	if err := reg.Close(); err != nil {
		logging.Error().Err(err).Msg("error deactivating services at shutdown")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("pluginhost stopped")
}

// loadPersistedOverrides applies a previously Persisted override document,
// if one exists, before Startup runs so operator-saved state wins over
// the shipped plugin list (§4.6).
func loadPersistedOverrides(reg *registry.ServiceMap, paths config.PathsConfig) {
	path := filepath.Join(paths.PersistentPath, "PluginHost", "override.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := reg.Load(data); err != nil {
		logging.Warn().Err(err).Msg("failed to apply persisted override document")
	}
}

// postMortemObserver captures an advisory in-process PostMortem dump when a
// service reports Deactivated with a reason in the configured allow list,
// per §4.11. Services emit no event for the Deactivation state, so the dump
// is taken after the plugin's Deinitialize has run.
type postMortemObserver struct {
	recorder *diagnostics.Recorder
}

func (o postMortemObserver) ServiceStateChanged(callsign string, state service.State, reason service.Reason) {
	if state != service.Deactivation && state != service.Deactivated {
		return
	}
	if !o.recorder.Allowed(string(reason)) {
		return
	}
	if err := o.recorder.CaptureInProcess(callsign, string(reason)); err != nil {
		logging.Warn().Str("callsign", callsign).Err(err).Msg("postmortem capture failed")
	}
}

// noopReleaser is the ProxyAdministrator's releaser: ReleaseRemote does
// nothing and reports success, so no Release is ever sent to a peer.
// Administrator.Release still decrements the local refcount and, at zero,
// removes the wrapper from its bucket.
type noopReleaser struct{}

func (noopReleaser) ReleaseRemote(channelID uint32, token string) error { return nil }
