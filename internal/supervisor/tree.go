// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor wires every long-running fabric component into a
// suture supervision tree so a panic or returned error in one restarts
// that component in isolation instead of taking the process down.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns production-ready defaults, matching suture's
// own built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SupervisorTree manages the hierarchical supervisor structure for the
// fabric host process.
//
// The tree is organized into four layers:
//   - dispatch: the WorkerPool reactor and SubsystemRegistry evaluator (C1/C2)
//   - outproc: the CommunicatorServer reactor that owns out-of-process
//     plugin spawn/liveness (C3)
//   - transport: the ConnectionManager HTTP/WebSocket listener (C7/C8)
//   - control: the Controller admin plugin's background housekeeping (C9)
//
// This structure provides failure isolation — a crash restarting the
// transport layer does not interrupt dispatch of already-queued jobs.
type SupervisorTree struct {
	root      *suture.Supervisor
	dispatch  *suture.Supervisor
	outproc   *suture.Supervisor
	transport *suture.Supervisor
	control   *suture.Supervisor
	logger    *slog.Logger
	config    TreeConfig
}

// NewSupervisorTree creates a new supervisor tree with the given configuration.
func NewSupervisorTree(logger *slog.Logger, config TreeConfig) (*SupervisorTree, error) {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	// (&Handler{Logger: logger}).MustHook() is the correct sutureslog API;
	// MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	// Child supervisors inherit the EventHook from the root once added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("pluginhost", rootSpec)
	dispatch := suture.New("dispatch-layer", childSpec)
	outproc := suture.New("outproc-layer", childSpec)
	transport := suture.New("transport-layer", childSpec)
	control := suture.New("control-layer", childSpec)

	root.Add(dispatch)
	root.Add(outproc)
	root.Add(transport)
	root.Add(control)

	return &SupervisorTree{
		root:      root,
		dispatch:  dispatch,
		outproc:   outproc,
		transport: transport,
		control:   control,
		logger:    logger,
		config:    config,
	}, nil
}

// Root returns the root supervisor for direct access if needed.
func (t *SupervisorTree) Root() *suture.Supervisor {
	return t.root
}

// AddDispatchService adds a service to the dispatch layer supervisor.
// Use this for the WorkerPool reactor and SubsystemRegistry evaluator.
func (t *SupervisorTree) AddDispatchService(svc suture.Service) suture.ServiceToken {
	return t.dispatch.Add(svc)
}

// AddOutOfProcessService adds a service to the out-of-process layer
// supervisor. Use this for the CommunicatorServer reactor.
func (t *SupervisorTree) AddOutOfProcessService(svc suture.Service) suture.ServiceToken {
	return t.outproc.Add(svc)
}

// AddTransportService adds a service to the transport layer supervisor.
// Use this for the ConnectionManager HTTP/WebSocket listener.
func (t *SupervisorTree) AddTransportService(svc suture.Service) suture.ServiceToken {
	return t.transport.Add(svc)
}

// AddControlService adds a service to the control layer supervisor.
// Use this for Controller background housekeeping (Discovery snapshot
// refresh, Hibernate checkpoint sweeps).
func (t *SupervisorTree) AddControlService(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

// RemoveTransportService removes a service from the transport layer
// supervisor, e.g. when ConnectionManager is reconfigured.
func (t *SupervisorTree) RemoveTransportService(token suture.ServiceToken) error {
	return t.transport.Remove(token)
}

// Serve starts the supervisor tree and blocks until the context is canceled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the supervisor tree in a background goroutine.
// Returns a channel that receives the error (or nil) when the supervisor stops.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport returns information about services that failed to
// stop within the configured shutdown timeout.
func (t *SupervisorTree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Remove removes a service from the tree by its token.
func (t *SupervisorTree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// RemoveAndWait removes a service and waits for it to fully stop.
func (t *SupervisorTree) RemoveAndWait(token suture.ServiceToken, timeout time.Duration) error {
	return t.root.RemoveAndWait(token, timeout)
}
