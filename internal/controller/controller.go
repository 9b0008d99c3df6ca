// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller implements the Controller plugin (C9): the
// reflective admin surface that exposes the fabric itself over the same
// JSON-RPC wire every other plugin answers on.
package controller

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/diagnostics"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
	"github.com/tomtom215/pluginhost/internal/proxy"
	"github.com/tomtom215/pluginhost/internal/registry"
	"github.com/tomtom215/pluginhost/internal/service"
	"github.com/tomtom215/pluginhost/internal/subsystem"
	"github.com/tomtom215/pluginhost/internal/workerpool"
)

// Callsign is the fixed, reserved name the fabric registers this plugin
// under. Self-operations against it are privileged, per §4.9.
const Callsign = "Controller"

// EventSink is a subscribed JSON-RPC channel bound to the controller,
// the fan-out target for statechange/subsystemchange/forward events.
type EventSink interface {
	Send(object interface{}) error
}

// event is the envelope every fan-out notification is wrapped in before
// reaching a sink — a JSON-RPC notification has no id and no response.
type event struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Controller is the plugin described in §4.9. It is registered in
// ServiceMap like any other callsign and activated at boot; its Invoke
// method is reached through the normal Service.Invoke/Dispatcher path.
type Controller struct {
	registry   *registry.ServiceMap
	subsystems *subsystem.Registry
	pool       *workerpool.Pool
	proxies    *proxy.Administrator
	paths      config.PathsConfig
	envs       map[string]string

	mu           sync.Mutex
	sinks        map[EventSink]struct{}
	lastReported [subsystem.EndList]bool
}

// New constructs the Controller plugin, wired against the rest of the
// fabric's singletons. It registers itself as a registry.Observer and a
// subsystem.Observer here, so event fan-out starts at construction, before
// the service is Activated.
func New(reg *registry.ServiceMap, subsystems *subsystem.Registry, pool *workerpool.Pool, proxies *proxy.Administrator, paths config.PathsConfig, envs map[string]string) *Controller {
	c := &Controller{
		registry:   reg,
		subsystems: subsystems,
		pool:       pool,
		proxies:    proxies,
		paths:      paths,
		envs:       envs,
		sinks:      make(map[EventSink]struct{}),
	}
	reg.Register(c)
	subsystems.Register(c)
	return c
}

// Initialize satisfies service.Plugin. The controller has no private
// state to load; its "initialization" is the wiring already done by New.
func (c *Controller) Initialize(ctx *service.InitContext) error {
	return nil
}

// Deinitialize satisfies service.Plugin.
func (c *Controller) Deinitialize(ctx *service.InitContext) {}

// Subscribe registers sink for event fan-out, returning an unsubscribe
// func. Channel binds to this when a WebSocket upgrades against the
// controller's callsign.
func (c *Controller) Subscribe(sink EventSink) func() {
	c.mu.Lock()
	c.sinks[sink] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.sinks, sink)
		c.mu.Unlock()
	}
}

func (c *Controller) broadcast(method string, params interface{}) {
	c.mu.Lock()
	sinks := make([]EventSink, 0, len(c.sinks))
	for sink := range c.sinks {
		sinks = append(sinks, sink)
	}
	c.mu.Unlock()

	msg := event{JSONRPC: "2.0", Method: method, Params: params}
	for _, sink := range sinks {
		if err := sink.Send(msg); err != nil {
			logging.Warn().Str("method", method).Err(err).Msg("controller event fan-out failed")
		}
	}
}

// ServiceStateChanged implements registry.Observer: one statechange event
// per committed transition of any non-controller service. The controller
// emits no forward event; plugin-originated events are not relayed.
func (c *Controller) ServiceStateChanged(callsign string, state service.State, reason service.Reason) {
	if callsign == Callsign {
		return
	}
	c.broadcast("statechange", map[string]interface{}{
		"callsign": callsign,
		"state":    state,
		"reason":   reason,
	})
}

// Updated implements subsystem.Observer: subsystemchange reports are
// sent only when the accumulated mask actually changed since the last
// report, per §4.9.
func (c *Controller) Updated(flag subsystem.Flag, active bool) {
	c.mu.Lock()
	if c.lastReported[flag] == active {
		c.mu.Unlock()
		return
	}
	c.lastReported[flag] = active
	snapshot := c.lastReported
	c.mu.Unlock()

	list := make([]string, 0, subsystem.EndList)
	for f := subsystem.Flag(0); f < subsystem.EndList; f++ {
		if snapshot[f] {
			list = append(list, f.String())
		}
	}
	c.broadcast("subsystemchange", list)
}

// params the JSON-RPC surface accepts, one struct per shape actually
// used across the method table below.
type callsignParams struct {
	Callsign string `json:"callsign"`
}

type cloneParams struct {
	Callsign    string `json:"callsign"`
	NewCallsign string `json:"newcallsign"`
}

type hibernateParams struct {
	Callsign string `json:"callsign"`
	Timeout  int    `json:"timeout"`
}

type deleteParams struct {
	Path string `json:"path"`
}

type environmentParams struct {
	Name string `json:"name"`
}

type configurationParams struct {
	Callsign      string `json:"callsign"`
	Configuration string `json:"configuration,omitempty"`
}

// Invoke implements service.Dispatcher, the full JSON-RPC admin surface
// named in §4.9.
func (c *Controller) Invoke(channelID uint32, token string, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "activate":
		return c.transition(params, func(svc *service.Service) error { return svc.Activate(service.ReasonRequested) })
	case "deactivate":
		return c.transition(params, func(svc *service.Service) error { return svc.Deactivate(service.ReasonRequested) })
	case "unavailable":
		return c.transition(params, func(svc *service.Service) error { return svc.SetUnavailable(service.ReasonRequested) })
	case "suspend":
		return c.transition(params, func(svc *service.Service) error { return svc.Suspend() })
	case "resume":
		return c.transition(params, func(svc *service.Service) error { return svc.Resume() })
	case "clone":
		return c.clone(params)
	case "hibernate":
		return c.hibernate(params)
	case "persist":
		return c.persist()
	case "delete":
		return c.delete(params)
	case "reboot":
		return c.reboot()
	case "environment":
		return c.environment(params)
	case "configuration":
		return c.configuration(params)
	case "services":
		return c.registry.Metadata(nil), nil
	case "links":
		return []interface{}{}, nil
	case "proxies":
		return c.proxiesSnapshot(), nil
	case "callstack":
		return []interface{}{}, nil
	case "threads":
		return c.threads(), nil
	case "pendingrequests":
		return c.pool.Metadata().PendingJobs, nil
	case "subsystems":
		return c.subsystemsSnapshot(), nil
	case "version":
		return diagnostics.ReadHostInfo(), nil
	case "exists":
		return true, nil
	default:
		return nil, errorkind.New(errorkind.UnknownKey, "unrecognized controller method "+method)
	}
}

func (c *Controller) transition(params json.RawMessage, fn func(*service.Service) error) (interface{}, error) {
	var p callsignParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}
	if p.Callsign == Callsign {
		return nil, errorkind.New(errorkind.PrivilegedRequest, "cannot operate on the controller itself")
	}
	svc, ok := c.registry.FromIdentifier(p.Callsign)
	if !ok {
		return nil, errorkind.New(errorkind.UnknownKey, "callsign "+p.Callsign+" not found")
	}
	if err := fn(svc); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Controller) clone(params json.RawMessage) (interface{}, error) {
	var p cloneParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}
	if err := c.registry.Clone(p.Callsign, p.NewCallsign); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Controller) hibernate(params json.RawMessage) (interface{}, error) {
	var p hibernateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}
	if p.Callsign == Callsign {
		return nil, errorkind.New(errorkind.PrivilegedRequest, "cannot hibernate the controller itself")
	}
	svc, ok := c.registry.FromIdentifier(p.Callsign)
	if !ok {
		return nil, errorkind.New(errorkind.UnknownKey, "callsign "+p.Callsign+" not found")
	}
	if err := svc.Hibernate(p.Timeout); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Controller) persist() (interface{}, error) {
	data, err := c.registry.Persist()
	if err != nil {
		return nil, errorkind.Normalize(err)
	}

	dir := filepath.Join(c.paths.PersistentPath, "PluginHost")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errorkind.Wrap(errorkind.General, "failed to create persistent directory", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "override.json"), data, 0o644); err != nil {
		return nil, errorkind.Wrap(errorkind.General, "failed to write override document", err)
	}
	return nil, nil
}

// delete normalizes path against the persistent root and refuses any
// traversal outside it, per §4.9's delete(path) contract.
func (c *Controller) delete(params json.RawMessage) (interface{}, error) {
	var p deleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}

	subpath := strings.Trim(p.Path, "/")
	root := filepath.Clean(c.paths.PersistentPath)
	target := filepath.Join(root, subpath)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return nil, errorkind.New(errorkind.BadRequest, "path escapes persistent root")
	}

	if _, err := os.Stat(target); err != nil {
		return nil, errorkind.New(errorkind.UnknownKey, "path "+p.Path+" not found")
	}
	if err := os.RemoveAll(target); err != nil {
		return nil, errorkind.Wrap(errorkind.DestructionFailed, "failed to delete "+p.Path, err)
	}
	return nil, nil
}

// reboot restarts the host OS. Errors are normalized to {None,
// Unavailable, PrivilegedRequest, General} per §4.9.
func (c *Controller) reboot() (interface{}, error) {
	cmd := exec.Command("reboot")
	if err := cmd.Run(); err != nil {
		if os.Geteuid() != 0 {
			return nil, errorkind.New(errorkind.PrivilegedRequest, "reboot requires elevated privileges")
		}
		return nil, errorkind.Wrap(errorkind.General, "reboot failed", err)
	}
	return nil, nil
}

func (c *Controller) environment(params json.RawMessage) (interface{}, error) {
	var p environmentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}
	value, ok := c.envs[p.Name]
	if !ok {
		return nil, errorkind.New(errorkind.UnknownKey, "environment variable "+p.Name+" not declared")
	}
	return value, nil
}

func (c *Controller) configuration(params json.RawMessage) (interface{}, error) {
	var p configurationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errorkind.Wrap(errorkind.BadRequest, "malformed params", err)
	}

	if p.Configuration != "" {
		if err := c.registry.SetConfiguration(p.Callsign, p.Configuration); err != nil {
			return nil, err
		}
		return nil, nil
	}

	svc, ok := c.registry.FromIdentifier(p.Callsign)
	if !ok {
		return nil, errorkind.New(errorkind.UnknownKey, "callsign "+p.Callsign+" not found")
	}
	return svc.Config().Configuration, nil
}

func (c *Controller) proxiesSnapshot() []map[string]interface{} {
	var out []map[string]interface{}
	c.proxies.Visit(func(channelID uint32, w *proxy.Wrapper) {
		out = append(out, map[string]interface{}{
			"channel":     channelID,
			"invalidated": w.Invalidated(),
		})
	})
	return out
}

func (c *Controller) threads() []map[string]interface{} {
	meta := c.pool.Metadata()
	out := make([]map[string]interface{}, len(meta.ThreadRunCounts))
	for i, runs := range meta.ThreadRunCounts {
		out[i] = map[string]interface{}{"index": i, "jobsRun": runs}
	}
	return out
}

func (c *Controller) subsystemsSnapshot() []string {
	out := make([]string, 0, subsystem.EndList)
	for f := subsystem.Flag(0); f < subsystem.EndList; f++ {
		if c.subsystems.IsActive(f) {
			out = append(out, f.String())
		}
	}
	sort.Strings(out)
	return out
}

// Discovery returns a local discovery snapshot: every known plugin plus
// the active subsystem set, with no network probing. The channel layer's
// GET {webPrefix}/Discovery route does not call it; that route serves
// registry.Metadata only.
func (c *Controller) Discovery() map[string]interface{} {
	return map[string]interface{}{
		"plugins":    c.registry.Metadata(nil),
		"subsystems": c.subsystemsSnapshot(),
	}
}
