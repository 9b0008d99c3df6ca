// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service implements Service (C5): the per-callsign state machine
// that wraps a plugin instance, mediates every lifecycle transition, and
// routes JSON-RPC invocations to the plugin or to another service.
package service

import (
	"fmt"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
	"github.com/tomtom215/pluginhost/internal/subsystem"
)

// State is one of the states a Service may occupy, per §3. Hibernating is
// a transitional state not named in §3's state table: it exists only for
// the duration of an in-flight Hibernate call, so a concurrent Deactivate
// has something to observe and interrupt (§5).
type State string

const (
	Deactivated  State = "Deactivated"
	Precondition State = "Precondition"
	Activation   State = "Activation"
	Activated    State = "Activated"
	Deactivation State = "Deactivation"
	Unavailable  State = "Unavailable"
	Hibernating  State = "Hibernating"
	Hibernated   State = "Hibernated"
	Destroyed    State = "Destroyed"
)

// Reason is the closed set of causes attached to the last committed
// transition, per §3.
type Reason string

const (
	ReasonRequested             Reason = "Requested"
	ReasonAutomatic             Reason = "Automatic"
	ReasonFailure               Reason = "Failure"
	ReasonMemoryExceeded        Reason = "MemoryExceeded"
	ReasonStartup               Reason = "Startup"
	ReasonShutdown              Reason = "Shutdown"
	ReasonConditions            Reason = "Conditions"
	ReasonWatchdog              Reason = "Watchdog"
	ReasonInitializationFailed  Reason = "InitializationFailed"
)

// InitContext is handed to a plugin's Initialize/Deinitialize so it can
// read its own configuration and observe process-wide subsystem state
// without holding a reference to the whole fabric.
type InitContext struct {
	Callsign      string
	Configuration string
	Subsystems    *subsystem.Registry
}

// Plugin is the contract every fabric plugin implements. A plugin may
// additionally implement any of the capability interfaces below;
// Service probes for them with a type assertion once Initialize succeeds.
type Plugin interface {
	Initialize(ctx *InitContext) error
	Deinitialize(ctx *InitContext)
}

// Dispatcher is the capability a plugin exposes to handle a routed
// JSON-RPC invocation.
type Dispatcher interface {
	Invoke(channelID uint32, token string, method string, params json.RawMessage) (interface{}, error)
}

// StateControlCapability lets a plugin implement its own Suspend/Resume
// semantics instead of the fabric's default (Deactivate on Suspend for
// Deactivated-startmode plugins).
type StateControlCapability interface {
	Suspend() error
	Resume() error
}

// WebRequestCapability serves a raw HTTP request directly.
type WebRequestCapability interface {
	ServeWebRequest(method, path string, body []byte) (status int, contentType string, payload []byte, err error)
}

// Capabilities is the cached capability set queried once at Activated,
// per I2: non-nil only while state ∈ {Activated, Hibernating, Hibernated,
// Deactivation}.
type Capabilities struct {
	WebRequest   WebRequestCapability
	Dispatcher   Dispatcher
	StateControl StateControlCapability
	Extended     interface{}
	Security     interface{}
}

// VersionCapability lets a plugin advertise its major version, so
// FromLocator's ".version" suffix tie-break has something to check
// against (§4.6).
type VersionCapability interface {
	MajorVersion() int
}

// RemoteConnection is the subset of CommunicatorServer's session handle a
// Service needs: it may be released, queried for liveness, and asked to
// run the hibernate/wake backend.
type RemoteConnection interface {
	SessionID() uint32
	Release()
	Hibernate(timeout int) error
	Wakeup(timeout int) error
}

// StateChangeFunc is invoked once per committed transition, mirroring the
// Controller's statechange(callsign, state, reason) event (§4.9).
type StateChangeFunc func(callsign string, state State, reason Reason)

// Resolver looks up another service by callsign, so Invoke can forward a
// call whose target is not this service.
type Resolver interface {
	FromIdentifier(callsign string) (*Service, bool)
}

// Service is the per-callsign state machine described in §4.5.
type Service struct {
	mu sync.Mutex

	config config.PluginConfig
	plugin Plugin
	caps   Capabilities

	state  State
	reason Reason

	remoteConn RemoteConnection
	activity   atomic.Int64
	lastError  string

	subsystems   *subsystem.Registry
	onStateChange StateChangeFunc

	// deactivatePending/deactivateReason record a Deactivate call that
	// arrived while state == Hibernating; Hibernate consults them once
	// the blocking conn.Hibernate call returns, instead of landing in
	// Hibernated or Activated.
	deactivatePending bool
	deactivateReason  Reason
}

// New constructs a Service in its initial state. startmode=Activated
// plugins still start Deactivated here; ServiceMap.Startup drives the
// initial Activate/Unavailable call per §4.6.
func New(cfg config.PluginConfig, plugin Plugin, subsystems *subsystem.Registry, onStateChange StateChangeFunc) *Service {
	return &Service{
		config:        cfg,
		plugin:        plugin,
		state:         Deactivated,
		subsystems:    subsystems,
		onStateChange: onStateChange,
	}
}

// Callsign returns the service's immutable callsign.
func (s *Service) Callsign() string { return s.config.Callsign }

// Config returns the service's immutable plugin configuration.
func (s *Service) Config() config.PluginConfig { return s.config }

// MajorVersion returns the plugin's advertised major version, if it
// implements VersionCapability. ok is false when the plugin has no
// opinion, in which case a locator's version suffix should be accepted
// unconditionally.
func (s *Service) MajorVersion() (version int, ok bool) {
	if v, ok := s.plugin.(VersionCapability); ok {
		return v.MajorVersion(), true
	}
	return 0, false
}

// State returns the currently committed state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the reason attached to the last committed transition.
func (s *Service) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastError returns the diagnostic string from the most recent failure,
// or "" if none.
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SetRemoteConnection attaches a remote connection handle for an
// out-of-process plugin. Called by CommunicatorServer once Announce
// completes.
func (s *Service) SetRemoteConnection(conn RemoteConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteConn = conn
}

// preconditionsMet reports whether every subsystem flag in the plugin's
// precondition set is currently active. It reads only the immutable config
// and the subsystem registry, so Activate calls it with s.mu held.
func (s *Service) preconditionsMet() bool {
	if s.subsystems == nil {
		return len(s.config.Precondition) == 0
	}
	for _, name := range s.config.Precondition {
		flag, ok := subsystemByName(name)
		if !ok || !s.subsystems.IsActive(flag) {
			return false
		}
	}
	return true
}

// terminationCleared reports whether any termination-set subsystem flag
// has gone inactive, which should trigger an automatic Deactivate.
func (s *Service) terminationCleared() bool {
	if s.subsystems == nil {
		return false
	}
	for _, name := range s.config.Termination {
		flag, ok := subsystemByName(name)
		if ok && !s.subsystems.IsActive(flag) {
			return true
		}
	}
	return false
}

// Activate transitions Deactivated|Precondition toward Activated, per
// §4.5. Returns nil on success (or on an already-Activated no-op).
func (s *Service) Activate(reason Reason) error {
	s.mu.Lock()
	switch s.state {
	case Activated:
		s.mu.Unlock()
		return nil
	case Activation:
		s.mu.Unlock()
		return errorkind.New(errorkind.InProgress, "activation already in progress")
	case Deactivation, Unavailable, Destroyed, Hibernated:
		state := s.state
		s.mu.Unlock()
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot activate from %s", state))
	}

	if !s.preconditionsMet() {
		s.state = Precondition
		s.mu.Unlock()
		return errorkind.New(errorkind.PendingConditions, "preconditions not met for "+s.config.Callsign)
	}

	s.state = Activation
	s.mu.Unlock()

	ctx := &InitContext{Callsign: s.config.Callsign, Configuration: s.config.Configuration, Subsystems: s.subsystems}
	err := s.plugin.Initialize(ctx)

	s.mu.Lock()
	if err != nil {
		s.lastError = err.Error()
		s.reason = ReasonInitializationFailed
		s.state = Deactivated
		s.mu.Unlock()

		s.plugin.Deinitialize(ctx)
		logging.Error().Str("callsign", s.config.Callsign).Err(err).Msg("plugin Initialize failed")
		s.fireStateChange()
		return errorkind.Wrap(errorkind.General, "initialize failed", err)
	}

	s.caps = queryCapabilities(s.plugin)
	s.state = Activated
	s.reason = reason
	s.lastError = ""
	s.mu.Unlock()

	s.fireStateChange()
	return nil
}

// Deactivate transitions Activated toward Deactivated (or Precondition if
// reason is Conditions), per §4.5. A call arriving while state ==
// Hibernating interrupts the in-flight Hibernate instead of failing:
// Hibernate observes the request once conn.Hibernate returns and finishes
// the transition to Deactivated itself, per §5.
func (s *Service) Deactivate(reason Reason) error {
	s.mu.Lock()
	switch s.state {
	case Hibernating:
		s.deactivatePending = true
		s.deactivateReason = reason
		s.mu.Unlock()
		return nil
	case Activated:
		s.state = Deactivation
		conn := s.remoteConn
		s.mu.Unlock()
		return s.finishDeactivate(reason, conn)
	default:
		state := s.state
		s.mu.Unlock()
		if state == Deactivated || state == Precondition {
			return nil
		}
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot deactivate from %s", state))
	}
}

// finishDeactivate runs the Deinitialize/state-clear tail shared by a
// direct Deactivate call and a Hibernate call that a concurrent
// Deactivate interrupted. Callers set state to Deactivation (and release
// s.mu) before calling this.
func (s *Service) finishDeactivate(reason Reason, conn RemoteConnection) error {
	if conn != nil {
		conn.Release()
	}

	ctx := &InitContext{Callsign: s.config.Callsign, Configuration: s.config.Configuration, Subsystems: s.subsystems}
	s.plugin.Deinitialize(ctx)

	s.mu.Lock()
	s.caps = Capabilities{}
	s.remoteConn = nil
	s.reason = reason
	if reason == ReasonConditions {
		s.state = Precondition
	} else {
		s.state = Deactivated
	}
	s.mu.Unlock()

	s.fireStateChange()
	return nil
}

// SetUnavailable transitions Deactivated to Unavailable, per §4.5.
func (s *Service) SetUnavailable(reason Reason) error {
	s.mu.Lock()
	if s.state != Deactivated {
		state := s.state
		s.mu.Unlock()
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot mark unavailable from %s", state))
	}
	s.state = Unavailable
	s.reason = reason
	s.mu.Unlock()

	s.fireStateChange()
	return nil
}

// ClearUnavailable returns an Unavailable service to Deactivated so it may
// be activated again.
func (s *Service) ClearUnavailable() error {
	s.mu.Lock()
	if s.state != Unavailable {
		state := s.state
		s.mu.Unlock()
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot clear unavailable from %s", state))
	}
	s.state = Deactivated
	s.mu.Unlock()
	s.fireStateChange()
	return nil
}

// Suspend passes through to the plugin's StateControlCapability if
// present; otherwise, if startmode is Deactivated, it behaves as
// Deactivate; otherwise it fails Unavailable, per §4.5.
func (s *Service) Suspend() error {
	s.mu.Lock()
	caps := s.caps
	startMode := s.config.Startmode
	s.mu.Unlock()

	if caps.StateControl != nil {
		return caps.StateControl.Suspend()
	}
	if startMode == config.StartModeDeactivated {
		return s.Deactivate(ReasonRequested)
	}
	return errorkind.New(errorkind.Unavailable, "plugin does not support suspend")
}

// Resume passes through to the plugin's StateControlCapability if
// present; otherwise, if startmode is Deactivated, it behaves as
// Activate; otherwise it fails Unavailable.
func (s *Service) Resume() error {
	s.mu.Lock()
	caps := s.caps
	startMode := s.config.Startmode
	s.mu.Unlock()

	if caps.StateControl != nil {
		return caps.StateControl.Resume()
	}
	if startMode == config.StartModeDeactivated {
		return s.Activate(ReasonRequested)
	}
	return errorkind.New(errorkind.Unavailable, "plugin does not support resume")
}

// Hibernate suspends an Activated out-of-process service's child, per
// §4.5. Requires a remote connection. While the blocking conn.Hibernate
// call is in flight, state is Hibernating rather than Hibernated, so a
// concurrent Deactivate can flag an interrupt instead of being rejected
// with IllegalState; once conn.Hibernate returns, Hibernate checks for
// that flag and finishes as a Deactivate rather than landing in
// Hibernated or back in Activated, per §5's never-stuck guarantee.
func (s *Service) Hibernate(timeout int) error {
	s.mu.Lock()
	if s.state != Activated {
		state := s.state
		s.mu.Unlock()
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot hibernate from %s", state))
	}
	conn := s.remoteConn
	if conn == nil {
		s.mu.Unlock()
		return errorkind.New(errorkind.Aborted, "hibernate requires a remote connection")
	}
	s.state = Hibernating
	s.mu.Unlock()

	hibernateErr := conn.Hibernate(timeout)

	s.mu.Lock()
	if s.deactivatePending {
		s.deactivatePending = false
		reason := s.deactivateReason
		s.state = Deactivation
		s.mu.Unlock()
		return s.finishDeactivate(reason, conn)
	}

	if hibernateErr != nil {
		s.state = Activated
		s.mu.Unlock()
		s.fireStateChange()
		return errorkind.Wrap(errorkind.Aborted, "hibernate failed", hibernateErr)
	}

	s.state = Hibernated
	s.mu.Unlock()
	s.fireStateChange()
	return nil
}

// Wakeup reverses Hibernate, per §4.5.
func (s *Service) Wakeup(timeout int) error {
	s.mu.Lock()
	if s.state != Hibernated {
		state := s.state
		s.mu.Unlock()
		return errorkind.New(errorkind.IllegalState, fmt.Sprintf("cannot wake from %s", state))
	}
	conn := s.remoteConn
	s.mu.Unlock()

	var wakeErr error
	if conn != nil {
		wakeErr = conn.Wakeup(timeout)
	}

	s.mu.Lock()
	s.state = Activated
	s.mu.Unlock()
	s.fireStateChange()

	if wakeErr != nil {
		logging.Error().Str("callsign", s.config.Callsign).Err(wakeErr).Msg("wakeup failed")
	}
	return nil
}

// Invoke routes a JSON-RPC call. If method targets this service, it
// dispatches locally through the cached Dispatcher capability; otherwise
// it resolves the target through resolver and forwards.
func (s *Service) Invoke(channelID uint32, token, targetCallsign, method string, params json.RawMessage, resolver Resolver) (interface{}, error) {
	if targetCallsign != "" && targetCallsign != s.config.Callsign {
		if resolver == nil {
			return nil, errorkind.New(errorkind.UnknownKey, "no resolver configured")
		}
		target, ok := resolver.FromIdentifier(targetCallsign)
		if !ok {
			return nil, errorkind.New(errorkind.UnknownKey, "callsign "+targetCallsign+" not found")
		}
		return target.Invoke(channelID, token, targetCallsign, method, params, resolver)
	}

	s.mu.Lock()
	state := s.state
	caps := s.caps
	s.mu.Unlock()

	switch state {
	case Hibernated:
		return nil, errorkind.New(errorkind.Hibernated, s.config.Callsign+" is hibernated")
	case Activated:
		// fallthrough below
	default:
		return nil, errorkind.New(errorkind.Unavailable, s.config.Callsign+" is not activated")
	}

	if caps.Dispatcher == nil {
		return nil, errorkind.New(errorkind.BadRequest, s.config.Callsign+" does not expose a dispatcher")
	}

	s.activity.Add(1)
	defer s.activity.Add(-1)

	return caps.Dispatcher.Invoke(channelID, token, method, params)
}

// ActivityCount returns the number of in-flight Invoke dispatches.
func (s *Service) ActivityCount() int64 {
	return s.activity.Load()
}

// ReadyForDestroy reports whether ServiceMap may tear the service down:
// state is Deactivated and no Invoke dispatch is in flight.
func (s *Service) ReadyForDestroy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Deactivated && s.activity.Load() == 0
}

// MarkDestroyed commits the terminal Destroyed state. Called only by
// ServiceMap once ReadyForDestroy is true.
func (s *Service) MarkDestroyed() {
	s.mu.Lock()
	s.state = Destroyed
	s.mu.Unlock()
	s.fireStateChange()
}

func (s *Service) fireStateChange() {
	if s.onStateChange == nil {
		return
	}
	s.mu.Lock()
	state, reason := s.state, s.reason
	s.mu.Unlock()
	s.onStateChange(s.config.Callsign, state, reason)
}

func queryCapabilities(p Plugin) Capabilities {
	var caps Capabilities
	if d, ok := p.(Dispatcher); ok {
		caps.Dispatcher = d
	}
	if sc, ok := p.(StateControlCapability); ok {
		caps.StateControl = sc
	}
	if wr, ok := p.(WebRequestCapability); ok {
		caps.WebRequest = wr
	}
	return caps
}

// subsystemByName maps a §3 subsystem enum name, as carried in
// PluginConfig.Precondition/Termination, onto its subsystem.Flag.
func subsystemByName(name string) (subsystem.Flag, bool) {
	table := map[string]subsystem.Flag{
		"Platform": subsystem.Platform, "Network": subsystem.Network,
		"Security": subsystem.Security, "Identifier": subsystem.Identifier,
		"Internet": subsystem.Internet, "Graphics": subsystem.Graphics,
		"Location": subsystem.Location, "Time": subsystem.Time,
		"Provisioning": subsystem.Provisioning, "Decryption": subsystem.Decryption,
		"WebSource": subsystem.WebSource, "Streaming": subsystem.Streaming,
		"Bluetooth": subsystem.Bluetooth, "Cryptography": subsystem.Cryptography,
		"Installation": subsystem.Installation, "Startup": subsystem.Startup,
	}
	flag, ok := table[name]
	return flag, ok
}
