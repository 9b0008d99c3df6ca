// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry implements ServiceMap (C6): the callsign→Service
// registry, the request-locator resolver, startup ordering, and override
// persistence.
package registry

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/service"
	"github.com/tomtom215/pluginhost/internal/subsystem"
)

// controllerCallsign is the reserved callsign the Controller admin plugin
// registers under; it receives special-cased ordering in Clone and Close.
const controllerCallsign = "Controller"

// CallKind is how a request's target locator was resolved to a service.
type CallKind string

const (
	Restful     CallKind = "Restful"
	JsonRpc     CallKind = "JsonRpc"
	Proprietary CallKind = "Proprietary"
)

// InsertMode distinguishes a service inserted from the boot-time plugin
// list (subject to Startup's ordering) from one inserted live (by Clone
// or an admin Insert call).
type InsertMode int

const (
	FromConfig InsertMode = iota
	Runtime
)

// Observer is notified of every committed Service state transition, the
// source of the Controller's statechange/subsystemchange event fan-out.
type Observer interface {
	ServiceStateChanged(callsign string, state service.State, reason service.Reason)
}

// PluginFactory instantiates a plugin instance by its configured
// classname. Callers supply one built-in factory wired to every
// compiled-in plugin; out-of-process classnames resolve through
// CommunicatorServer instead and never reach this factory.
type PluginFactory func(classname string) (service.Plugin, error)

type entry struct {
	cfg  config.PluginConfig
	svc  *service.Service
	mode InsertMode
}

// override is the persisted per-callsign document Persist/Load exchange.
type override struct {
	Startmode     config.StartMode `json:"startmode"`
	Resumed       bool             `json:"resumed"`
	Configuration string           `json:"configuration"`
}

// ServiceMap is the registry of every known Service, keyed by callsign.
type ServiceMap struct {
	mu       sync.RWMutex
	services map[string]*entry

	factory      PluginFactory
	subsystems   *subsystem.Registry
	webPrefix    string
	jsonrpcPrefix string

	observersMu sync.Mutex
	observers   []Observer

	encryptor *config.ConfigEncryptor
}

// New constructs an empty ServiceMap. webPrefix/jsonrpcPrefix are the two
// configured path prefixes FromLocator resolves against.
func New(factory PluginFactory, subsystems *subsystem.Registry, webPrefix, jsonrpcPrefix string) *ServiceMap {
	return &ServiceMap{
		services:      make(map[string]*entry),
		factory:       factory,
		subsystems:    subsystems,
		webPrefix:     strings.TrimSuffix(webPrefix, "/"),
		jsonrpcPrefix: strings.TrimSuffix(jsonrpcPrefix, "/"),
	}
}

// EnableConfigurationEncryption installs a ConfigEncryptor derived from
// passphrase, so subsequent Persist/Load calls encrypt and decrypt each
// service's Configuration blob in the override document. Called by main
// at startup when HostConfig.Security.EncryptOverrides is set; a
// ServiceMap with no encryptor installed persists Configuration in the
// clear, as before.
func (m *ServiceMap) EnableConfigurationEncryption(passphrase string) error {
	enc, err := config.NewConfigEncryptor(passphrase)
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to initialize configuration encryption", err)
	}
	m.mu.Lock()
	m.encryptor = enc
	m.mu.Unlock()
	return nil
}

// Register adds an observer to the state-change fan-out.
func (m *ServiceMap) Register(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, o)
}

// Unregister removes a previously registered observer.
func (m *ServiceMap) Unregister(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *ServiceMap) fanOut(callsign string, state service.State, reason service.Reason) {
	m.observersMu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.Unlock()

	for _, o := range observers {
		o.ServiceStateChanged(callsign, state, reason)
	}
}

// Insert registers a new service under cfg.Callsign, instantiating its
// plugin through the configured factory. Fails DuplicateKey if the
// callsign is already present.
func (m *ServiceMap) Insert(cfg config.PluginConfig, mode InsertMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[cfg.Callsign]; exists {
		return errorkind.New(errorkind.DuplicateKey, "callsign "+cfg.Callsign+" already registered")
	}

	plugin, err := m.factory(cfg.Classname)
	if err != nil {
		return errorkind.Wrap(errorkind.General, "plugin instantiation failed for "+cfg.Classname, err)
	}

	svc := service.New(cfg, plugin, m.subsystems, m.fanOut)
	m.services[cfg.Callsign] = &entry{cfg: cfg, svc: svc, mode: mode}
	return nil
}

// Clone duplicates source's configuration under newCallsign and inserts
// it as a Runtime service, per §4.6's failure modes.
func (m *ServiceMap) Clone(source, newCallsign string) error {
	if source == controllerCallsign || newCallsign == controllerCallsign {
		return errorkind.New(errorkind.PrivilegedRequest, "cannot clone the controller")
	}

	m.mu.RLock()
	src, ok := m.services[source]
	m.mu.RUnlock()
	if !ok {
		return errorkind.New(errorkind.UnknownKey, "source callsign "+source+" not found")
	}

	cfg := src.cfg
	cfg.Callsign = newCallsign
	return m.Insert(cfg, Runtime)
}

// Remove removes callsign once its Service reports ReadyForDestroy,
// completing the Service/Destroyed lifecycle per §3.
func (m *ServiceMap) Remove(callsign string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.services[callsign]
	if !ok {
		return errorkind.New(errorkind.UnknownKey, "callsign "+callsign+" not found")
	}
	if !e.svc.ReadyForDestroy() {
		return errorkind.New(errorkind.IllegalState, callsign+" is not idle and deactivated")
	}

	e.svc.MarkDestroyed()
	delete(m.services, callsign)
	return nil
}

// SetConfiguration overwrites callsign's configuration blob in the
// registry's entry, which Persist writes out. Used by the Controller's
// configuration(callsign) write path; does not itself persist — callers
// still need Persist.
func (m *ServiceMap) SetConfiguration(callsign, configuration string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.services[callsign]
	if !ok {
		return errorkind.New(errorkind.UnknownKey, "callsign "+callsign+" not found")
	}
	e.cfg.Configuration = configuration
	return nil
}

// FromIdentifier looks up a service by its exact callsign.
func (m *ServiceMap) FromIdentifier(callsign string) (*service.Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.services[callsign]
	if !ok {
		return nil, false
	}
	return e.svc, true
}

// FromLocator resolves a request path against the configured web and
// JSON-RPC prefixes. The path segment following the matched prefix is
// the callsign, optionally suffixed with ".version"; the suffix must
// equal the service's advertised major version, when it has one.
func (m *ServiceMap) FromLocator(urlPath string) (*service.Service, CallKind, error) {
	var rest string
	var kind CallKind

	switch {
	case m.webPrefix != "" && strings.HasPrefix(urlPath, m.webPrefix+"/"):
		rest = strings.TrimPrefix(urlPath, m.webPrefix+"/")
		kind = Restful
	case m.jsonrpcPrefix != "" && strings.HasPrefix(urlPath, m.jsonrpcPrefix+"/"):
		rest = strings.TrimPrefix(urlPath, m.jsonrpcPrefix+"/")
		kind = JsonRpc
	default:
		return nil, "", errorkind.New(errorkind.BadRequest, "path does not match a known prefix")
	}

	segment := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		segment = rest[:idx]
	}

	callsign, versionSuffix := segment, ""
	if idx := strings.LastIndexByte(segment, '.'); idx >= 0 {
		if _, err := strconv.Atoi(segment[idx+1:]); err == nil {
			callsign, versionSuffix = segment[:idx], segment[idx+1:]
		}
	}

	svc, ok := m.FromIdentifier(callsign)
	if !ok {
		return nil, "", errorkind.New(errorkind.UnknownKey, "callsign "+callsign+" not found")
	}

	if versionSuffix != "" {
		if major, has := svc.MajorVersion(); has {
			requested, _ := strconv.Atoi(versionSuffix)
			if requested != major {
				return nil, "", errorkind.New(errorkind.UnknownKey, "version "+versionSuffix+" not advertised by "+callsign)
			}
		}
	}

	return svc, kind, nil
}

// Startup activates every service per its declared startmode, ordered by
// StartupOrder ascending, per §4.6.
func (m *ServiceMap) Startup() error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.services))
	for _, e := range m.services {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].cfg.StartupOrder < entries[j].cfg.StartupOrder
	})

	for _, e := range entries {
		switch e.cfg.Startmode {
		case config.StartModeActivated:
			if err := e.svc.Activate(service.ReasonStartup); err != nil {
				if errorkind.Of(err) != errorkind.PendingConditions {
					return err
				}
			}
		case config.StartModeUnavailable:
			if err := e.svc.SetUnavailable(service.ReasonStartup); err != nil {
				return err
			}
		case config.StartModeDeactivated:
			// dormant until explicitly activated or driven by preconditions.
		}
	}
	return nil
}

// Close deactivates every non-Deactivated service in descending StartupOrder
// — the reverse of Startup's ascending sweep — so a dependency started
// before its dependents is torn down after them. The Controller callsign is
// always deactivated last regardless of its configured StartupOrder, per
// §9: Close releases every other service's reference before its own.
func (m *ServiceMap) Close() error {
	m.mu.RLock()
	type named struct {
		callsign string
		e        *entry
	}
	entries := make([]named, 0, len(m.services))
	for callsign, e := range m.services {
		entries = append(entries, named{callsign: callsign, e: e})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].callsign == controllerCallsign {
			return false
		}
		if entries[j].callsign == controllerCallsign {
			return true
		}
		return entries[i].e.cfg.StartupOrder > entries[j].e.cfg.StartupOrder
	})

	var firstErr error
	for _, n := range entries {
		if n.e.svc.State() == service.Activated {
			if err := n.e.svc.Deactivate(service.ReasonShutdown); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Persist serializes a per-callsign override document capturing each
// service's current startmode, resumed flag, and configuration blob. When
// an encryptor is installed (EnableConfigurationEncryption), a non-empty
// Configuration blob is sealed with it before being written; an empty
// blob is left alone, since Encrypt rejects empty plaintext.
func (m *ServiceMap) Persist() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := make(map[string]override, len(m.services))
	for callsign, e := range m.services {
		startmode := config.StartModeDeactivated
		switch e.svc.State() {
		case service.Activated:
			startmode = config.StartModeActivated
		case service.Unavailable:
			startmode = config.StartModeUnavailable
		}
		configuration := e.cfg.Configuration
		if m.encryptor != nil && configuration != "" {
			sealed, err := m.encryptor.Encrypt(configuration)
			if err != nil {
				return nil, errorkind.Wrap(errorkind.General, "failed to encrypt configuration for "+callsign, err)
			}
			configuration = sealed
		}
		doc[callsign] = override{
			Startmode:     startmode,
			Resumed:       e.cfg.Resumed,
			Configuration: configuration,
		}
	}
	return json.Marshal(doc)
}

// Load applies a previously Persisted override document onto the
// currently registered configurations, before Startup runs, so user
// overrides win over shipped defaults (§4.6). When an encryptor is
// installed, each non-empty Configuration blob is opened with it; a
// document written without encryption enabled is rejected, rather than
// silently applied as plaintext ciphertext.
func (m *ServiceMap) Load(data []byte) error {
	var doc map[string]override
	if err := json.Unmarshal(data, &doc); err != nil {
		return errorkind.Wrap(errorkind.BadRequest, "malformed override document", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for callsign, ov := range doc {
		e, ok := m.services[callsign]
		if !ok {
			continue
		}
		configuration := ov.Configuration
		if m.encryptor != nil && configuration != "" {
			opened, err := m.encryptor.Decrypt(configuration)
			if err != nil {
				return errorkind.Wrap(errorkind.BadRequest, "failed to decrypt configuration for "+callsign, err)
			}
			configuration = opened
		}
		e.cfg.Startmode = ov.Startmode
		e.cfg.Resumed = ov.Resumed
		e.cfg.Configuration = configuration
	}
	return nil
}

// Metadata returns a summary for each requested callsign, or for every
// registered service when callsigns is empty.
type Metadata struct {
	Callsign string         `json:"callsign"`
	State    service.State  `json:"state"`
	Reason   service.Reason `json:"reason"`
	Activity int64          `json:"activity"`
}

func (m *ServiceMap) Metadata(callsigns []string) []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(callsigns) == 0 {
		out := make([]Metadata, 0, len(m.services))
		for callsign, e := range m.services {
			out = append(out, metadataOf(callsign, e.svc))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Callsign < out[j].Callsign })
		return out
	}

	out := make([]Metadata, 0, len(callsigns))
	for _, callsign := range callsigns {
		if e, ok := m.services[callsign]; ok {
			out = append(out, metadataOf(callsign, e.svc))
		}
	}
	return out
}

func metadataOf(callsign string, svc *service.Service) Metadata {
	return Metadata{
		Callsign: callsign,
		State:    svc.State(),
		Reason:   svc.Reason(),
		Activity: svc.ActivityCount(),
	}
}
