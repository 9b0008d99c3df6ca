// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/proxy"
	"github.com/tomtom215/pluginhost/internal/registry"
	"github.com/tomtom215/pluginhost/internal/service"
	"github.com/tomtom215/pluginhost/internal/subsystem"
	"github.com/tomtom215/pluginhost/internal/workerpool"
)

type stubPlugin struct{}

func (stubPlugin) Initialize(ctx *service.InitContext) error { return nil }
func (stubPlugin) Deinitialize(ctx *service.InitContext)     {}

func stubFactory(classname string) (service.Plugin, error) {
	return stubPlugin{}, nil
}

func testController(t *testing.T) (*Controller, *registry.ServiceMap) {
	t.Helper()
	subsystems := subsystem.New()
	reg := registry.New(stubFactory, subsystems, "/pluginhost", "/jsonrpc")
	require.NoError(t, reg.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, registry.FromConfig))

	pool := workerpool.New(1)
	proxies := proxy.New(nil)
	paths := config.PathsConfig{PersistentPath: t.TempDir()}
	envs := map[string]string{"MODEL_NAME": "test-host"}

	return New(reg, subsystems, pool, proxies, paths, envs), reg
}

func mustParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestInvoke_ActivateDeactivateRoundTrip(t *testing.T) {
	c, reg := testController(t)

	_, err := c.Invoke(1, "", "activate", mustParams(t, callsignParams{Callsign: "Echo"}))
	require.NoError(t, err)

	svc, ok := reg.FromIdentifier("Echo")
	require.True(t, ok)
	assert.Equal(t, service.Activated, svc.State())

	_, err = c.Invoke(1, "", "deactivate", mustParams(t, callsignParams{Callsign: "Echo"}))
	require.NoError(t, err)
	assert.Equal(t, service.Deactivated, svc.State())
}

func TestInvoke_ActivateSelfIsPrivileged(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "activate", mustParams(t, callsignParams{Callsign: Callsign}))
	require.Error(t, err)
	assert.Equal(t, errorkind.PrivilegedRequest, errorkind.Of(err))
}

func TestInvoke_UnknownCallsignReturnsUnknownKey(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "activate", mustParams(t, callsignParams{Callsign: "Nope"}))
	require.Error(t, err)
	assert.Equal(t, errorkind.UnknownKey, errorkind.Of(err))
}

func TestInvoke_UnknownMethodReturnsUnknownKey(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "frobnicate", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, errorkind.UnknownKey, errorkind.Of(err))
}

func TestInvoke_CloneDuplicatesConfiguration(t *testing.T) {
	c, reg := testController(t)

	_, err := c.Invoke(1, "", "clone", mustParams(t, cloneParams{Callsign: "Echo", NewCallsign: "Echo2"}))
	require.NoError(t, err)

	_, ok := reg.FromIdentifier("Echo2")
	assert.True(t, ok)
}

func TestInvoke_PersistWritesOverrideDocument(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "persist", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(c.paths.PersistentPath, "PluginHost", "override.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Echo")
}

func TestInvoke_DeleteRejectsTraversal(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "delete", mustParams(t, deleteParams{Path: "../../etc/passwd"}))
	require.Error(t, err)
	assert.Equal(t, errorkind.BadRequest, errorkind.Of(err))
}

func TestInvoke_DeleteRemovesFile(t *testing.T) {
	c, _ := testController(t)
	target := filepath.Join(c.paths.PersistentPath, "Echo", "state.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))

	_, err := c.Invoke(1, "", "delete", mustParams(t, deleteParams{Path: "Echo/state.json"}))
	require.NoError(t, err)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestInvoke_EnvironmentReadsDeclaredVar(t *testing.T) {
	c, _ := testController(t)

	v, err := c.Invoke(1, "", "environment", mustParams(t, environmentParams{Name: "MODEL_NAME"}))
	require.NoError(t, err)
	assert.Equal(t, "test-host", v)
}

func TestInvoke_EnvironmentUnknownNameFails(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "environment", mustParams(t, environmentParams{Name: "NOPE"}))
	require.Error(t, err)
	assert.Equal(t, errorkind.UnknownKey, errorkind.Of(err))
}

func TestInvoke_ConfigurationWriteThenRead(t *testing.T) {
	c, _ := testController(t)

	_, err := c.Invoke(1, "", "configuration", mustParams(t, configurationParams{Callsign: "Echo", Configuration: `{"x":1}`}))
	require.NoError(t, err)

	v, err := c.Invoke(1, "", "configuration", mustParams(t, configurationParams{Callsign: "Echo"}))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, v)
}

func TestInvoke_ServicesListsMetadata(t *testing.T) {
	c, _ := testController(t)

	v, err := c.Invoke(1, "", "services", nil)
	require.NoError(t, err)
	meta, ok := v.([]registry.Metadata)
	require.True(t, ok)
	require.Len(t, meta, 1)
	assert.Equal(t, "Echo", meta[0].Callsign)
}

func TestInvoke_VersionReturnsHostInfo(t *testing.T) {
	c, _ := testController(t)

	v, err := c.Invoke(1, "", "version", nil)
	require.NoError(t, err)
	assert.NotNil(t, v)
}

type recordingSink struct {
	received []interface{}
}

func (r *recordingSink) Send(object interface{}) error {
	r.received = append(r.received, object)
	return nil
}

func TestEventFanOut_StateChangeReachesSubscribedSinks(t *testing.T) {
	c, _ := testController(t)
	sink := &recordingSink{}
	unsubscribe := c.Subscribe(sink)
	defer unsubscribe()

	c.ServiceStateChanged("Echo", service.Activated, service.ReasonRequested)

	require.Len(t, sink.received, 1)
}

func TestEventFanOut_ControllersOwnTransitionsAreNotReported(t *testing.T) {
	c, _ := testController(t)
	sink := &recordingSink{}
	c.Subscribe(sink)

	c.ServiceStateChanged(Callsign, service.Activated, service.ReasonRequested)

	assert.Empty(t, sink.received)
}

func TestEventFanOut_UnsubscribeStopsDelivery(t *testing.T) {
	c, _ := testController(t)
	sink := &recordingSink{}
	unsubscribe := c.Subscribe(sink)
	unsubscribe()

	c.ServiceStateChanged("Echo", service.Deactivated, service.ReasonRequested)

	assert.Empty(t, sink.received)
}

func TestSubsystemsSnapshot_ReflectsActiveFlags(t *testing.T) {
	c, _ := testController(t)
	c.subsystems.Set(subsystem.Network, nil)

	v, err := c.Invoke(1, "", "subsystems", nil)
	require.NoError(t, err)
	list, ok := v.([]string)
	require.True(t, ok)
	assert.Contains(t, list, "Network")
}

func TestDiscovery_ReturnsPluginsAndSubsystems(t *testing.T) {
	c, _ := testController(t)

	snapshot := c.Discovery()
	assert.Contains(t, snapshot, "plugins")
	assert.Contains(t, snapshot, "subsystems")
}
