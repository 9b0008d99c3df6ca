// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/service"
)

type noopPlugin struct{}

func (noopPlugin) Initialize(ctx *service.InitContext) error { return nil }
func (noopPlugin) Deinitialize(ctx *service.InitContext)      {}

func noopFactory(classname string) (service.Plugin, error) {
	return noopPlugin{}, nil
}

func newTestMap() *ServiceMap {
	return New(noopFactory, nil, "/pluginhost", "/jsonrpc")
}

func TestInsert_RejectsDuplicateCallsign(t *testing.T) {
	m := newTestMap()
	cfg := config.PluginConfig{Callsign: "Echo", Classname: "echo", Startmode: config.StartModeDeactivated}
	require.NoError(t, m.Insert(cfg, FromConfig))

	err := m.Insert(cfg, FromConfig)
	require.Error(t, err)
	assert.Equal(t, errorkind.DuplicateKey, errorkind.Of(err))
}

func TestFromIdentifier_FindsInsertedService(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))

	svc, ok := m.FromIdentifier("Echo")
	require.True(t, ok)
	assert.Equal(t, "Echo", svc.Callsign())
}

func TestClone_FailsWhenSourceIsController(t *testing.T) {
	m := newTestMap()
	err := m.Clone("Controller", "Echo2")
	require.Error(t, err)
	assert.Equal(t, errorkind.PrivilegedRequest, errorkind.Of(err))
}

func TestClone_FailsWhenSourceMissing(t *testing.T) {
	m := newTestMap()
	err := m.Clone("Missing", "Echo2")
	require.Error(t, err)
	assert.Equal(t, errorkind.UnknownKey, errorkind.Of(err))
}

func TestClone_DuplicatesConfigUnderNewCallsign(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))
	require.NoError(t, m.Clone("Echo", "Echo2"))

	svc, ok := m.FromIdentifier("Echo2")
	require.True(t, ok)
	assert.Equal(t, "Echo2", svc.Callsign())
}

func TestFromLocator_ResolvesRestfulPrefix(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))

	svc, kind, err := m.FromLocator("/pluginhost/Echo/ping")
	require.NoError(t, err)
	assert.Equal(t, Restful, kind)
	assert.Equal(t, "Echo", svc.Callsign())
}

func TestFromLocator_ResolvesJsonRpcPrefix(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))

	_, kind, err := m.FromLocator("/jsonrpc/Echo")
	require.NoError(t, err)
	assert.Equal(t, JsonRpc, kind)
}

func TestFromLocator_RejectsUnknownPrefix(t *testing.T) {
	m := newTestMap()
	_, _, err := m.FromLocator("/other/Echo")
	require.Error(t, err)
	assert.Equal(t, errorkind.BadRequest, errorkind.Of(err))
}

func TestFromLocator_UnknownCallsign(t *testing.T) {
	m := newTestMap()
	_, _, err := m.FromLocator("/pluginhost/Missing")
	require.Error(t, err)
	assert.Equal(t, errorkind.UnknownKey, errorkind.Of(err))
}

func TestStartup_ActivatesActivatedStartmodeInOrder(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Second", Classname: "echo", Startmode: config.StartModeActivated, StartupOrder: 2}, FromConfig))
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "First", Classname: "echo", Startmode: config.StartModeActivated, StartupOrder: 1}, FromConfig))

	require.NoError(t, m.Startup())

	first, _ := m.FromIdentifier("First")
	second, _ := m.FromIdentifier("Second")
	assert.Equal(t, service.Activated, first.State())
	assert.Equal(t, service.Activated, second.State())
}

func TestStartup_MarksUnavailableStartmode(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo", Startmode: config.StartModeUnavailable}, FromConfig))

	require.NoError(t, m.Startup())
	svc, _ := m.FromIdentifier("Echo")
	assert.Equal(t, service.Unavailable, svc.State())
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo", Startmode: config.StartModeActivated}, FromConfig))
	require.NoError(t, m.Startup())

	data, err := m.Persist()
	require.NoError(t, err)

	m2 := newTestMap()
	require.NoError(t, m2.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo", Startmode: config.StartModeDeactivated}, FromConfig))
	require.NoError(t, m2.Load(data))
	require.NoError(t, m2.Startup())

	svc, _ := m2.FromIdentifier("Echo")
	assert.Equal(t, service.Activated, svc.State())
}

func TestMetadata_ReturnsRequestedCallsignsOnly(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Other", Classname: "echo"}, FromConfig))

	md := m.Metadata([]string{"Echo"})
	require.Len(t, md, 1)
	assert.Equal(t, "Echo", md[0].Callsign)
}

func TestRemove_FailsWhenServiceStillActivated(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))
	svc, _ := m.FromIdentifier("Echo")
	require.NoError(t, svc.Activate(service.ReasonRequested))

	err := m.Remove("Echo")
	require.Error(t, err)
	assert.Equal(t, errorkind.IllegalState, errorkind.Of(err))
}

func TestRemove_SucceedsWhenIdleAndDeactivated(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.Insert(config.PluginConfig{Callsign: "Echo", Classname: "echo"}, FromConfig))
	require.NoError(t, m.Remove("Echo"))

	_, ok := m.FromIdentifier("Echo")
	assert.False(t, ok)
}
