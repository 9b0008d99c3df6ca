// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package subsystem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []Flag
}

func (o *recordingObserver) Updated(flag Flag, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, flag)
}

func (o *recordingObserver) snapshot() []Flag {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Flag, len(o.calls))
	copy(out, o.calls)
	return out
}

func runRegistry(t *testing.T, r *Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Serve(ctx)
	return cancel
}

func TestRegistry_SetActivatesFlag(t *testing.T) {
	r := New()
	cancel := runRegistry(t, r)
	defer cancel()

	assert.False(t, r.IsActive(Network))
	r.Set(Network, nil)
	assert.True(t, r.IsActive(Network))
}

func TestRegistry_ClearDeactivatesAndReleasesMetadata(t *testing.T) {
	r := New()
	cancel := runRegistry(t, r)
	defer cancel()

	r.Set(Security, "meta")
	assert.Equal(t, "meta", r.Get(Security))

	r.Clear(Security)
	assert.False(t, r.IsActive(Security))
	assert.Nil(t, r.Get(Security))
}

func TestRegistry_ObserverSeesExactlyOneEdgePerChange(t *testing.T) {
	r := New()
	cancel := runRegistry(t, r)
	defer cancel()

	obs := &recordingObserver{}
	r.Register(obs)

	r.Set(Internet, nil)
	r.Set(Internet, nil) // already active: no second edge
	r.Clear(Internet)

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestRegistry_PreservesOrderAcrossRapidFlagChanges(t *testing.T) {
	r := New()
	cancel := runRegistry(t, r)
	defer cancel()

	obs := &recordingObserver{}
	r.Register(obs)

	r.Set(Platform, nil)
	r.Set(Network, nil)

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 2 }, time.Second, time.Millisecond)
	calls := obs.snapshot()
	assert.Equal(t, Platform, calls[0])
	assert.Equal(t, Network, calls[1])
}

func TestRegistry_UnregisterStopsFurtherNotifications(t *testing.T) {
	r := New()
	cancel := runRegistry(t, r)
	defer cancel()

	obs := &recordingObserver{}
	r.Register(obs)
	r.Unregister(obs)

	r.Set(Graphics, nil)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, obs.snapshot())
}

func TestFlag_String(t *testing.T) {
	assert.Equal(t, "Network", Network.String())
	assert.Equal(t, "Unknown", Flag(999).String())
}
