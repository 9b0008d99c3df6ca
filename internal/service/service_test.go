// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
)

// blockingConn is a RemoteConnection whose Hibernate call blocks until the
// test signals release, so a concurrent Deactivate can be driven while
// Service.state == Hibernating.
type blockingConn struct {
	release     chan struct{}
	released    int32
	hibernating chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{release: make(chan struct{}), hibernating: make(chan struct{}, 1)}
}

func (c *blockingConn) SessionID() uint32 { return 1 }
func (c *blockingConn) Release()          {}
func (c *blockingConn) Hibernate(timeout int) error {
	select {
	case c.hibernating <- struct{}{}:
	default:
	}
	<-c.release
	return nil
}
func (c *blockingConn) Wakeup(timeout int) error { return nil }

type fakePlugin struct {
	initErr    error
	initCalls  int
	deinitCalls int
}

func (p *fakePlugin) Initialize(ctx *InitContext) error {
	p.initCalls++
	return p.initErr
}

func (p *fakePlugin) Deinitialize(ctx *InitContext) {
	p.deinitCalls++
}

type dispatchingPlugin struct {
	fakePlugin
	result interface{}
	err    error
}

func (p *dispatchingPlugin) Invoke(channelID uint32, token, method string, params json.RawMessage) (interface{}, error) {
	return p.result, p.err
}

func newTestService(plugin Plugin) (*Service, *[]State) {
	var seen []State
	var mu sync.Mutex
	svc := New(config.PluginConfig{Callsign: "Echo", Startmode: config.StartModeDeactivated}, plugin, nil, func(callsign string, state State, reason Reason) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})
	return svc, &seen
}

func TestService_ActivateDeactivateRoundTrip(t *testing.T) {
	p := &fakePlugin{}
	svc, seen := newTestService(p)

	require.NoError(t, svc.Activate(ReasonRequested))
	assert.Equal(t, Activated, svc.State())
	assert.Equal(t, 1, p.initCalls)

	require.NoError(t, svc.Deactivate(ReasonRequested))
	assert.Equal(t, Deactivated, svc.State())
	assert.Equal(t, 1, p.deinitCalls)

	assert.Contains(t, *seen, Activated)
	assert.Contains(t, *seen, Deactivated)
}

func TestService_ActivateIsNoOpWhenAlreadyActivated(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Activate(ReasonRequested))
	require.NoError(t, svc.Activate(ReasonRequested))
	assert.Equal(t, 1, p.initCalls)
}

func TestService_ActivateFailureReturnsToDeactivated(t *testing.T) {
	p := &fakePlugin{initErr: errors.New("boom")}
	svc, _ := newTestService(p)

	err := svc.Activate(ReasonRequested)
	require.Error(t, err)
	assert.Equal(t, Deactivated, svc.State())
	assert.Equal(t, ReasonInitializationFailed, svc.Reason())
	assert.NotEmpty(t, svc.LastError())
	assert.Equal(t, 1, p.deinitCalls)
}

func TestService_DeactivateFromDeactivatedIsNoOp(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Deactivate(ReasonRequested))
}

func TestService_HibernateRequiresRemoteConnection(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Activate(ReasonRequested))

	err := svc.Hibernate(5)
	require.Error(t, err)
	assert.Equal(t, errorkind.Aborted, errorkind.Of(err))
	assert.Equal(t, Activated, svc.State())
}

func TestService_DeactivateInterruptsInFlightHibernate(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Activate(ReasonRequested))

	conn := newBlockingConn()
	svc.SetRemoteConnection(conn)

	hibernateErr := make(chan error, 1)
	go func() {
		hibernateErr <- svc.Hibernate(30)
	}()

	select {
	case <-conn.hibernating:
	case <-time.After(time.Second):
		t.Fatal("Hibernate never reached the blocking call")
	}
	require.Equal(t, Hibernating, svc.State())

	deactivateErr := make(chan error, 1)
	go func() {
		deactivateErr <- svc.Deactivate(ReasonRequested)
	}()

	// Deactivate must return promptly (it only flags the interrupt) even
	// though Hibernate's underlying call is still blocked.
	select {
	case err := <-deactivateErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Deactivate blocked on an in-flight Hibernate instead of flagging it")
	}

	close(conn.release)

	select {
	case err := <-hibernateErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Hibernate never returned after conn.Hibernate unblocked")
	}

	assert.Equal(t, Deactivated, svc.State())
	assert.Equal(t, 1, p.deinitCalls)
}

func TestService_InvokeRejectsWhenNotActivated(t *testing.T) {
	p := &dispatchingPlugin{result: "pong"}
	svc, _ := newTestService(p)

	_, err := svc.Invoke(1, "", "", "ping", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errorkind.Unavailable, errorkind.Of(err))
}

func TestService_InvokeDispatchesLocallyWhenActivated(t *testing.T) {
	p := &dispatchingPlugin{result: "pong"}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Activate(ReasonRequested))

	result, err := svc.Invoke(1, "", "", "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestService_InvokeForwardsToResolvedTarget(t *testing.T) {
	pA := &fakePlugin{}
	svcA, _ := newTestService(pA)

	pB := &dispatchingPlugin{result: "forwarded"}
	svcB := New(config.PluginConfig{Callsign: "Other", Startmode: config.StartModeDeactivated}, pB, nil, nil)
	require.NoError(t, svcB.Activate(ReasonRequested))

	resolver := fakeResolver{"Other": svcB}
	result, err := svcA.Invoke(1, "", "Other", "ping", nil, resolver)
	require.NoError(t, err)
	assert.Equal(t, "forwarded", result)
}

type fakeResolver map[string]*Service

func (r fakeResolver) FromIdentifier(callsign string) (*Service, bool) {
	svc, ok := r[callsign]
	return svc, ok
}

func TestService_SuspendResumeDefaultsToDeactivateActivateForDeactivatedStartmode(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	require.NoError(t, svc.Activate(ReasonRequested))

	require.NoError(t, svc.Suspend())
	assert.Equal(t, Deactivated, svc.State())

	require.NoError(t, svc.Resume())
	assert.Equal(t, Activated, svc.State())
}

func TestService_ReadyForDestroyRequiresDeactivatedAndIdle(t *testing.T) {
	p := &fakePlugin{}
	svc, _ := newTestService(p)
	assert.True(t, svc.ReadyForDestroy())

	require.NoError(t, svc.Activate(ReasonRequested))
	assert.False(t, svc.ReadyForDestroy())
}
