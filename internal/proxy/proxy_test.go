// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/pluginhost/internal/errorkind"
)

type fakeReleaser struct {
	calls int
	err   error
}

func (f *fakeReleaser) ReleaseRemote(channelID uint32, token string) error {
	f.calls++
	return f.err
}

func TestInstance_SameChannelAndTokenReturnsSameWrapper(t *testing.T) {
	a := New(nil)
	w1 := a.Instance(1, "tok-a", "IEcho")
	w2 := a.Instance(1, "tok-a", "IEcho")
	assert.Same(t, w1, w2)
}

func TestInstance_SameTokenDifferentChannelIsDistinctIdentity(t *testing.T) {
	a := New(nil)
	w1 := a.Instance(1, "tok-a", "IEcho")
	w2 := a.Instance(2, "tok-a", "IEcho")
	assert.NotSame(t, w1, w2)
}

func TestRelease_DecrementsAndOnlyReleasesPeerAtZero(t *testing.T) {
	releaser := &fakeReleaser{}
	a := New(releaser)

	w1 := a.Instance(1, "tok-a", "IEcho")
	_ = a.Instance(1, "tok-a", "IEcho")

	require.NoError(t, a.Release(w1))
	assert.Equal(t, 0, releaser.calls)

	require.NoError(t, a.Release(w1))
	assert.Equal(t, 1, releaser.calls)
}

func TestRelease_PropagatesPeerFailure(t *testing.T) {
	releaser := &fakeReleaser{err: errors.New("peer unreachable")}
	a := New(releaser)

	w := a.Instance(1, "tok-a", "IEcho")
	err := a.Release(w)
	require.Error(t, err)
}

func TestInvalidateChannel_FailsFurtherCallsWithConnectionClosed(t *testing.T) {
	a := New(&fakeReleaser{})
	w := a.Instance(1, "tok-a", "IEcho")

	a.InvalidateChannel(1)

	_, err := a.Call(w, func() (interface{}, error) { return "result", nil })
	require.Error(t, err)
	assert.Equal(t, errorkind.ConnectionClosed, errorkind.Of(err))
}

func TestInvalidateChannel_ReleaseSkipsPeerAcknowledgment(t *testing.T) {
	releaser := &fakeReleaser{}
	a := New(releaser)

	w := a.Instance(1, "tok-a", "IEcho")
	a.InvalidateChannel(1)

	require.NoError(t, a.Release(w))
	assert.Equal(t, 0, releaser.calls)
}

func TestVisit_EnumeratesLiveWrappersGroupedByChannel(t *testing.T) {
	a := New(nil)
	a.Instance(1, "tok-a", "IEcho")
	a.Instance(2, "tok-b", "IEcho")

	seen := map[uint32]int{}
	a.Visit(func(channelID uint32, w *Wrapper) {
		seen[channelID]++
	})
	assert.Equal(t, 2, len(seen))
}
