// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proxy implements ProxyAdministrator (C4): refcounted wrappers
// around remote-object tokens, keyed so that two local callers handed
// the same remote token on the same channel observe the same wrapper.
package proxy

import (
	"sync"

	"github.com/tomtom215/pluginhost/internal/errorkind"
)

// Releaser is the peer-facing half of a wrapper: it knows how to ask the
// remote side to release the object it wraps, once the local refcount
// reaches zero.
type Releaser interface {
	ReleaseRemote(channelID uint32, token string) error
}

// Wrapper is a refcounted handle to a remote object, unique per
// (channelID, token) pair.
type Wrapper struct {
	ChannelID   uint32
	Token       string
	InterfaceID string

	mu       sync.Mutex
	refcount int
	invalid  bool
}

func (w *Wrapper) addRef() {
	w.mu.Lock()
	w.refcount++
	w.mu.Unlock()
}

// Invalidated reports whether the wrapper's owning channel has since
// closed, per §4.4's failure mode.
func (w *Wrapper) Invalidated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.invalid
}

type bucketKey struct {
	channelID uint32
	token     string
}

// Administrator is ProxyAdministrator (C4).
type Administrator struct {
	mu       sync.Mutex
	wrappers map[bucketKey]*Wrapper
	releaser Releaser
}

// New constructs an empty Administrator. releaser performs the
// peer-facing Release RPC; it may be nil in tests.
func New(releaser Releaser) *Administrator {
	return &Administrator{
		wrappers: make(map[bucketKey]*Wrapper),
		releaser: releaser,
	}
}

// Instance returns the Wrapper for (channel, token), creating one on
// first sight and incrementing its local refcount either way. A token
// seen over a different channel is always a distinct identity, per
// §4.4's confused-deputy guard.
func (a *Administrator) Instance(channelID uint32, token, interfaceID string) *Wrapper {
	key := bucketKey{channelID: channelID, token: token}

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.wrappers[key]
	if !ok {
		w = &Wrapper{ChannelID: channelID, Token: token, InterfaceID: interfaceID}
		a.wrappers[key] = w
	}
	w.addRef()
	return w
}

// Release decrements w's refcount. On reaching zero it asks the peer to
// release the remote object (skipped if the wrapper was already
// invalidated by its channel closing) and removes the wrapper from the
// bucket.
func (a *Administrator) Release(w *Wrapper) error {
	w.mu.Lock()
	w.refcount--
	remaining := w.refcount
	invalid := w.invalid
	w.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	a.mu.Lock()
	delete(a.wrappers, bucketKey{channelID: w.ChannelID, token: w.Token})
	a.mu.Unlock()

	if invalid {
		return nil
	}
	if a.releaser == nil {
		return nil
	}
	if err := a.releaser.ReleaseRemote(w.ChannelID, w.Token); err != nil {
		return errorkind.Wrap(errorkind.General, "peer release acknowledgment failed", err)
	}
	return nil
}

// InvalidateChannel marks every wrapper belonging to channelID as
// invalid, per §4.4: outstanding local holders keep seeing the wrapper
// object, but any further call against it must fail with
// ConnectionClosed, and Release must skip the peer round-trip.
func (a *Administrator) InvalidateChannel(channelID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, w := range a.wrappers {
		if key.channelID != channelID {
			continue
		}
		w.mu.Lock()
		w.invalid = true
		w.mu.Unlock()
	}
}

// Call fails fast with ConnectionClosed if w's channel has since closed;
// otherwise it runs fn, the stand-in for the actual remote invocation.
func (a *Administrator) Call(w *Wrapper, fn func() (interface{}, error)) (interface{}, error) {
	if w.Invalidated() {
		return nil, errorkind.New(errorkind.ConnectionClosed, "wrapper's channel has closed")
	}
	return fn()
}

// Visit enumerates every live wrapper grouped by channel, used by
// metadata/diagnostics surfaces.
func (a *Administrator) Visit(fn func(channelID uint32, w *Wrapper)) {
	a.mu.Lock()
	wrappers := make([]*Wrapper, 0, len(a.wrappers))
	for _, w := range a.wrappers {
		wrappers = append(wrappers, w)
	}
	a.mu.Unlock()

	for _, w := range wrappers {
		fn(w.ChannelID, w)
	}
}
