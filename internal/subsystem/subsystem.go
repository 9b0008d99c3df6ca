// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package subsystem implements SubsystemRegistry (C2): a fixed-width
// bitset over a closed enum of platform capabilities, with edge-triggered
// observer notification dispatched from the registry's own Serve goroutine
// so Set()/Clear() never run observer code inline.
package subsystem

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/pluginhost/internal/metrics"
)

// Flag is one bit of the closed subsystem enum from §3.
type Flag int

const (
	Platform Flag = iota
	Network
	Security
	Identifier
	Internet
	Graphics
	Location
	Time
	Provisioning
	Decryption
	WebSource
	Streaming
	Bluetooth
	Cryptography
	Installation
	Startup
	EndList
)

// String names a Flag for logging and diagnostics surfaces.
func (f Flag) String() string {
	names := [...]string{
		"Platform", "Network", "Security", "Identifier", "Internet",
		"Graphics", "Location", "Time", "Provisioning", "Decryption",
		"WebSource", "Streaming", "Bluetooth", "Cryptography",
		"Installation", "Startup",
	}
	if f < 0 || int(f) >= len(names) {
		return "Unknown"
	}
	return names[f]
}

// Observer is notified exactly once per edge-triggered change to a flag it
// watches. Updated is dispatched from the Serve goroutine, never inline
// with Set/Clear.
type Observer interface {
	Updated(flag Flag, active bool)
}

// Registry is the SubsystemRegistry described in §4.2. State is
// process-wide and outlives any individual plugin.
//
// Observer notification runs off a single dedicated goroutine — the
// "single serialization point" §4.2 requires — rather than the shared
// WorkerPool, because WorkerPool's N threads would let two notifications
// submitted in order (f1 then f2) be picked up by different threads and
// delivered out of order. One goroutine draining one channel preserves
// submission order by construction.
type Registry struct {
	mu        sync.Mutex
	active    [EndList]bool
	metadata  [EndList]interface{}
	observers []Observer

	notifications chan notifyJob
	wg            sync.WaitGroup
}

// New constructs a Registry.
func New() *Registry {
	return &Registry{notifications: make(chan notifyJob, 64)}
}

// Serve implements suture.Service: it drains the notification channel in
// FIFO order until ctx is canceled.
func (r *Registry) Serve(ctx context.Context) error {
	r.wg.Add(1)
	defer r.wg.Done()
	for {
		select {
		case job, ok := <-r.notifications:
			if !ok {
				return ctx.Err()
			}
			job.dispatch()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Set marks flag active, attaching an optional metadata object owned by
// the registry until the flag is cleared or the registry is destroyed.
// Observers are notified exactly once, on the Serve goroutine, only if the
// flag was not already active (edge-triggered).
func (r *Registry) Set(flag Flag, metadata interface{}) {
	r.mu.Lock()
	wasActive := r.active[flag]
	r.active[flag] = true
	r.metadata[flag] = metadata
	observers := r.snapshotObservers()
	r.mu.Unlock()

	metrics.SetSubsystemFlagActive(flag.String(), true)
	if !wasActive {
		metrics.RecordSubsystemTransition(flag.String(), true)
		r.notify(observers, flag, true)
	}
}

// Clear marks flag inactive and releases its metadata object. Observers
// are notified exactly once if the flag was previously active.
func (r *Registry) Clear(flag Flag) {
	r.mu.Lock()
	wasActive := r.active[flag]
	r.active[flag] = false
	r.metadata[flag] = nil
	observers := r.snapshotObservers()
	r.mu.Unlock()

	metrics.SetSubsystemFlagActive(flag.String(), false)
	if wasActive {
		metrics.RecordSubsystemTransition(flag.String(), false)
		r.notify(observers, flag, false)
	}
}

// IsActive reports whether flag is currently set.
func (r *Registry) IsActive(flag Flag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[flag]
}

// Get returns flag's metadata object, or nil if unset or inactive.
func (r *Registry) Get(flag Flag) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata[flag]
}

// Register adds an observer. It does not receive a synthetic notification
// for flags already active at registration time — only future edges.
func (r *Registry) Register(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Unregister removes an observer. A no-op if it was never registered.
func (r *Registry) Unregister(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.observers {
		if existing == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// snapshotObservers must be called with r.mu held.
func (r *Registry) snapshotObservers() []Observer {
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

// notify queues an Updated fan-out for the serialization goroutine, never
// running observer code inline. The queue holds 64 jobs; Set/Clear block
// only while it is full.
// Successive calls preserve program order: the channel is FIFO and only
// one goroutine ever drains it, so observers see f1-set before f2-set
// when f1 then f2 are set in rapid succession.
func (r *Registry) notify(observers []Observer, flag Flag, active bool) {
	r.notifications <- notifyJob{observers: observers, flag: flag, active: active}
}

// notifyJob is one queued Updated fan-out.
type notifyJob struct {
	observers []Observer
	flag      Flag
	active    bool
}

func (j notifyJob) dispatch() {
	start := time.Now()
	for _, o := range j.observers {
		o.Updated(j.flag, j.active)
	}
	metrics.RecordSubsystemDispatchDuration(time.Since(start))
}
