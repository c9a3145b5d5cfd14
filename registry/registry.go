// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the host's declared state sources: a
// concurrent map keyed by source id, with listener fan-out decoupled
// from the registering goroutine so a slow listener can never stall
// registration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chronos-agent/chronos/timeline"
)

// ErrAlreadyRegistered is returned by Register when source_id is
// already present.
var ErrAlreadyRegistered = errors.New("registry: source already registered")

// ErrNotRegistered is returned by Unregister when source_id is absent.
var ErrNotRegistered = errors.New("registry: source not registered")

// Source is a host-owned value producer. The registry holds only a
// back-reference; the host retains ownership and lifecycle control.
type Source interface {
	ID() string
	DisplayName() string
	Class() timeline.DeterminismClass

	// CaptureState returns the source's current value. Must be
	// side-effect-free for Guaranteed and Verifiable sources — package
	// recorder treats this as a contractual invariant, not something
	// it enforces at the type level.
	CaptureState(ctx context.Context) (any, error)
}

// Event identifies what happened to a source in a registry mutation.
type Event int

const (
	EventRegistered Event = iota
	EventUnregistered
)

func (e Event) String() string {
	if e == EventRegistered {
		return "registered"
	}
	return "unregistered"
}

// Listener observes registry mutations after they are committed.
type Listener func(event Event, source Source)

// ListenerHandle identifies a registered Listener so it can be removed.
type ListenerHandle int

// notificationBacklog bounds the dispatch queue. A registering
// goroutine never blocks on it; if it fills, further notifications are
// dropped, and the drop is neither counted nor logged.
const notificationBacklog = 256

type notification struct {
	event  Event
	source Source
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]Source
	listeners  map[ListenerHandle]Listener
	nextHandle ListenerHandle

	notifyCh chan notification
	done     chan struct{}
	closed   sync.Once
}

// New creates an empty Registry and starts its notification dispatch
// goroutine. Call Close when the registry is no longer needed.
func New() *Registry {
	r := &Registry{
		sources:   make(map[string]Source),
		listeners: make(map[ListenerHandle]Listener),
		notifyCh:  make(chan notification, notificationBacklog),
		done:      make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// Close stops the notification dispatch goroutine. Idempotent.
func (r *Registry) Close() {
	r.closed.Do(func() { close(r.done) })
}

func (r *Registry) dispatchLoop() {
	for {
		select {
		case n := <-r.notifyCh:
			for _, listener := range r.snapshotListeners() {
				listener(n.event, n.source)
			}
		case <-r.done:
			return
		}
	}
}

func (r *Registry) snapshotListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		result = append(result, l)
	}
	return result
}

// Register adds source to the registry. Fails with ErrAlreadyRegistered
// if source.ID() is already present.
func (r *Registry) Register(source Source) error {
	r.mu.Lock()
	if _, exists := r.sources[source.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, source.ID())
	}
	r.sources[source.ID()] = source
	r.mu.Unlock()

	r.notify(EventRegistered, source)
	return nil
}

// Unregister removes the source identified by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	source, exists := r.sources[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.sources, id)
	r.mu.Unlock()

	r.notify(EventUnregistered, source)
	return nil
}

func (r *Registry) notify(event Event, source Source) {
	select {
	case r.notifyCh <- notification{event: event, source: source}:
	default:
		// Backlog full: drop rather than block the caller. The drop
		// is neither counted nor logged.
	}
}

// Get returns the source registered under id, if any.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, ok := r.sources[id]
	return source, ok
}

// HasUnsafeSources reports whether any registered source is classified
// Unsafe.
func (r *Registry) HasUnsafeSources() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, source := range r.sources {
		if source.Class() == timeline.Unsafe {
			return true
		}
	}
	return false
}

// GetByClass returns every registered source whose class is one of
// classes, sorted by id for deterministic iteration order.
func (r *Registry) GetByClass(classes ...timeline.DeterminismClass) []Source {
	want := make(map[timeline.DeterminismClass]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Source, 0)
	for _, source := range r.sources {
		if want[source.Class()] {
			result = append(result, source)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// All returns every registered source, sorted by id.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Source, 0, len(r.sources))
	for _, source := range r.sources {
		result = append(result, source)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// AddListener registers l to be invoked after every future registry
// mutation and returns a handle for RemoveListener.
func (r *Registry) AddListener(l Listener) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	handle := r.nextHandle
	r.listeners[handle] = l
	return handle
}

// RemoveListener unregisters a listener previously returned by
// AddListener.
func (r *Registry) RemoveListener(handle ListenerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, handle)
}
