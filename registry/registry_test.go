// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chronos-agent/chronos/timeline"
)

type fakeSource struct {
	id    string
	class timeline.DeterminismClass
}

func (f *fakeSource) ID() string          { return f.id }
func (f *fakeSource) DisplayName() string { return f.id }
func (f *fakeSource) Class() timeline.DeterminismClass { return f.class }
func (f *fakeSource) CaptureState(context.Context) (any, error) { return "value", nil }

func TestRegisterDuplicateFails(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	src := &fakeSource{id: "a", class: timeline.Guaranteed}
	if err := r.Register(src); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register(src); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnregisterMissingFails(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	if err := r.Unregister("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Unregister error = %v, want ErrNotRegistered", err)
	}
}

func TestHasUnsafeSources(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	if r.HasUnsafeSources() {
		t.Fatal("empty registry should report no unsafe sources")
	}

	if err := r.Register(&fakeSource{id: "safe", class: timeline.Guaranteed}); err != nil {
		t.Fatal(err)
	}
	if r.HasUnsafeSources() {
		t.Fatal("registry with only Guaranteed sources should report no unsafe sources")
	}

	if err := r.Register(&fakeSource{id: "risky", class: timeline.Unsafe}); err != nil {
		t.Fatal(err)
	}
	if !r.HasUnsafeSources() {
		t.Error("registry with an Unsafe source should report it")
	}
}

func TestGetByClassFiltersAndSorts(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	r.Register(&fakeSource{id: "b", class: timeline.Guaranteed})
	r.Register(&fakeSource{id: "a", class: timeline.Guaranteed})
	r.Register(&fakeSource{id: "c", class: timeline.Unsafe})

	result := r.GetByClass(timeline.Guaranteed)
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	if result[0].ID() != "a" || result[1].ID() != "b" {
		t.Errorf("result not sorted by id: %v, %v", result[0].ID(), result[1].ID())
	}
}

func TestListenersNotifiedAfterCommit(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	var mu sync.Mutex
	var events []Event

	r.AddListener(func(event Event, source Source) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	r.Register(&fakeSource{id: "a", class: timeline.Guaranteed})
	r.Unregister("a")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(events)
		mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener saw %d events, want 2", count)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0] != EventRegistered || events[1] != EventUnregistered {
		t.Errorf("events = %v, want [registered unregistered]", events)
	}
}

func TestRemoveListenerStopsFutureNotifications(t *testing.T) {
	t.Parallel()
	r := New()
	defer r.Close()

	var mu sync.Mutex
	count := 0
	handle := r.AddListener(func(Event, Source) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	r.RemoveListener(handle)

	r.Register(&fakeSource{id: "a", class: timeline.Guaranteed})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("removed listener still received %d notifications", count)
	}
}
