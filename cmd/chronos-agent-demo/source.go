// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/timeline"
)

// staticSource wraps a scenario-declared value as a registry.Source:
// CaptureState always returns the same value, which is exactly what a
// Guaranteed or Verifiable scenario entry should do.
type staticSource struct {
	id    string
	class timeline.DeterminismClass
	value string
}

func (s *staticSource) ID() string                      { return s.id }
func (s *staticSource) DisplayName() string              { return s.id }
func (s *staticSource) Class() timeline.DeterminismClass { return s.class }
func (s *staticSource) CaptureState(context.Context) (any, error) {
	return s.value, nil
}

func parseClass(name string) (timeline.DeterminismClass, error) {
	switch name {
	case "guaranteed", "":
		return timeline.Guaranteed, nil
	case "verifiable":
		return timeline.Verifiable, nil
	case "conditional":
		return timeline.Conditional, nil
	case "unsafe":
		return timeline.Unsafe, nil
	default:
		return 0, fmt.Errorf("unknown class %q", name)
	}
}

func descriptorFor(spec sourceSpec) classify.TypeDescriptor {
	return classify.TypeDescriptor{Name: spec.ID, Kind: classify.KindPureData}
}
