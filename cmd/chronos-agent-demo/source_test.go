// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/timeline"
)

func TestParseClass(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected timeline.DeterminismClass
		wantErr  bool
	}{
		{name: "empty defaults to guaranteed", input: "", expected: timeline.Guaranteed},
		{name: "guaranteed", input: "guaranteed", expected: timeline.Guaranteed},
		{name: "verifiable", input: "verifiable", expected: timeline.Verifiable},
		{name: "conditional", input: "conditional", expected: timeline.Conditional},
		{name: "unsafe", input: "unsafe", expected: timeline.Unsafe},
		{name: "unknown", input: "bogus", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			class, err := parseClass(test.input)
			if test.wantErr {
				if err == nil {
					t.Errorf("parseClass(%q) succeeded, want an error", test.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseClass(%q): %v", test.input, err)
			}
			if class != test.expected {
				t.Errorf("parseClass(%q) = %v, want %v", test.input, class, test.expected)
			}
		})
	}
}

func TestDescriptorForUsesSpecID(t *testing.T) {
	desc := descriptorFor(sourceSpec{ID: "widget", Class: "guaranteed"})
	if desc.Name != "widget" {
		t.Errorf("descriptorFor().Name = %q, want %q", desc.Name, "widget")
	}
	if desc.Kind != classify.KindPureData {
		t.Errorf("descriptorFor().Kind = %v, want KindPureData", desc.Kind)
	}
}
