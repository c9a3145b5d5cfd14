// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/chronos-agent/chronos/timeline"
)

func TestCheckAnnotationsUnsafeBeatsDeterministic(t *testing.T) {
	t.Parallel()
	c := New()
	c.Declare("widget.Thing", TagDeterministic{}, TagUnsafe{Reason: "touches the network"})

	class, source, reason := c.CheckAnnotations("widget.Thing")
	if class == nil || *class != timeline.Unsafe {
		t.Fatalf("class = %v, want Unsafe", class)
	}
	if source != SourceTag {
		t.Errorf("source = %v, want SourceTag", source)
	}
	if reason != "touches the network" {
		t.Errorf("reason = %q, want the Unsafe reason", reason)
	}
}

func TestCheckAnnotationsDeterministicBeatsConditionalSafe(t *testing.T) {
	t.Parallel()
	c := New()
	c.Declare("widget.Thing",
		TagConditionalSafe{Reason: "seeded", Author: "alice", ReviewDate: time.Now()},
		TagDeterministic{},
	)

	class, source, _ := c.CheckAnnotations("widget.Thing")
	if class == nil || *class != timeline.Guaranteed {
		t.Fatalf("class = %v, want Guaranteed", class)
	}
	if source != SourceTag {
		t.Errorf("source = %v, want SourceTag", source)
	}
}

func TestCheckAnnotationsOverrideBeatsTags(t *testing.T) {
	t.Parallel()
	c := New()
	c.Declare("widget.Thing", TagUnsafe{Reason: "touches the network"})
	c.RegisterOverride(Override{
		ClassName:      "widget.Thing",
		DeclaredClass:  timeline.Conditional,
		Reason:         "reviewed and mitigated",
		AcknowledgedAt: time.Now(),
	})

	class, source, reason := c.CheckAnnotations("widget.Thing")
	if class == nil || *class != timeline.Conditional {
		t.Fatalf("class = %v, want Conditional", class)
	}
	if source != SourceOverride {
		t.Errorf("source = %v, want SourceOverride", source)
	}
	if reason != "reviewed and mitigated" {
		t.Errorf("reason = %q, want override reason", reason)
	}
}

func TestCheckAnnotationsNoneWhenUndeclared(t *testing.T) {
	t.Parallel()
	c := New()

	class, source, _ := c.CheckAnnotations("widget.Unknown")
	if class != nil {
		t.Errorf("class = %v, want nil", class)
	}
	if source != SourceNone {
		t.Errorf("source = %v, want SourceNone", source)
	}
}

func TestCheckAssertionsReportsFirstFailure(t *testing.T) {
	t.Parallel()
	c := New()
	errBoom := errors.New("boom")

	c.RegisterAssertion(Assertion{Name: "a", Check: func() error { return nil }})
	c.RegisterAssertion(Assertion{Name: "b", Check: func() error { return errBoom }})
	c.RegisterAssertion(Assertion{Name: "c", Check: func() error { return nil }})

	err := c.CheckAssertions()
	if err == nil {
		t.Fatal("expected an error from assertion b")
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("error = %v, want wrapping %v", err, errBoom)
	}
}

func TestCheckAssertionsPassesWhenAllSucceed(t *testing.T) {
	t.Parallel()
	c := New()
	c.RegisterAssertion(Assertion{Name: "a", Check: func() error { return nil }})

	if err := c.CheckAssertions(); err != nil {
		t.Errorf("CheckAssertions() = %v, want nil", err)
	}
}

func TestRedactedAndIgnoredFields(t *testing.T) {
	t.Parallel()
	c := New()
	c.Declare("widget.Thing", TagRedact{Field: "Password"}, TagIgnore{Field: "Scratch"})

	redacted := c.RedactedFields("widget.Thing")
	if len(redacted) != 1 || redacted[0] != "Password" {
		t.Errorf("RedactedFields = %v, want [Password]", redacted)
	}

	ignored := c.IgnoredFields("widget.Thing")
	if len(ignored) != 1 || ignored[0] != "Scratch" {
		t.Errorf("IgnoredFields = %v, want [Scratch]", ignored)
	}
}
