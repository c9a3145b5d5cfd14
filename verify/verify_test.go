// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"testing"
	"time"
)

type pureValue struct {
	name string
}

func (p pureValue) CanonicalBytes() ([]byte, bool) { return []byte(p.name), true }
func (p pureValue) QualifiedTypeName() string      { return "verify.pureValue" }

type opaqueValue struct {
	Label string
}

func (o opaqueValue) CanonicalBytes() ([]byte, bool) { return nil, false }
func (o opaqueValue) QualifiedTypeName() string      { return "verify.opaqueValue" }

func TestVerifyAgainstCheckpointMatchesOnEqualContent(t *testing.T) {
	t.Parallel()
	v := New()

	if _, err := v.CreateCheckpoint(1, pureValue{name: "alpha"}, time.Now()); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	isValid, divergence, _ := v.VerifyAgainstCheckpoint(1, pureValue{name: "alpha"})
	if !isValid {
		t.Error("isValid = false, want true for identical content")
	}
	if divergence != DivergenceNone {
		t.Errorf("divergence = %v, want DivergenceNone", divergence)
	}
}

func TestVerifyAgainstCheckpointDetectsDivergence(t *testing.T) {
	t.Parallel()
	v := New()

	if _, err := v.CreateCheckpoint(1, pureValue{name: "alpha"}, time.Now()); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	isValid, divergence, message := v.VerifyAgainstCheckpoint(1, pureValue{name: "beta"})
	if isValid {
		t.Error("isValid = true, want false for differing content")
	}
	if divergence != DivergenceStructural {
		t.Errorf("divergence = %v, want DivergenceStructural", divergence)
	}
	if message == "" {
		t.Error("expected a non-empty message")
	}
}

func TestVerifyAgainstCheckpointMissingIsStructural(t *testing.T) {
	t.Parallel()
	v := New()

	isValid, divergence, _ := v.VerifyAgainstCheckpoint(99, pureValue{name: "alpha"})
	if isValid {
		t.Error("isValid = true, want false for an absent checkpoint")
	}
	if divergence != DivergenceStructural {
		t.Errorf("divergence = %v, want DivergenceStructural", divergence)
	}
}

func TestOpaqueValueUsesFallbackHash(t *testing.T) {
	t.Parallel()
	v := New()

	if _, err := v.CreateCheckpoint(1, opaqueValue{Label: "same"}, time.Now()); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	isValid, _, _ := v.VerifyAgainstCheckpoint(1, opaqueValue{Label: "same"})
	if !isValid {
		t.Error("isValid = false, want true for identical opaque values")
	}

	isValid, divergence, _ := v.VerifyAgainstCheckpoint(1, opaqueValue{Label: "different"})
	if isValid {
		t.Error("isValid = true, want false for differing opaque values")
	}
	if divergence != DivergenceStructural {
		t.Errorf("divergence = %v, want DivergenceStructural", divergence)
	}
}

func TestCreateCheckpointStoresTimestamp(t *testing.T) {
	t.Parallel()
	v := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cp, err := v.CreateCheckpoint(1, pureValue{name: "alpha"}, now)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if !cp.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", cp.Timestamp, now)
	}

	stored, ok := v.Checkpoint(1)
	if !ok {
		t.Fatal("Checkpoint(1) not found after CreateCheckpoint")
	}
	if stored.Hash != cp.Hash {
		t.Error("stored checkpoint hash does not match the returned one")
	}
}
