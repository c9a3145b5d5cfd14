// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify checkpoints a source's state at a sequence number and
// later checks a live value against it, detecting divergence between
// a recording and a replay.
package verify

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/chronos-agent/chronos/internal/codec"
)

// Divergence classifies the relationship between a live value and its
// recorded checkpoint.
type Divergence int

const (
	// DivergenceNone means the live value's hash matches the checkpoint.
	DivergenceNone Divergence = iota
	// DivergenceStructural means the live value's shape or content
	// differs from what was recorded, or no checkpoint exists at all.
	DivergenceStructural
	// DivergenceTemporal means the values agree in content but were
	// observed at a different point in the replay timeline than
	// recorded.
	DivergenceTemporal
	// DivergenceIdentity means the values are equal by content but are
	// distinct object identities where identity was significant.
	DivergenceIdentity
)

func (d Divergence) String() string {
	switch d {
	case DivergenceNone:
		return "none"
	case DivergenceStructural:
		return "structural"
	case DivergenceTemporal:
		return "temporal"
	case DivergenceIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// CanonicalValue is passed to CreateCheckpoint and
// VerifyAgainstCheckpoint. CanonicalBytes returns a stable, field-wise
// serialization and ok=true for pure-data shapes that support true
// content addressing; it returns ok=false for shapes that don't (a
// live handle, an unordered collection), in which case canonicalHash
// falls back to hashing the qualified type name paired with a
// structural hash of whatever the deterministic CBOR encoder produces
// for the value — which distinguishes two values only where their CBOR
// encodings differ (unexported fields are not encoded).
type CanonicalValue interface {
	CanonicalBytes() (data []byte, ok bool)
	QualifiedTypeName() string
}

// Checkpoint is a stored commitment to a source's state at one
// sequence number.
type Checkpoint struct {
	Hash      [32]byte
	Timestamp time.Time
}

// Verifier holds every checkpoint created so far, keyed by sequence
// number.
type Verifier struct {
	mu          sync.RWMutex
	checkpoints map[uint64]Checkpoint
}

// New returns an empty Verifier.
func New() *Verifier {
	return &Verifier{checkpoints: make(map[uint64]Checkpoint)}
}

// CreateCheckpoint hashes state and stores the result under seq,
// returning the stored Checkpoint.
func (v *Verifier) CreateCheckpoint(seq uint64, state CanonicalValue, now time.Time) (Checkpoint, error) {
	hash, err := canonicalHash(state)
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{Hash: hash, Timestamp: now}

	v.mu.Lock()
	v.checkpoints[seq] = cp
	v.mu.Unlock()

	return cp, nil
}

// VerifyAgainstCheckpoint hashes live the same way CreateCheckpoint
// did and compares it to the checkpoint stored for seq.
func (v *Verifier) VerifyAgainstCheckpoint(seq uint64, live CanonicalValue) (isValid bool, divergence Divergence, message string) {
	v.mu.RLock()
	stored, ok := v.checkpoints[seq]
	v.mu.RUnlock()

	if !ok {
		return false, DivergenceStructural, fmt.Sprintf("no checkpoint recorded for sequence %d", seq)
	}

	liveHash, err := canonicalHash(live)
	if err != nil {
		return false, DivergenceStructural, fmt.Sprintf("hashing live state: %v", err)
	}

	if liveHash == stored.Hash {
		return true, DivergenceNone, ""
	}

	return false, DivergenceStructural, fmt.Sprintf("hash mismatch at sequence %d", seq)
}

// Checkpoint returns the checkpoint stored for seq, if any.
func (v *Verifier) Checkpoint(seq uint64) (Checkpoint, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp, ok := v.checkpoints[seq]
	return cp, ok
}

// SeedCheckpoint stores a checkpoint whose hash was already computed
// elsewhere, rather than deriving it from a live CanonicalValue. Used
// by package replay to reconstruct a fresh Verifier's state from the
// CheckpointHash values carried in a recorded timeline, since a replay
// session starts with no checkpoints of its own to compare against.
func (v *Verifier) SeedCheckpoint(seq uint64, hash [32]byte, timestamp time.Time) Checkpoint {
	cp := Checkpoint{Hash: hash, Timestamp: timestamp}
	v.mu.Lock()
	v.checkpoints[seq] = cp
	v.mu.Unlock()
	return cp
}

// HashValue computes the same canonical hash CreateCheckpoint and
// VerifyAgainstCheckpoint use internally. Exposed so package recorder
// can compute a Snapshot's CheckpointHash at capture time without
// needing a Verifier instance of its own.
func HashValue(value CanonicalValue) ([32]byte, error) {
	return canonicalHash(value)
}

// canonicalHash computes the SHA-256 digest of value's canonical
// representation: CanonicalBytes() for pure-data shapes that
// implement it, or the documented
// "{qualified_type_name}@{structural_hash}" fallback otherwise, where
// structural_hash is the deterministic CBOR encoding of the value run
// through the same hash. The fallback can only ever detect that two
// values differ in their CBOR encoding, not that they are the same
// logical value under a different representation — callers that need
// true content addressing must implement CanonicalBytes.
func canonicalHash(value CanonicalValue) ([32]byte, error) {
	if data, ok := value.CanonicalBytes(); ok {
		return sha256.Sum256(data), nil
	}

	structuralHash, encErr := codec.Hash(value)
	if encErr != nil {
		return [32]byte{}, fmt.Errorf("verify: encoding fallback representation: %w", encErr)
	}

	fallback := fmt.Sprintf("%s@%x", value.QualifiedTypeName(), structuralHash)
	return sha256.Sum256([]byte(fallback)), nil
}
