// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"bytes"
	"time"
)

// Snapshot records the captured state of one source at one instant.
type Snapshot struct {
	Seq        uint64
	SourceID   string
	Time       time.Time
	Thread     string
	Class      DeterminismClass
	ValueBytes []byte

	// Compressed reports whether ValueBytes holds zstd-compressed
	// payload rather than the raw redacted encoding. Set by recorder
	// when a snapshot's value exceeds its compression threshold.
	Compressed bool

	// CheckpointHash, when non-nil, is the SHA-256 content hash a
	// Verifiable source computed at capture time. Absent for
	// Guaranteed and Conditional sources.
	CheckpointHash *[32]byte
}

func (s *Snapshot) SequenceNo() uint64    { return s.Seq }
func (s *Snapshot) Timestamp() time.Time  { return s.Time }
func (s *Snapshot) ThreadName() string    { return s.Thread }
func (s *Snapshot) Kind() EventKind       { return KindSnapshot }

// Clone returns a deep copy: ValueBytes and CheckpointHash are copied
// rather than aliased.
func (s *Snapshot) Clone() Event {
	clone := *s
	if s.ValueBytes != nil {
		clone.ValueBytes = append([]byte(nil), s.ValueBytes...)
	}
	if s.CheckpointHash != nil {
		hash := *s.CheckpointHash
		clone.CheckpointHash = &hash
	}
	return &clone
}

// Equal compares two snapshots by (SequenceNo, SourceID, ValueBytes),
// the identity spec'd for snapshot equality.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if other == nil {
		return false
	}
	return s.Seq == other.Seq &&
		s.SourceID == other.SourceID &&
		bytes.Equal(s.ValueBytes, other.ValueBytes)
}

// Checkpoint marks a point in the timeline where the recorder computed
// a combined content hash over every currently registered Verifiable
// source's state. CheckpointID is caller-supplied and opaque to the
// timeline; SourceCount is how many sources actually contributed to
// Hash, which can be fewer than the number of Verifiable sources
// registered at that moment if one failed to capture.
type Checkpoint struct {
	Seq          uint64
	Time         time.Time
	Thread       string
	CheckpointID string
	Hash         [32]byte
	SourceCount  int
}

func (c *Checkpoint) SequenceNo() uint64   { return c.Seq }
func (c *Checkpoint) Timestamp() time.Time { return c.Time }
func (c *Checkpoint) ThreadName() string   { return c.Thread }
func (c *Checkpoint) Kind() EventKind      { return KindCheckpoint }

func (c *Checkpoint) Clone() Event {
	clone := *c
	return &clone
}

// GapReason identifies why the recorder or ring buffer synthesized a
// Gap in place of a real event.
type GapReason int

const (
	ReasonBufferOverflow GapReason = iota
	ReasonRateLimit
	ReasonCaptureError
)

func (r GapReason) String() string {
	switch r {
	case ReasonBufferOverflow:
		return "buffer_overflow"
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonCaptureError:
		return "capture_error"
	default:
		return "unknown"
	}
}

// Gap marks a break in the recorded timeline: events were dropped
// because the ring buffer overflowed, the recorder degraded under
// pressure, or a source's capture failed.
type Gap struct {
	Seq         uint64
	Time        time.Time
	Thread      string
	Reason      GapReason
	MissedCount uint64
}

func (g *Gap) SequenceNo() uint64   { return g.Seq }
func (g *Gap) Timestamp() time.Time { return g.Time }
func (g *Gap) ThreadName() string   { return g.Thread }
func (g *Gap) Kind() EventKind      { return KindGap }

func (g *Gap) Clone() Event {
	clone := *g
	return &clone
}

// LogLevel mirrors the granularity of informational events that ride
// alongside the recorded timeline.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// Log is an informational event carried in the timeline, acknowledged
// but not verified during replay. Tag is a short caller-supplied
// category (e.g. "mempressure", "coordinator") distinct from the free-
// form Message, so a viewer can filter a noisy timeline by subsystem
// without parsing message text.
type Log struct {
	Seq     uint64
	Time    time.Time
	Thread  string
	Level   LogLevel
	Tag     string
	Message string
}

func (l *Log) SequenceNo() uint64   { return l.Seq }
func (l *Log) Timestamp() time.Time { return l.Time }
func (l *Log) ThreadName() string   { return l.Thread }
func (l *Log) Kind() EventKind      { return KindLog }

func (l *Log) Clone() Event {
	clone := *l
	return &clone
}
