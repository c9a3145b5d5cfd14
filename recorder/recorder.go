// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package recorder turns a source's captured state into timeline
// events, applying redaction and an adaptive degradation ladder that
// protects the host process from runaway recording volume.
package recorder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/chronos-agent/chronos/internal/clock"
	"github.com/chronos-agent/chronos/internal/codec"
	"github.com/chronos-agent/chronos/redact"
	"github.com/chronos-agent/chronos/registry"
	"github.com/chronos-agent/chronos/ringbuffer"
	"github.com/chronos-agent/chronos/timeline"
	"github.com/chronos-agent/chronos/verify"
)

// Level is the recorder's current degradation state, cheapest (most
// complete) to most aggressive.
type Level int32

const (
	LevelFull Level = iota
	LevelReduced
	LevelMinimal
	LevelPaused
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelReduced:
		return "reduced"
	case LevelMinimal:
		return "minimal"
	case LevelPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// compressionThreshold is the encoded-payload size, in bytes, above
// which value_bytes is zstd-compressed before being stored.
const compressionThreshold = 1024

// recordingState is the single atomic cell spec §4.8 mandates: the
// current one-second bucket, how many events have landed in it, and
// the level that bucket has ratcheted down to. Replaced wholesale by
// CompareAndSwap — never mutated in place.
type recordingState struct {
	bucket int64
	count  int32
	level  Level
}

// Listener observes every event the recorder produces, Snapshots and
// degradation Gaps alike.
type Listener func(timeline.Event)

// Recorder is safe for concurrent use across multiple sources.
type Recorder struct {
	clock    clock.Clock
	buffer   *ringbuffer.Buffer
	redactor redact.Strategy
	seq      *timeline.SequenceCounter
	logger   *slog.Logger

	state atomic.Pointer[recordingState]

	captureErrors atomic.Uint64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu        sync.Mutex
	listeners []Listener
}

// New returns a Recorder that appends to buffer and redacts captured
// values with redactor, using c for wall time. A nil logger defaults
// to slog.Default().
func New(c clock.Clock, buffer *ringbuffer.Buffer, redactor redact.Strategy, logger *slog.Logger) (*Recorder, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("recorder: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("recorder: creating zstd decoder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		clock:    c,
		buffer:   buffer,
		redactor: redactor,
		seq:      &timeline.SequenceCounter{},
		logger:   logger,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// AddListener registers l to be invoked for every Snapshot and Gap the
// recorder produces.
func (r *Recorder) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Recorder) notify(event timeline.Event) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

// CaptureErrorCount returns how many times source.CaptureState has
// failed or panicked since the recorder was created.
func (r *Recorder) CaptureErrorCount() uint64 {
	return r.captureErrors.Load()
}

// CurrentLevel returns the recorder's current degradation level.
func (r *Recorder) CurrentLevel() Level {
	state := r.state.Load()
	if state == nil {
		return LevelFull
	}
	return state.level
}

// ResetRecordingLevel restores Full for the current bucket, undoing
// any ladder demotion. It does not reset the event count: a burst that
// continues past the reset will demote again on the same schedule.
func (r *Recorder) ResetRecordingLevel() {
	r.SetLevel(LevelFull)
}

// SetLevel forces the recorder's current-bucket level to level,
// overriding whatever the degradation ladder had ratcheted it to. A
// host calling this to force LevelPaused (in response to a
// mempressure.Listener callback, say) is immediately honored by the
// next Record call; the ladder resumes auto-demoting from the new
// level once the current bucket rolls over.
func (r *Recorder) SetLevel(level Level) {
	for {
		old := r.state.Load()
		if old == nil {
			candidate := &recordingState{bucket: r.clock.Now().Unix(), level: level}
			if r.state.CompareAndSwap(nil, candidate) {
				return
			}
			continue
		}
		next := *old
		next.level = level
		if r.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Record runs the full capture pipeline for one source: determine wall
// time, advance the recording state, apply the degradation ladder,
// gate by level, capture, redact, optionally compress, and emit a
// Snapshot to every listener. threadName identifies the logical
// goroutine or worker calling Record — Go has no native thread
// identifier, so callers supply their own session-scoped name.
func (r *Recorder) Record(ctx context.Context, source registry.Source, threadName string) {
	now := r.clock.Now()

	state, demoted, reason := r.advanceState(now)
	if demoted {
		r.emitGap(now, threadName, reason, uint64(state.count))
	}

	if !levelAllows(state.level, source.Class()) {
		return
	}

	value, err := safeCapture(ctx, source)
	if err != nil {
		r.captureErrors.Add(1)
		r.logger.Warn("capture failed", "source", source.ID(), "error", err)
		return
	}

	redacted := r.redactor.Redact("", value)

	encoded, err := codec.Marshal(redacted)
	if err != nil {
		r.captureErrors.Add(1)
		return
	}

	payload, compressed := r.maybeCompress(encoded)

	snap := &timeline.Snapshot{
		Seq:        r.seq.Next(),
		SourceID:   source.ID(),
		Time:       now,
		Thread:     threadName,
		Class:      source.Class(),
		ValueBytes: payload,
		Compressed: compressed,
	}

	if source.Class() == timeline.Verifiable {
		if canonical, ok := value.(verify.CanonicalValue); ok {
			if hash, err := verify.HashValue(canonical); err == nil {
				snap.CheckpointHash = &hash
			}
		}
	}

	r.buffer.Append(snap)
	r.notify(snap)
}

// CreateCheckpoint computes a combined content hash over every
// Verifiable source in sources (callers typically pass
// registry.GetByClass(timeline.Verifiable), already sorted by id so
// the combined hash is order-stable) and emits a Checkpoint event
// marking this point in the timeline. A source that fails to capture,
// or whose value doesn't implement verify.CanonicalValue, is skipped
// rather than aborting the whole checkpoint; SourceCount reflects only
// the sources that actually contributed.
func (r *Recorder) CreateCheckpoint(ctx context.Context, sources []registry.Source, threadName, checkpointID string) *timeline.Checkpoint {
	hasher := sha256.New()
	count := 0

	for _, source := range sources {
		if source.Class() != timeline.Verifiable {
			continue
		}
		value, err := safeCapture(ctx, source)
		if err != nil {
			r.captureErrors.Add(1)
			r.logger.Warn("checkpoint capture failed", "source", source.ID(), "error", err)
			continue
		}
		canonical, ok := value.(verify.CanonicalValue)
		if !ok {
			continue
		}
		hash, err := verify.HashValue(canonical)
		if err != nil {
			continue
		}
		hasher.Write(hash[:])
		count++
	}

	var combined [32]byte
	copy(combined[:], hasher.Sum(nil))

	cp := &timeline.Checkpoint{
		Seq:          r.seq.Next(),
		Time:         r.clock.Now(),
		Thread:       threadName,
		CheckpointID: checkpointID,
		Hash:         combined,
		SourceCount:  count,
	}
	r.buffer.Append(cp)
	r.notify(cp)
	return cp
}

// Log records an informational event directly in the timeline,
// alongside the Snapshots and Gaps it was emitted among, rather than
// only to the recorder's own slog.Logger. Callers that care about the
// distinction between process-local diagnostics and timeline-visible
// ones use this for the latter — the recorder's own demotion warnings,
// for instance, go to r.logger but not to Log, since they're about
// the recorder's own health rather than the recorded session.
func (r *Recorder) Log(level timeline.LogLevel, tag, message, threadName string) *timeline.Log {
	entry := &timeline.Log{
		Seq:     r.seq.Next(),
		Time:    r.clock.Now(),
		Thread:  threadName,
		Level:   level,
		Tag:     tag,
		Message: message,
	}
	r.buffer.Append(entry)
	r.notify(entry)
	return entry
}

// DecompressValue reverses maybeCompress's zstd encoding, returning a
// Snapshot's value bytes regardless of whether they were compressed.
func (r *Recorder) DecompressValue(snap *timeline.Snapshot) ([]byte, error) {
	if !snap.Compressed {
		return snap.ValueBytes, nil
	}
	return r.decoder.DecodeAll(snap.ValueBytes, nil)
}

func (r *Recorder) maybeCompress(encoded []byte) (payload []byte, compressed bool) {
	if len(encoded) <= compressionThreshold {
		return encoded, false
	}
	return r.encoder.EncodeAll(encoded, nil), true
}

// advanceState runs the CAS loop that updates the single atomic
// recording-state cell: resets to a fresh Full bucket when the wall
// clock has moved to a new second, otherwise increments the event
// count in place and applies the one-way degradation ladder.
func (r *Recorder) advanceState(now time.Time) (next *recordingState, demoted bool, reason string) {
	bucket := now.Unix()

	for {
		old := r.state.Load()

		var candidate recordingState
		if old == nil || old.bucket != bucket {
			candidate = recordingState{bucket: bucket, count: 1, level: LevelFull}
		} else {
			candidate = *old
			candidate.count++
		}

		levelBefore := candidate.level
		switch {
		case candidate.count > 1000:
			candidate.level = LevelPaused
		case candidate.count > 500:
			candidate.level = maxLevel(candidate.level, LevelMinimal)
		case candidate.count > 200:
			candidate.level = maxLevel(candidate.level, LevelReduced)
		}

		if r.state.CompareAndSwap(old, &candidate) {
			demoted = candidate.level != levelBefore
			return &candidate, demoted, demotionReason(candidate.level, candidate.count)
		}
	}
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

func demotionReason(level Level, count int32) string {
	return fmt.Sprintf("recording demoted to %s after %d events this second", level, count)
}

func (r *Recorder) emitGap(now time.Time, threadName, reason string, missed uint64) {
	r.logger.Warn(reason, "thread", threadName)

	gap := &timeline.Gap{
		Seq:         r.seq.Next(),
		Time:        now,
		Thread:      threadName,
		Reason:      timeline.ReasonRateLimit,
		MissedCount: missed,
	}
	r.buffer.Append(gap)
	r.notify(gap)
}

// levelAllows implements spec §4.8 step 4's gating table: Full records
// every class; Reduced skips Conditional; Minimal records only
// Guaranteed; Paused records nothing.
func levelAllows(level Level, class timeline.DeterminismClass) bool {
	switch level {
	case LevelFull:
		return true
	case LevelReduced:
		return class != timeline.Conditional
	case LevelMinimal:
		return class == timeline.Guaranteed
	default:
		return false
	}
}

// safeCapture calls source.CaptureState, converting a panic into an
// error so one misbehaving source can never take down the recorder's
// goroutine.
func safeCapture(ctx context.Context, source registry.Source) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recorder: capture panicked: %v", p)
		}
	}()
	return source.CaptureState(ctx)
}
