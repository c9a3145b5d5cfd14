// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay drives a recorded timeline back through the
// registered sources, halting the moment live state diverges from what
// was recorded.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/registry"
	"github.com/chronos-agent/chronos/sandbox"
	"github.com/chronos-agent/chronos/timeline"
	"github.com/chronos-agent/chronos/verify"
)

// ErrDeterminismViolation is returned by StartReplay when the refusal
// engine does not allow replay of the currently registered sources.
var ErrDeterminismViolation = errors.New("replay: determinism violation, refused")

// State identifies where the controller is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreflight
	StateReplaying
	StatePaused
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreflight:
		return "preflight"
	case StateReplaying:
		return "replaying"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DivergenceClassifier maps a verify.Divergence to the controller's
// reaction: halt the replay outright, or merely warn and continue.
type DivergenceClassifier struct{}

// ShouldHalt reports whether d must abort the replay immediately.
func (DivergenceClassifier) ShouldHalt(d verify.Divergence) bool {
	return d == verify.DivergenceStructural
}

// ShouldWarn reports whether d should be surfaced to the caller without
// aborting.
func (DivergenceClassifier) ShouldWarn(d verify.Divergence) bool {
	return d == verify.DivergenceTemporal
}

// Result summarizes one replay run.
type Result struct {
	FinalState              State
	EventsPlayed            int
	Divergences             []DivergenceReport
	RefusalNote             string
	Warnings                []string
	CheckpointsAcknowledged int
}

// DivergenceReport records one detected divergence during replay.
type DivergenceReport struct {
	Seq         uint64
	SourceID    string
	Divergence  verify.Divergence
	Message     string
	Halted      bool
}

// Controller drives a recorded event sequence against live sources.
// Safe for concurrent use; State is read via an atomic int32 so a
// status-reporting goroutine never observes a torn state value.
type Controller struct {
	registry   *registry.Registry
	refusal    *refusal.Engine
	guard      *sandbox.Guard
	verifier   *verify.Verifier
	classifier DivergenceClassifier

	// state holds a State value as an int32. atomic.Pointer would need
	// pointer-identity comparisons for CompareAndSwap, which breaks
	// down once every transition allocates a fresh value; an int32
	// makes Pause/Resume's guarded transitions straightforward.
	state atomic.Int32
}

// New returns an idle Controller. reg resolves each Snapshot's source
// by id during replay; eng decides whether the currently registered
// sources may be replayed at all; guard is activated for the duration
// of a replay attempt and deactivated on every exit path.
func New(reg *registry.Registry, eng *refusal.Engine, guard *sandbox.Guard) *Controller {
	return &Controller{registry: reg, refusal: eng, guard: guard, verifier: verify.New()}
}

// CurrentState returns the controller's current state.
func (c *Controller) CurrentState() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// StartReplay evaluates the refusal engine against the currently
// registered sources; if they are not allowed, the controller
// transitions to Aborted and returns ErrDeterminismViolation without
// running a single event. Otherwise it seeds checkpoints, activates the
// sandbox guard, warns about any Conditional or Unsafe source still
// registered (Result.Warnings), transitions through Preflight to
// Replaying, and walks events in order, verifying each Snapshot that
// carries a CheckpointHash against the live source's current state. A
// Structural divergence aborts the replay immediately; other
// divergences are recorded and replay continues. Checkpoint events are
// acknowledged (counted on Result.CheckpointsAcknowledged) rather than
// verified; Gap and Log events are purely informational and only
// advance EventsPlayed. The sandbox guard is always deactivated before
// StartReplay returns, regardless of outcome.
func (c *Controller) StartReplay(ctx context.Context, events []timeline.Event) (Result, error) {
	c.setState(StatePreflight)

	report := c.refusal.Evaluate()
	if !report.IsAllowed {
		c.setState(StateAborted)
		return Result{FinalState: StateAborted, RefusalNote: report.LogLine()}, fmt.Errorf(
			"%w: %d blocking source(s)", ErrDeterminismViolation, len(report.Blocking))
	}

	c.seedCheckpoints(events)

	c.guard.Activate()
	defer c.guard.Deactivate()

	c.setState(StateReplaying)

	result := Result{FinalState: StateReplaying, Warnings: c.warnOnRiskyRegisteredSources()}
	for _, event := range events {
		if ctx.Err() != nil {
			c.setState(StateAborted)
			result.FinalState = StateAborted
			return result, ctx.Err()
		}

		switch evt := event.(type) {
		case *timeline.Snapshot:
			div, halted := c.verifySnapshot(evt)
			result.EventsPlayed++
			if div != nil {
				result.Divergences = append(result.Divergences, *div)
			}
			if halted {
				c.setState(StateAborted)
				result.FinalState = StateAborted
				return result, nil
			}
		case *timeline.Checkpoint:
			// Checkpoints are acknowledged, not verified: the per-source
			// CheckpointHash carried on each Snapshot is what actually
			// gets checked against live state; a Checkpoint event is a
			// coarser, whole-session marker the controller only needs to
			// count as having passed through.
			result.CheckpointsAcknowledged++
			result.EventsPlayed++
		default:
			// Gap and Log are purely informational.
			result.EventsPlayed++
		}
	}

	c.setState(StateCompleted)
	result.FinalState = StateCompleted
	return result, nil
}

// warnOnRiskyRegisteredSources reports a warning for every currently
// registered Conditional or Unsafe source. Unsafe sources should
// already have been gated out by the refusal check above, but the
// warning is produced unconditionally rather than assuming that
// invariant holds — a source re-registered as Unsafe between the
// refusal evaluation and this point would otherwise pass through
// silently.
func (c *Controller) warnOnRiskyRegisteredSources() []string {
	risky := c.registry.GetByClass(timeline.Conditional, timeline.Unsafe)
	if len(risky) == 0 {
		return nil
	}
	warnings := make([]string, 0, len(risky))
	for _, source := range risky {
		warnings = append(warnings, fmt.Sprintf(
			"source %q is registered as %s; replayed state for it is not guaranteed to match what was recorded",
			source.ID(), source.Class()))
	}
	return warnings
}

// seedCheckpoints registers every recorded CheckpointHash with the
// controller's Verifier before replay begins, since a fresh replay
// session has no checkpoints of its own until it does.
func (c *Controller) seedCheckpoints(events []timeline.Event) {
	for _, event := range events {
		snap, ok := event.(*timeline.Snapshot)
		if !ok || snap.CheckpointHash == nil {
			continue
		}
		c.verifier.SeedCheckpoint(snap.Seq, *snap.CheckpointHash, snap.Time)
	}
}

// verifySnapshot resolves snap's source and, if the snapshot carries a
// checkpoint hash, compares it against the source's live state.
func (c *Controller) verifySnapshot(snap *timeline.Snapshot) (*DivergenceReport, bool) {
	source, ok := c.registry.Get(snap.SourceID)
	if !ok {
		report := &DivergenceReport{
			Seq:        snap.Seq,
			SourceID:   snap.SourceID,
			Divergence: verify.DivergenceStructural,
			Message:    fmt.Sprintf("source %q is no longer registered", snap.SourceID),
			Halted:     true,
		}
		return report, true
	}

	if snap.CheckpointHash == nil {
		return nil, false
	}

	live, err := source.CaptureState(context.Background())
	if err != nil {
		report := &DivergenceReport{
			Seq:        snap.Seq,
			SourceID:   snap.SourceID,
			Divergence: verify.DivergenceStructural,
			Message:    fmt.Sprintf("capturing live state: %v", err),
			Halted:     true,
		}
		return report, true
	}

	canonical, ok := live.(verify.CanonicalValue)
	if !ok {
		report := &DivergenceReport{
			Seq:        snap.Seq,
			SourceID:   snap.SourceID,
			Divergence: verify.DivergenceStructural,
			Message:    "live source no longer produces a canonically hashable value",
			Halted:     true,
		}
		return report, true
	}

	isValid, divergence, message := c.verifier.VerifyAgainstCheckpoint(snap.Seq, canonical)
	if isValid {
		return nil, false
	}

	halted := c.classifier.ShouldHalt(divergence)
	report := &DivergenceReport{
		Seq:        snap.Seq,
		SourceID:   snap.SourceID,
		Divergence: divergence,
		Message:    message,
		Halted:     halted,
	}
	return report, halted
}

// Pause transitions Replaying to Paused. Returns false if the
// controller is not currently replaying.
func (c *Controller) Pause() bool {
	return c.state.CompareAndSwap(int32(StateReplaying), int32(StatePaused))
}

// Resume transitions Paused back to Replaying. Returns false if the
// controller is not currently paused.
func (c *Controller) Resume() bool {
	return c.state.CompareAndSwap(int32(StatePaused), int32(StateReplaying))
}

// Abort forces the controller into Aborted from any state.
func (c *Controller) Abort() {
	c.setState(StateAborted)
	c.guard.Deactivate()
}
