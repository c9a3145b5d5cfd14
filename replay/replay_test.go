// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/registry"
	"github.com/chronos-agent/chronos/sandbox"
	"github.com/chronos-agent/chronos/score"
	"github.com/chronos-agent/chronos/timeline"
	"github.com/chronos-agent/chronos/verify"
)

type fakeSource struct {
	id    string
	class timeline.DeterminismClass
	value any
	err   error
}

func (f *fakeSource) ID() string                      { return f.id }
func (f *fakeSource) DisplayName() string              { return f.id }
func (f *fakeSource) Class() timeline.DeterminismClass { return f.class }
func (f *fakeSource) CaptureState(context.Context) (any, error) {
	return f.value, f.err
}

type testCanonical struct{ text string }

func (c testCanonical) CanonicalBytes() ([]byte, bool) { return []byte(c.text), true }
func (c testCanonical) QualifiedTypeName() string      { return "replay_test.testCanonical" }

func highScoreEngine(reg *registry.Registry) *refusal.Engine {
	analyzer := analyzerFunc(func(classify.TypeDescriptor) classify.Analysis {
		return classify.Analysis{Class: timeline.Guaranteed, Score: 100}
	})
	describe := func(registry.Source) (classify.TypeDescriptor, score.SourceScore) {
		return classify.TypeDescriptor{}, score.SourceScore{Value: 100, Level: score.LevelPerfect, ReplayEligible: true}
	}
	return refusal.New(reg, analyzer, describe)
}

type analyzerFunc func(classify.TypeDescriptor) classify.Analysis

func (f analyzerFunc) AnalyzeType(d classify.TypeDescriptor) classify.Analysis { return f(d) }

func newController(t *testing.T, reg *registry.Registry) *Controller {
	t.Helper()
	guard := sandbox.New(sandbox.Config{})
	return New(reg, highScoreEngine(reg), guard)
}

func TestStartReplayRefusesWhenSessionBlocked(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	unsafeSrc := &fakeSource{id: "unsafe-1", class: timeline.Unsafe}
	if err := reg.Register(unsafeSrc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	result, err := c.StartReplay(context.Background(), nil)

	if !errors.Is(err, ErrDeterminismViolation) {
		t.Fatalf("err = %v, want ErrDeterminismViolation", err)
	}
	if result.FinalState != StateAborted {
		t.Errorf("FinalState = %v, want StateAborted", result.FinalState)
	}
	if c.CurrentState() != StateAborted {
		t.Errorf("CurrentState() = %v, want StateAborted", c.CurrentState())
	}
}

func TestStartReplayCompletesCleanSnapshotSequence(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	src := &fakeSource{id: "a", class: timeline.Guaranteed, value: "x"}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	events := []timeline.Event{
		&timeline.Snapshot{Seq: 1, SourceID: "a", ValueBytes: []byte("x")},
	}

	result, err := c.StartReplay(context.Background(), events)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if result.FinalState != StateCompleted {
		t.Errorf("FinalState = %v, want StateCompleted", result.FinalState)
	}
	if result.EventsPlayed != 1 {
		t.Errorf("EventsPlayed = %d, want 1", result.EventsPlayed)
	}
	if len(result.Divergences) != 0 {
		t.Errorf("Divergences = %v, want none", result.Divergences)
	}
	if c.guard.Active() {
		t.Error("expected the sandbox guard to be deactivated after a completed replay")
	}
}

func TestStartReplayHaltsOnMissingSource(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	// A registered Guaranteed source keeps the session score at 100, so
	// preflight passes; an empty registry scores 0 and is refused.
	src := &fakeSource{id: "a", class: timeline.Guaranteed, value: "x"}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	events := []timeline.Event{
		&timeline.Snapshot{Seq: 1, SourceID: "ghost", ValueBytes: []byte("x")},
	}

	result, err := c.StartReplay(context.Background(), events)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if result.FinalState != StateAborted {
		t.Fatalf("FinalState = %v, want StateAborted", result.FinalState)
	}
	if len(result.Divergences) != 1 || result.Divergences[0].Divergence != verify.DivergenceStructural {
		t.Errorf("Divergences = %+v, want one Structural divergence", result.Divergences)
	}
}

func TestStartReplayHaltsOnCheckpointMismatch(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	src := &fakeSource{id: "a", class: timeline.Verifiable, value: testCanonical{text: "live-value"}}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	recordedHash, err := verify.HashValue(testCanonical{text: "recorded-value"})
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}

	c := newController(t, reg)
	events := []timeline.Event{
		&timeline.Snapshot{Seq: 1, SourceID: "a", CheckpointHash: &recordedHash},
	}

	result, err := c.StartReplay(context.Background(), events)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if result.FinalState != StateAborted {
		t.Fatalf("FinalState = %v, want StateAborted", result.FinalState)
	}
	if len(result.Divergences) != 1 || result.Divergences[0].Divergence != verify.DivergenceStructural {
		t.Errorf("Divergences = %+v, want one Structural divergence", result.Divergences)
	}
}

func TestStartReplayAllowsMatchingCheckpoint(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	src := &fakeSource{id: "a", class: timeline.Verifiable, value: testCanonical{text: "same-value"}}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	recordedHash, err := verify.HashValue(testCanonical{text: "same-value"})
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}

	c := newController(t, reg)
	events := []timeline.Event{
		&timeline.Snapshot{Seq: 1, SourceID: "a", CheckpointHash: &recordedHash},
	}

	result, err := c.StartReplay(context.Background(), events)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if result.FinalState != StateCompleted {
		t.Errorf("FinalState = %v, want StateCompleted, divergences=%+v", result.FinalState, result.Divergences)
	}
}

func TestPauseOnlySucceedsWhileReplaying(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()
	c := newController(t, reg)

	if c.Pause() {
		t.Error("expected Pause to fail from Idle")
	}

	c.setState(StateReplaying)
	if !c.Pause() {
		t.Error("expected Pause to succeed from Replaying")
	}
	if c.CurrentState() != StatePaused {
		t.Errorf("CurrentState() = %v, want StatePaused", c.CurrentState())
	}

	if !c.Resume() {
		t.Error("expected Resume to succeed from Paused")
	}
	if c.CurrentState() != StateReplaying {
		t.Errorf("CurrentState() = %v, want StateReplaying", c.CurrentState())
	}
}

func TestStartReplayWarnsAboutRegisteredConditionalSources(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	guaranteed := &fakeSource{id: "a", class: timeline.Guaranteed, value: "x"}
	risky := &fakeSource{id: "b", class: timeline.Conditional, value: "y"}
	if err := reg.Register(guaranteed); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(risky); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	result, err := c.StartReplay(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}

	if len(result.Warnings) != 1 {
		t.Fatalf("len(Warnings) = %d, want 1: %v", len(result.Warnings), result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "b") || !strings.Contains(result.Warnings[0], "conditional") {
		t.Errorf("Warnings[0] = %q, want it to name source %q and class %q", result.Warnings[0], "b", "conditional")
	}
}

func TestStartReplayProducesNoWarningsWithOnlyGuaranteedSources(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	src := &fakeSource{id: "a", class: timeline.Guaranteed, value: "x"}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	result, err := c.StartReplay(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", result.Warnings)
	}
}

func TestStartReplayAcknowledgesCheckpointsDistinctlyFromGapsAndLogs(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()

	src := &fakeSource{id: "a", class: timeline.Guaranteed, value: "x"}
	if err := reg.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := newController(t, reg)
	events := []timeline.Event{
		&timeline.Checkpoint{Seq: 1, CheckpointID: "cp-1", SourceCount: 2},
		&timeline.Gap{Seq: 2, Reason: timeline.ReasonRateLimit},
		&timeline.Log{Seq: 3, Level: timeline.LogInfo, Message: "hello"},
	}

	result, err := c.StartReplay(context.Background(), events)
	if err != nil {
		t.Fatalf("StartReplay: %v", err)
	}
	if result.FinalState != StateCompleted {
		t.Fatalf("FinalState = %v, want StateCompleted", result.FinalState)
	}
	if result.EventsPlayed != 3 {
		t.Errorf("EventsPlayed = %d, want 3", result.EventsPlayed)
	}
	if result.CheckpointsAcknowledged != 1 {
		t.Errorf("CheckpointsAcknowledged = %d, want 1", result.CheckpointsAcknowledged)
	}
}

func TestAbortDeactivatesGuardFromAnyState(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	defer reg.Close()
	c := newController(t, reg)

	c.guard.Activate()
	c.Abort()

	if c.CurrentState() != StateAborted {
		t.Errorf("CurrentState() = %v, want StateAborted", c.CurrentState())
	}
	if c.guard.Active() {
		t.Error("expected Abort to deactivate the guard")
	}
}
