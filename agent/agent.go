// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent composes every other package into the single runtime
// object a host process drives: register sources, record their state,
// evaluate refusal, replay a timeline, and serve the host-facing API
// over a secure IPC channel. Nothing here runs unless a host creates a
// Runtime and calls its methods — there are no package-level
// singletons.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/contract"
	"github.com/chronos-agent/chronos/coordinator"
	"github.com/chronos-agent/chronos/internal/clock"
	"github.com/chronos-agent/chronos/mempressure"
	"github.com/chronos-agent/chronos/recorder"
	"github.com/chronos-agent/chronos/redact"
	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/registry"
	"github.com/chronos-agent/chronos/replay"
	"github.com/chronos-agent/chronos/ringbuffer"
	"github.com/chronos-agent/chronos/sandbox"
	"github.com/chronos-agent/chronos/score"
	"github.com/chronos-agent/chronos/secureipc"
	"github.com/chronos-agent/chronos/timeline"
)

// defaultMemPollInterval is how often the memory pressure monitor polls
// when Config.MemPollInterval is left zero.
const defaultMemPollInterval = 5 * time.Second

// Config configures a Runtime. Every field is optional; the zero value
// of each falls back to that component's own default.
type Config struct {
	Clock           clock.Clock
	Logger          *slog.Logger
	BufferCapacity  int
	RedactStrategy  redact.Strategy
	Classifier      *classify.StaticClassifier
	Contract        *contract.Contract
	MemPollInterval time.Duration

	// IPCListenPath is the Unix domain socket path Initialize listens
	// on. Required for a debug build's Initialize to succeed; ignored
	// by the release stub.
	IPCListenPath string
}

// SourceInfo is the host-facing summary of one registered source,
// deliberately omitting anything score- or risk-related: that detail
// lives behind GetRefusalReport, not the plain registration listing.
type SourceInfo struct {
	ID          string
	DisplayName string
	Class       timeline.DeterminismClass
}

// Runtime is the composite agent: one instance each of every
// recording, scoring, replay, and transport component, wired together
// behind a single host-facing facade (design note's "scoped runtime
// object" in place of package-level singletons).
type Runtime struct {
	clock  clock.Clock
	logger *slog.Logger

	registry    *registry.Registry
	buffer      *ringbuffer.Buffer
	recorder    *recorder.Recorder
	pressure    *mempressure.Monitor
	classifier  *classify.StaticClassifier
	contract    *contract.Contract
	scorer      *score.Scorer
	refusal     *refusal.Engine
	guard       *sandbox.Guard
	replay      *replay.Controller
	coordinator *coordinator.Coordinator
	ipc         *secureipc.Server

	ipcListenPath string
	started       atomic.Bool

	mu          sync.Mutex
	descriptors map[string]classify.TypeDescriptor
	lastReplay  replay.Result
}

// New validates config and wires every component together. Classifier
// and Contract default to classify.DefaultClassifier() and an empty
// contract.New() respectively.
func New(config Config) (*Runtime, error) {
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redactor := config.RedactStrategy
	if redactor == nil {
		redactor = redact.New()
	}
	classifier := config.Classifier
	if classifier == nil {
		classifier = classify.DefaultClassifier()
	}
	contr := config.Contract
	if contr == nil {
		contr = contract.New()
	}
	pollInterval := config.MemPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultMemPollInterval
	}

	buffer := ringbuffer.New(config.BufferCapacity)
	rec, err := recorder.New(c, buffer, redactor, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: creating recorder: %w", err)
	}

	reg := registry.New()
	scorer := score.NewScorer(classifier, contr)
	guard := sandbox.New(sandbox.Config{Logger: logger, Clock: c})
	coord, err := coordinator.New(c, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: creating coordinator: %w", err)
	}

	r := &Runtime{
		clock:         c,
		logger:        logger,
		registry:      reg,
		buffer:        buffer,
		recorder:      rec,
		pressure:      mempressure.New(c, pollInterval),
		classifier:    classifier,
		contract:      contr,
		scorer:        scorer,
		guard:         guard,
		coordinator:   coord,
		ipcListenPath: config.IPCListenPath,
		descriptors:   make(map[string]classify.TypeDescriptor),
	}
	r.refusal = refusal.New(reg, classifier, r.describeSource)
	r.replay = replay.New(reg, r.refusal, guard)

	ipc, err := secureipc.New(secureipc.Config{
		Handler: r.handleIPCRequest,
		Clock:   c,
		Logger:  logger,
	})
	if err != nil {
		coord.Close()
		return nil, fmt.Errorf("agent: creating IPC server: %w", err)
	}
	r.ipc = ipc

	r.pressure.AddListener(func(paused bool) {
		if paused {
			r.recorder.SetLevel(recorder.LevelPaused)
			r.logger.Warn("recording paused: memory pressure")
			r.recorder.Log(timeline.LogWarn, "mempressure", "recording paused: memory pressure", "mempressure-monitor")
			return
		}
		r.recorder.ResetRecordingLevel()
		r.logger.Info("recording resumed: memory pressure eased")
		r.recorder.Log(timeline.LogInfo, "mempressure", "recording resumed: memory pressure eased", "mempressure-monitor")
	})

	return r, nil
}

// Close stops the memory monitor and IPC server and releases every
// guarded secret buffer. Safe to call even if Initialize was never
// called (the release build stub), in which case there is no running
// poll loop to stop.
func (r *Runtime) Close() error {
	if r.started.Load() {
		r.pressure.Stop()
	}
	r.registry.Close()
	firstErr := r.ipc.Close()
	if err := r.ipc.CloseSecrets(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.coordinator.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RegisterSource adds source to the registry and remembers desc as the
// TypeDescriptor used to classify and score it for refusal reporting.
// Fails with an error wrapping registry.ErrAlreadyRegistered if
// source.ID() is already registered.
func (r *Runtime) RegisterSource(source registry.Source, desc classify.TypeDescriptor) error {
	if err := r.registry.Register(source); err != nil {
		return err
	}
	r.mu.Lock()
	r.descriptors[source.ID()] = desc
	r.mu.Unlock()
	return nil
}

// UnregisterSource removes sourceID from the registry and drops its
// remembered TypeDescriptor.
func (r *Runtime) UnregisterSource(sourceID string) error {
	if err := r.registry.Unregister(sourceID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.descriptors, sourceID)
	r.mu.Unlock()
	return nil
}

// SetRecordingLevel forces the recorder to level, overriding whatever
// the degradation ladder had demoted it to. Pass recorder.LevelFull to
// undo a manual override and let the ladder resume auto-demoting.
func (r *Runtime) SetRecordingLevel(level recorder.Level) {
	r.recorder.SetLevel(level)
}

// GetRefusalReport re-evaluates the refusal engine against the
// currently registered sources.
func (r *Runtime) GetRefusalReport() refusal.Report {
	return r.refusal.Evaluate()
}

// GetDivergenceReport returns the Result of the most recent StartReplay
// call. Its zero value (StateIdle, no divergences) is returned if no
// replay has run yet.
func (r *Runtime) GetDivergenceReport() replay.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReplay
}

// GetRegisteredSources lists every currently registered source.
func (r *Runtime) GetRegisteredSources() []SourceInfo {
	sources := r.registry.All()
	infos := make([]SourceInfo, 0, len(sources))
	for _, s := range sources {
		infos = append(infos, SourceInfo{ID: s.ID(), DisplayName: s.DisplayName(), Class: s.Class()})
	}
	return infos
}

// GetIPCAuthToken returns the session token a host-facing client must
// present to secureipc's handshake. Never logged.
func (r *Runtime) GetIPCAuthToken() []byte {
	return r.ipc.AuthToken()
}

// StartReplay drives events through the replay controller and caches
// the Result for later retrieval via GetDivergenceReport.
func (r *Runtime) StartReplay(ctx context.Context, events []timeline.Event) (replay.Result, error) {
	result, err := r.replay.StartReplay(ctx, events)
	r.mu.Lock()
	r.lastReplay = result
	r.mu.Unlock()
	return result, err
}

// Record captures one source's current state through the recorder.
// threadName identifies the calling goroutine for the recorded event.
func (r *Runtime) Record(ctx context.Context, sourceID string, threadName string) error {
	source, ok := r.registry.Get(sourceID)
	if !ok {
		return registry.ErrNotRegistered
	}
	r.recorder.Record(ctx, source, threadName)
	return nil
}

// Events returns every event currently held in the ring buffer, oldest
// first, suitable for passing straight to StartReplay.
func (r *Runtime) Events() []timeline.Event {
	return r.buffer.GetAll()
}

// CreateCheckpoint computes a combined content hash over every
// currently registered Verifiable source's live state and records a
// Checkpoint event in the timeline under checkpointID.
func (r *Runtime) CreateCheckpoint(ctx context.Context, threadName, checkpointID string) *timeline.Checkpoint {
	sources := r.registry.GetByClass(timeline.Verifiable)
	return r.recorder.CreateCheckpoint(ctx, sources, threadName, checkpointID)
}

// Log records an informational event in the timeline, separate from
// the process-local slog output every component also emits.
func (r *Runtime) Log(level timeline.LogLevel, tag, message, threadName string) *timeline.Log {
	return r.recorder.Log(level, tag, message, threadName)
}

// describeSource resolves source to its remembered TypeDescriptor (or
// a name-only fallback if the host never supplied one) and its
// computed SourceScore, satisfying refusal.SourceDescriptor.
func (r *Runtime) describeSource(source registry.Source) (classify.TypeDescriptor, score.SourceScore) {
	r.mu.Lock()
	desc, ok := r.descriptors[source.ID()]
	r.mu.Unlock()
	if !ok {
		desc = classify.TypeDescriptor{Name: source.ID()}
	}

	_, sourceScore, _ := r.scorer.Score(desc)
	return desc, sourceScore
}
