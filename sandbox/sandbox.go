// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox guards against side-effecting operations while a
// replay is in progress. It is an in-process operation guard, not an
// OS-level container: there is no subprocess to isolate, only the
// replayed code's own calls into the outside world to intercept.
package sandbox

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronos-agent/chronos/internal/clock"
)

// OperationKind identifies the category of operation a guarded call
// site is about to perform.
type OperationKind int

const (
	OperationNetwork OperationKind = iota
	OperationDatabase
	OperationFilesystem
	OperationSystemService
	OperationIPC
)

func (k OperationKind) String() string {
	switch k {
	case OperationNetwork:
		return "network"
	case OperationDatabase:
		return "database"
	case OperationFilesystem:
		return "filesystem"
	case OperationSystemService:
		return "system_service"
	case OperationIPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// Access distinguishes a read from a write for the two kinds where the
// guard permits one and blocks the other.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessRead {
		return "read"
	}
	return "write"
}

// BlockedOperation is one logged attempt at a guarded operation.
type BlockedOperation struct {
	Kind        OperationKind
	Access      Access
	Description string
	Blocked     bool
	Time        time.Time
}

// Config holds the logger and clock injected into a Guard.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock
}

// Guard is a single volatile boolean: active during replay, inactive
// otherwise. ShouldBlock consults it on every call; when inactive the
// guard is a no-op that never blocks and never logs.
type Guard struct {
	active atomic.Bool
	logger *slog.Logger
	clock  clock.Clock

	mu  sync.Mutex
	log []BlockedOperation
}

// New creates an inactive Guard.
func New(config Config) *Guard {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Guard{logger: logger, clock: c}
}

// Activate begins guarding operations. Idempotent.
func (g *Guard) Activate() { g.active.Store(true) }

// Deactivate stops guarding operations. Idempotent. Safe to call from
// a defer on every exit path of the code that called Activate.
func (g *Guard) Deactivate() { g.active.Store(false) }

// Active reports whether the guard is currently intercepting
// operations.
func (g *Guard) Active() bool { return g.active.Load() }

// ShouldBlock records and decides whether a guarded call site should
// proceed. Network, SystemService, and IPC operations are blocked
// outright during replay. Database and Filesystem reads are permitted
// but still logged, since a read can still observe external drift even
// though it cannot cause it; writes to either are blocked.
//
// Returns false (never blocks) whenever the guard is inactive.
func (g *Guard) ShouldBlock(kind OperationKind, access Access, description string) bool {
	if !g.active.Load() {
		return false
	}

	blocked := true
	switch kind {
	case OperationDatabase, OperationFilesystem:
		blocked = access == AccessWrite
	}

	g.mu.Lock()
	g.log = append(g.log, BlockedOperation{
		Kind:        kind,
		Access:      access,
		Description: description,
		Blocked:     blocked,
		Time:        g.clock.Now(),
	})
	g.mu.Unlock()

	if blocked {
		g.logger.Warn("blocked operation during replay",
			"kind", kind.String(),
			"access", access.String(),
			"description", description,
		)
	} else {
		g.logger.Debug("permitted read during replay",
			"kind", kind.String(),
			"description", description,
		)
	}

	return blocked
}

// Log returns a copy of every operation observed since the guard was
// created or last Reset.
func (g *Guard) Log() []BlockedOperation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]BlockedOperation(nil), g.log...)
}

// Reset clears the operation log, so a later Log returns only the
// operations observed after the call.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = nil
}
