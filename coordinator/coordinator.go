// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator lets several chronos-agent processes on the same
// machine agree on who leads a coordinated replay and stay within a
// bounded sequence-number skew of each other, using a single
// same-machine shared secret rather than any asymmetric trust model.
package coordinator

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronos-agent/chronos/internal/clock"
	"github.com/chronos-agent/chronos/internal/secretbuf"
)

// ErrInvalidToken is returned when a caller-supplied token fails the
// constant-time comparison against the token minted for that pid.
var ErrInvalidToken = errors.New("coordinator: invalid token")

// maxSequenceSkew is the largest allowed gap between the most-ahead and
// most-behind process's last reported sequence number.
const maxSequenceSkew = 100

// minuteBucket returns the number of whole minutes from the Unix epoch
// to t, matching the
// freshness window baked into each registration token.
func minuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

type processState struct {
	name        string
	token       []byte
	isReplaying bool
	lastSeq     uint64
}

// Coordinator tracks every registered process's identity token and
// replay state. Safe for concurrent use.
type Coordinator struct {
	secret *secretbuf.Buffer
	logger *slog.Logger
	clock  clock.Clock

	mu          sync.Mutex
	processes   map[int]*processState
	coordinator int
	hasCoord    bool
}

// New generates a random 32-byte shared secret and returns an empty
// Coordinator. Call Close to release the secret buffer. A nil c
// defaults to clock.Real().
func New(c clock.Clock, logger *slog.Logger) (*Coordinator, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("coordinator: generating shared secret: %w", err)
	}
	buf, err := secretbuf.NewFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("coordinator: guarding shared secret: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Coordinator{
		secret:    buf,
		logger:    logger,
		clock:     c,
		processes: make(map[int]*processState),
	}, nil
}

// Close releases the shared secret buffer.
func (c *Coordinator) Close() error {
	return c.secret.Close()
}

// RegisterProcess mints a token for pid binding its identity to name
// and the current minute bucket, and returns the token the process must
// present to UpdateReplayState.
func (c *Coordinator) RegisterProcess(pid int, name string) ([]byte, error) {
	token := c.sign(fmt.Sprintf("%d:%s:%d", pid, name, minuteBucket(c.clock.Now())))

	c.mu.Lock()
	c.processes[pid] = &processState{name: name, token: token}
	c.mu.Unlock()

	return token, nil
}

// BecomeCoordinator designates pid as the coordinating process.
// Idempotent: calling it again with the same pid is a no-op, and
// calling it with a different pid simply replaces the prior
// coordinator.
func (c *Coordinator) BecomeCoordinator(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator = pid
	c.hasCoord = true
}

// CoordinatorPID returns the current coordinating pid, if one has been
// designated.
func (c *Coordinator) CoordinatorPID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator, c.hasCoord
}

// UpdateReplayState records pid's current replay state after verifying
// token against the one minted for pid in RegisterProcess, using a
// constant-time comparison. Returns ErrInvalidToken on mismatch,
// logging the failure without the token bytes themselves.
func (c *Coordinator) UpdateReplayState(pid int, isReplaying bool, seq uint64, token []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	proc, ok := c.processes[pid]
	if !ok {
		return fmt.Errorf("coordinator: pid %d is not registered", pid)
	}
	if !hmac.Equal(proc.token, token) {
		c.logger.Warn("replay state update rejected: invalid token", "pid", pid)
		return ErrInvalidToken
	}

	proc.isReplaying = isReplaying
	proc.lastSeq = seq
	return nil
}

// AreProcessesSynchronized reports whether every currently-replaying
// process's last reported sequence number is within maxSequenceSkew of
// every other's.
func (c *Coordinator) AreProcessesSynchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var minSeq, maxSeq uint64
	seen := false
	for _, proc := range c.processes {
		if !proc.isReplaying {
			continue
		}
		if !seen {
			minSeq, maxSeq = proc.lastSeq, proc.lastSeq
			seen = true
			continue
		}
		if proc.lastSeq < minSeq {
			minSeq = proc.lastSeq
		}
		if proc.lastSeq > maxSeq {
			maxSeq = proc.lastSeq
		}
	}
	if !seen {
		return true
	}
	return maxSeq-minSeq <= maxSequenceSkew
}

// SignedEvent is a cross-process event envelope authenticated with the
// shared secret.
type SignedEvent struct {
	PID       int
	Seq       uint64
	EventType string
	Signature []byte
}

// SignEvent produces a SignedEvent over "{pid}:{seq}:{type}".
func (c *Coordinator) SignEvent(pid int, seq uint64, eventType string) SignedEvent {
	sig := c.sign(fmt.Sprintf("%d:%d:%s", pid, seq, eventType))
	return SignedEvent{PID: pid, Seq: seq, EventType: eventType, Signature: sig}
}

// ReceiveEvent verifies event's signature against the shared secret.
// An invalid signature is dropped and logged rather than returned to
// the caller, matching how a compromised or buggy peer's bad event
// should be handled: silently ignored, not escalated into an error the
// caller must specially handle.
func (c *Coordinator) ReceiveEvent(event SignedEvent) (ok bool) {
	want := c.sign(fmt.Sprintf("%d:%d:%s", event.PID, event.Seq, event.EventType))
	if hmac.Equal(want, event.Signature) {
		return true
	}
	c.logger.Warn("dropped event with invalid signature", "pid", event.PID, "seq", event.Seq)
	return false
}

func (c *Coordinator) sign(message string) []byte {
	mac := hmac.New(sha256.New, c.secret.Bytes())
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
