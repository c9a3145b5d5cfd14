// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretbuf guards session tokens, AES keys, and the
// multi-process coordinator's shared HMAC secret in memory that is
// locked against swap, excluded from core dumps, and zeroed on close.
//
// The backing memory is allocated via mmap outside the Go heap, so the
// garbage collector never copies or relocates it — the only way to
// guarantee secret material does not linger in memory it no longer
// controls.
package secretbuf

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data that is mlocked, excluded from core dumps
// via MADV_DONTDUMP, and zeroed on Close.
//
// A Buffer must not be copied after creation. Reading a closed Buffer
// panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a guarded buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secretbuf: size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secretbuf: mmap failed: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secretbuf: mlock failed: %w", err)
	}

	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secretbuf: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes copies source into a guarded buffer and zeroes the
// caller's copy, so the secret no longer exists outside the Buffer.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secretbuf: cannot create buffer from empty source")
	}

	buf, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(buf.data, source)
	for i := range source {
		source[i] = 0
	}

	return buf, nil
}

// Bytes returns the guarded data. The slice points directly into the
// mmap region; do not retain it beyond the Buffer's lifetime. Panics if
// the buffer is closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secretbuf: read from closed buffer")
	}
	return b.data[:b.length]
}

// Equal reports whether candidate matches the guarded contents, using a
// constant-time comparison so a session-token or coordinator-secret
// check can't leak timing information about where the first mismatched
// byte falls. A length mismatch is itself constant-time: it is checked
// before comparison rather than by a short-circuiting loop. Panics if
// the buffer is closed.
func (b *Buffer) Equal(candidate []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secretbuf: read from closed buffer")
	}
	if len(candidate) != b.length {
		return false
	}
	return subtle.ConstantTimeCompare(b.data[:b.length], candidate) == 1
}

// Len returns the buffer's size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeros, unlocks, and unmaps the buffer. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.data {
		b.data[i] = 0
	}

	var firstErr error
	if err := unix.Munlock(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secretbuf: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secretbuf: munmap failed: %w", err)
	}

	b.data = nil
	return firstErr
}
