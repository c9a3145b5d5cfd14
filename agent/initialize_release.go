// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !debug

package agent

import "context"

// Initialize is a no-op in release builds. Recording never runs in a
// release binary (spec's explicit non-goal); a release build still
// links package agent so host code compiles unconditionally, but
// starting the memory monitor and the IPC listener here would open an
// unauthenticated-by-default local socket for no purpose.
func (r *Runtime) Initialize(ctx context.Context) error {
	return nil
}
