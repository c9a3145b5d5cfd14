// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

//go:build debug

package agent

import (
	"context"
	"fmt"
)

// Initialize starts the memory pressure monitor's poll loop and the
// secure IPC listener. Call once; ctx cancellation stops the IPC
// accept loop, but the memory monitor keeps running until Close.
func (r *Runtime) Initialize(ctx context.Context) error {
	if r.ipcListenPath == "" {
		return fmt.Errorf("agent: IPCListenPath is required to initialize")
	}

	r.pressure.Start()
	r.started.Store(true)

	go func() {
		if err := r.ipc.Start(ctx, r.ipcListenPath); err != nil {
			r.logger.Error("secure IPC listener stopped", "error", err)
		}
	}()

	return nil
}
