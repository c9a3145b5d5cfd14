// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"

	"github.com/chronos-agent/chronos/internal/codec"
	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/replay"
)

// ipcRequest is the CBOR envelope a host-facing client sends over the
// secureipc channel. Command selects which Runtime accessor to call;
// the remaining host-facing methods (RegisterSource, StartReplay, and
// so on) require Go values the wire format can't carry and stay
// in-process-only.
type ipcRequest struct {
	Command string
}

// ipcResponse is the CBOR envelope sent back. Exactly one of the
// result fields is populated, matching Command; Error is set instead
// on failure.
type ipcResponse struct {
	Error             string          `cbor:"error,omitempty"`
	RefusalReport     *refusal.Report `cbor:"refusal_report,omitempty"`
	DivergenceReport  *replay.Result  `cbor:"divergence_report,omitempty"`
	RegisteredSources []SourceInfo    `cbor:"registered_sources,omitempty"`
}

// handleIPCRequest implements secureipc.Handler, dispatching a decoded
// ipcRequest to the matching Runtime accessor and encoding the result.
func (r *Runtime) handleIPCRequest(ctx context.Context, requestBytes []byte) ([]byte, error) {
	var req ipcRequest
	if err := codec.Unmarshal(requestBytes, &req); err != nil {
		return codec.Marshal(ipcResponse{Error: fmt.Sprintf("decoding request: %v", err)})
	}

	var resp ipcResponse
	switch req.Command {
	case "refusal_report":
		report := r.GetRefusalReport()
		resp.RefusalReport = &report
	case "divergence_report":
		report := r.GetDivergenceReport()
		resp.DivergenceReport = &report
	case "registered_sources":
		resp.RegisteredSources = r.GetRegisteredSources()
	default:
		resp.Error = fmt.Sprintf("unknown command %q", req.Command)
	}

	return codec.Marshal(resp)
}
