// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/chronos-agent/chronos/agent"
	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/internal/codec"
	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/replay"
	"github.com/chronos-agent/chronos/secureipc"
	"github.com/chronos-agent/chronos/timeline"
)

// inspectorSource is whatever the inspector is pointed at: a running
// agent over its secureipc socket, or an in-process demo runtime. Both
// implementations return a CBOR diagnostic-notation rendering of the
// encoded response alongside the decoded value so the raw-frame view
// has something to show.
type inspectorSource interface {
	RefusalReport(ctx context.Context) (refusal.Report, string, error)
	DivergenceReport(ctx context.Context) (replay.Result, string, error)
	RegisteredSources(ctx context.Context) ([]agent.SourceInfo, string, error)
	Close() error
}

// ipcRequest and ipcResponse mirror the unexported envelope types
// agent/ipc.go encodes and decodes. The wire format is the contract
// between the two binaries; this process has no import path to the
// agent package's private types, so it declares its own copy.
type ipcRequest struct {
	Command string
}

type ipcResponse struct {
	Error             string             `cbor:"error,omitempty"`
	RefusalReport     *refusal.Report    `cbor:"refusal_report,omitempty"`
	DivergenceReport  *replay.Result     `cbor:"divergence_report,omitempty"`
	RegisteredSources []agent.SourceInfo `cbor:"registered_sources,omitempty"`
}

// ipcSource queries a live agent process over its secureipc socket.
type ipcSource struct {
	client *secureipc.Client
}

func newIPCSource(addr string, authToken []byte) *ipcSource {
	return &ipcSource{client: secureipc.NewClient(addr, authToken)}
}

func (s *ipcSource) call(ctx context.Context, command string) (ipcResponse, string, error) {
	requestBytes, err := codec.Marshal(ipcRequest{Command: command})
	if err != nil {
		return ipcResponse{}, "", err
	}

	responseBytes, err := s.client.Call(ctx, requestBytes)
	if err != nil {
		return ipcResponse{}, "", err
	}

	var resp ipcResponse
	if err := codec.Unmarshal(responseBytes, &resp); err != nil {
		return ipcResponse{}, "", err
	}

	diagnostic, diagErr := codec.Diagnose(responseBytes)
	if diagErr != nil {
		diagnostic = ""
	}

	if resp.Error != "" {
		return ipcResponse{}, diagnostic, errRemote(resp.Error)
	}
	return resp, diagnostic, nil
}

func (s *ipcSource) RefusalReport(ctx context.Context) (refusal.Report, string, error) {
	resp, raw, err := s.call(ctx, "refusal_report")
	if err != nil || resp.RefusalReport == nil {
		return refusal.Report{}, raw, err
	}
	return *resp.RefusalReport, raw, nil
}

func (s *ipcSource) DivergenceReport(ctx context.Context) (replay.Result, string, error) {
	resp, raw, err := s.call(ctx, "divergence_report")
	if err != nil || resp.DivergenceReport == nil {
		return replay.Result{}, raw, err
	}
	return *resp.DivergenceReport, raw, nil
}

func (s *ipcSource) RegisteredSources(ctx context.Context) ([]agent.SourceInfo, string, error) {
	resp, raw, err := s.call(ctx, "registered_sources")
	if err != nil {
		return nil, raw, err
	}
	return resp.RegisteredSources, raw, nil
}

func (s *ipcSource) Close() error { return nil }

// remoteError is returned when the agent's handler reports a decoded
// application-level error rather than a transport failure.
type remoteError string

func (e remoteError) Error() string { return string(e) }

func errRemote(message string) error { return remoteError(message) }

// demoSource runs an in-process agent.Runtime seeded with a small,
// fixed set of sources so the inspector can be tried without a live
// agent to dial. There is no wire round trip, so raw-frame output
// falls back to diagnosing a re-encoding of the value instead of a
// captured response.
type demoSource struct {
	runtime *agent.Runtime
}

type demoStaticSource struct {
	id    string
	class timeline.DeterminismClass
	value string
}

func (s *demoStaticSource) ID() string                      { return s.id }
func (s *demoStaticSource) DisplayName() string              { return s.id }
func (s *demoStaticSource) Class() timeline.DeterminismClass { return s.class }
func (s *demoStaticSource) CaptureState(context.Context) (any, error) {
	return s.value, nil
}

func newDemoSource() (*demoSource, error) {
	runtime, err := agent.New(agent.Config{})
	if err != nil {
		return nil, err
	}

	seeds := []struct {
		id    string
		class timeline.DeterminismClass
		value string
	}{
		{id: "config.BuildVersion", class: timeline.Guaranteed, value: "v0.1.0"},
		{id: "cache.HitCounter", class: timeline.Verifiable, value: "4217"},
		{id: "clock.WallTime", class: timeline.Conditional, value: "2026-08-06T00:00:00Z"},
		{id: "net.UpstreamFetch", class: timeline.Unsafe, value: "<network call>"},
	}

	ctx := context.Background()
	for _, seed := range seeds {
		src := &demoStaticSource{id: seed.id, class: seed.class, value: seed.value}
		desc := classify.TypeDescriptor{Name: seed.id, Kind: classify.KindPureData}
		if err := runtime.RegisterSource(src, desc); err != nil {
			runtime.Close()
			return nil, err
		}
		if err := runtime.Record(ctx, seed.id, "demo"); err != nil {
			runtime.Close()
			return nil, err
		}
	}

	return &demoSource{runtime: runtime}, nil
}

func diagnoseValue(v any) string {
	encoded, err := codec.Marshal(v)
	if err != nil {
		return ""
	}
	diagnostic, err := codec.Diagnose(encoded)
	if err != nil {
		return ""
	}
	return diagnostic
}

func (s *demoSource) RefusalReport(ctx context.Context) (refusal.Report, string, error) {
	report := s.runtime.GetRefusalReport()
	return report, diagnoseValue(report), nil
}

func (s *demoSource) DivergenceReport(ctx context.Context) (replay.Result, string, error) {
	events := s.runtime.Events()
	result, err := s.runtime.StartReplay(ctx, events)
	return result, diagnoseValue(result), err
}

func (s *demoSource) RegisteredSources(ctx context.Context) ([]agent.SourceInfo, string, error) {
	infos := s.runtime.GetRegisteredSources()
	return infos, diagnoseValue(infos), nil
}

func (s *demoSource) Close() error { return s.runtime.Close() }
