// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package refusal assembles the report the agent shows when a
// recording cannot be safely replayed: which sources block it, why,
// and how a developer could fix each one.
package refusal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/registry"
	"github.com/chronos-agent/chronos/score"
	"github.com/chronos-agent/chronos/timeline"
)

// Effort estimates how much developer work a mitigation takes.
type Effort int

const (
	EffortLow Effort = iota
	EffortMedium
	EffortHigh
)

func (e Effort) String() string {
	switch e {
	case EffortHigh:
		return "high"
	case EffortMedium:
		return "medium"
	default:
		return "low"
	}
}

// Mitigation is a suggested fix for a blocking risk.
type Mitigation struct {
	Action string
	Effort Effort
}

// BlockingReason explains why a single source blocks replay.
type BlockingReason struct {
	SourceID string
	Risks    []classify.Risk
}

// Report is the full result of evaluating refusal. Only Report carries
// source identifiers; LogLine deliberately does not.
type Report struct {
	IsAllowed   bool
	Blocking    []BlockingReason
	Mitigations []Mitigation
}

// LogLine returns a generic, source-id-free summary safe to write to
// an unauthenticated log. Full detail (source IDs, individual risks)
// is only available by holding the Report itself.
func (r Report) LogLine() string {
	if r.IsAllowed {
		return "replay refusal check: allowed"
	}
	return fmt.Sprintf("replay refusal check: blocked, %d source(s), %d mitigation(s) available",
		len(r.Blocking), len(r.Mitigations))
}

// mitigationRules is evaluated in order against each risk's
// description; the first matching keyword decides the mitigation. The
// default fallback always applies if nothing else matched.
var mitigationRules = []struct {
	keyword string
	action  string
	effort  Effort
}{
	{keyword: "random", action: "inject a fixed seed", effort: EffortMedium},
	{keyword: "time", action: "inject a time provider", effort: EffortMedium},
	{keyword: "network", action: "exclude source, use cached data", effort: EffortLow},
	{keyword: "database", action: "use in-memory database", effort: EffortHigh},
}

const defaultMitigationAction = "use snapshot mode instead of replay"

func mitigationFor(risk classify.Risk) Mitigation {
	lower := strings.ToLower(risk.Description)
	for _, rule := range mitigationRules {
		if strings.Contains(lower, rule.keyword) {
			return Mitigation{Action: rule.action, Effort: rule.effort}
		}
	}
	return Mitigation{Action: defaultMitigationAction, Effort: EffortLow}
}

// Analyzer is the subset of classify.StaticClassifier the engine needs
// to re-derive a source's risks for the report.
type Analyzer interface {
	AnalyzeType(classify.TypeDescriptor) classify.Analysis
}

// SourceDescriptor resolves a registry.Source to the TypeDescriptor its
// risks should be computed from, and the SourceScore it was assigned.
type SourceDescriptor func(registry.Source) (classify.TypeDescriptor, score.SourceScore)

// Engine evaluates whether the currently registered set of sources
// allows replay.
type Engine struct {
	registry   *registry.Registry
	analyzer   Analyzer
	describe   SourceDescriptor
	sessionMin int
}

// New returns an Engine backed by reg, using analyzer to recompute
// each Unsafe source's risks and describe to resolve a source to its
// type descriptor and score.
func New(reg *registry.Registry, analyzer Analyzer, describe SourceDescriptor) *Engine {
	return &Engine{registry: reg, analyzer: analyzer, describe: describe, sessionMin: 80}
}

// Evaluate collects every registered Unsafe source, builds a
// BlockingReason for each, and derives deduplicated mitigations.
// IsAllowed holds only when there are no Unsafe sources and the
// session score is at least 80.
func (e *Engine) Evaluate() Report {
	unsafeSources := e.registry.GetByClass(timeline.Unsafe)

	blocking := make([]BlockingReason, 0, len(unsafeSources))
	seenActions := make(map[string]bool)
	var mitigations []Mitigation

	for _, source := range unsafeSources {
		desc, _ := e.describe(source)
		analysis := e.analyzer.AnalyzeType(desc)

		blocking = append(blocking, BlockingReason{SourceID: source.ID(), Risks: analysis.Risks})

		for _, risk := range analysis.Risks {
			m := mitigationFor(risk)
			if seenActions[m.Action] {
				continue
			}
			seenActions[m.Action] = true
			mitigations = append(mitigations, m)
		}
	}

	sort.Slice(blocking, func(i, j int) bool { return blocking[i].SourceID < blocking[j].SourceID })

	isAllowed := len(unsafeSources) == 0 && e.sessionScore() >= e.sessionMin

	return Report{IsAllowed: isAllowed, Blocking: blocking, Mitigations: mitigations}
}

// sessionScore recomputes the session score across every registered
// source, using describe and the analyzer the same way Evaluate builds
// blocking reasons, so the allowed-or-not verdict stays consistent
// with what the report's detail shows.
func (e *Engine) sessionScore() int {
	sources := e.registry.All()
	if len(sources) == 0 {
		return 0
	}

	anyUnsafe := false
	members := make([]score.SessionMember, 0, len(sources))

	for _, source := range sources {
		class := source.Class()
		if class == timeline.Unsafe {
			anyUnsafe = true
		}

		_, sourceScore := e.describe(source)
		members = append(members, score.SessionMember{Class: class, Score: sourceScore})
	}

	return score.ScoreSession(members, anyUnsafe).Value
}
