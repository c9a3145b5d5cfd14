// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package score computes per-source and per-session determinism
// scores from a source's class, its static-analyzer score, and its
// declared tags — pure arithmetic over already-computed inputs.
package score

import (
	"github.com/chronos-agent/chronos/classify"
	"github.com/chronos-agent/chronos/contract"
	"github.com/chronos-agent/chronos/timeline"
)

// Level buckets a numeric score into the four bands spec §4.6 names.
type Level int

const (
	LevelUnsafe Level = iota
	LevelConditional
	LevelHigh
	LevelPerfect
)

func (l Level) String() string {
	switch l {
	case LevelPerfect:
		return "perfect"
	case LevelHigh:
		return "high"
	case LevelConditional:
		return "conditional"
	default:
		return "unsafe"
	}
}

func levelFor(value int) Level {
	switch {
	case value >= 100:
		return LevelPerfect
	case value >= 80:
		return LevelHigh
	case value >= 50:
		return LevelConditional
	default:
		return LevelUnsafe
	}
}

// baseScoreByClass is the starting score for a source before it is
// intersected with the static analyzer's finding.
var baseScoreByClass = map[timeline.DeterminismClass]int{
	timeline.Guaranteed:  100,
	timeline.Verifiable:  85,
	timeline.Conditional: 60,
	timeline.Unsafe:      0,
}

// SourceScore is the scored outcome for a single registered source.
type SourceScore struct {
	Value          int
	Level          Level
	ReplayEligible bool
}

// ScoreSource computes a source's score: the class's base score,
// intersected (min) with the static analyzer's score, plus a +10 bonus
// if the source carries an explicit Deterministic tag. The bonus is
// applied unconditionally and the result clamped to 100 afterward — a
// source already at 100 is unaffected, rather than the bonus being
// skipped outright when already at the ceiling.
func ScoreSource(class timeline.DeterminismClass, staticScore int, hasDeterministicTag bool) SourceScore {
	value := baseScoreByClass[class]
	if staticScore < value {
		value = staticScore
	}
	if hasDeterministicTag {
		value += 10
	}
	if value > 100 {
		value = 100
	}
	if value < 0 {
		value = 0
	}

	return SourceScore{
		Value:          value,
		Level:          levelFor(value),
		ReplayEligible: value >= 80,
	}
}

// SessionScore is the scored outcome for an entire recording session.
type SessionScore struct {
	Value          int
	ReplayEligible bool
}

// SessionMember pairs one source's class with its already-computed
// SourceScore, the two inputs ScoreSession needs per source.
type SessionMember struct {
	Class timeline.DeterminismClass
	Score SourceScore
}

// ScoreSession computes a session's score from its members. If
// anyUnsafe is true, the session score is forced to 0 and
// replay-ineligible regardless of every member's score. Otherwise it
// averages two figures: the mean of every member's SourceScore.Value
// (avgStaticScore — already class-intersected by ScoreSource, not the
// raw analyzer score), and the mean of each member's class base weight
// (classWeightedAvg).
func ScoreSession(members []SessionMember, anyUnsafe bool) SessionScore {
	if anyUnsafe || len(members) == 0 {
		return SessionScore{Value: 0, ReplayEligible: false}
	}

	sumScores := 0
	sumWeights := 0
	for _, m := range members {
		sumScores += m.Score.Value
		sumWeights += baseScoreByClass[m.Class]
	}

	avgStaticScore := sumScores / len(members)
	classWeightedAvg := sumWeights / len(members)
	value := (avgStaticScore + classWeightedAvg) / 2

	return SessionScore{
		Value:          value,
		ReplayEligible: value >= 80,
	}
}

// Analyzer is the subset of classify.StaticClassifier Scorer needs.
// Satisfied directly by *classify.StaticClassifier.
type Analyzer interface {
	AnalyzeType(classify.TypeDescriptor) classify.Analysis
}

// Scorer ties the static analyzer, a source's developer-declared
// contract annotations, and ScoreSource together: the single place
// that resolves one registered source's effective determinism class
// and score from its declared type shape.
type Scorer struct {
	analyzer Analyzer
	contract *contract.Contract
}

// NewScorer returns a Scorer backed by analyzer and contract.
func NewScorer(analyzer Analyzer, c *contract.Contract) *Scorer {
	return &Scorer{analyzer: analyzer, contract: c}
}

// Score resolves desc's effective class (an annotation override or
// tag takes precedence over the analyzer's structural finding) and
// computes its SourceScore, along with the analyzer's risk findings
// for use in a refusal report.
func (s *Scorer) Score(desc classify.TypeDescriptor) (timeline.DeterminismClass, SourceScore, []classify.Risk) {
	analysis := s.analyzer.AnalyzeType(desc)

	class := analysis.Class
	hasDeterministicTag := false
	if s.contract != nil {
		if declared, _, _ := s.contract.CheckAnnotations(desc.Name); declared != nil {
			class = *declared
		}
		for _, tag := range s.contract.Tags(desc.Name) {
			if _, ok := tag.(contract.TagDeterministic); ok {
				hasDeterministicTag = true
				break
			}
		}
	}

	return class, ScoreSource(class, analysis.Score, hasDeterministicTag), analysis.Risks
}
