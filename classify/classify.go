// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package classify assigns a static determinism class to a declared
// Go type by matching its qualified name and its fields' qualified
// names against ordered glob pattern tables, without ever touching a
// live value. Classification happens once, at source-registration
// time, and is cached against the shape of the type descriptor it was
// given.
package classify

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/chronos-agent/chronos/timeline"
)

// Severity grades a single field-level risk finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// PatternEntry is one row of a pattern table: a glob over dotted
// qualified type names, the severity a match implies, and a
// human-readable reason shown in reports.
type PatternEntry struct {
	Glob        string
	Severity    Severity
	Description string
}

// PatternTable is an ordered list of PatternEntry; the first match
// wins.
type PatternTable []PatternEntry

// Kind describes the structural shape of a declared type, used only
// by the structural fallback check in AnalyzeType.
type Kind int

const (
	KindOther Kind = iota
	KindPureData
	KindTaggedUnion
)

// FieldDescriptor names a single declared field and the fully
// qualified name of its type.
type FieldDescriptor struct {
	Name          string
	QualifiedType string
}

// TypeDescriptor is a pure, side-effect-free description of a declared
// type: its own qualified name, its structural kind, and its declared
// fields. AnalyzeType never receives a live value or a capture
// closure — only this description — so classification can never
// observe or trigger a side effect.
type TypeDescriptor struct {
	Name   string
	Kind   Kind
	Fields []FieldDescriptor
}

// Risk is one finding produced while analyzing a type: a field matched
// a pattern with some severity.
type Risk struct {
	Severity    Severity
	Field       string
	Pattern     string
	Description string
}

// Analysis is the result of analyzing one TypeDescriptor.
type Analysis struct {
	Class timeline.DeterminismClass
	Score int
	Risks []Risk
}

// StaticClassifier holds the three ordered pattern tables and a
// decision cache keyed by a BLAKE3 digest of the type descriptor's
// canonical form.
type StaticClassifier struct {
	criticalUnsafe PatternTable
	verifiable     PatternTable
	guaranteedSafe PatternTable

	cacheKey []byte

	mu    sync.Mutex
	cache map[[32]byte]Analysis
}

// NewStaticClassifier builds a classifier from caller-supplied pattern
// tables, matched in the order critical-unsafe, verifiable,
// guaranteed-safe.
func NewStaticClassifier(criticalUnsafe, verifiable, guaranteedSafe PatternTable) *StaticClassifier {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Errorf("classify: generating cache key: %w", err))
	}
	return &StaticClassifier{
		criticalUnsafe: criticalUnsafe,
		verifiable:     verifiable,
		guaranteedSafe: guaranteedSafe,
		cacheKey:       key,
		cache:          make(map[[32]byte]Analysis),
	}
}

// DefaultClassifier returns a classifier seeded with the pattern
// tables a host gets without any configuration: the usual shapes of
// nondeterminism (random number generators, wall-clock time, network,
// database and file handles, sync.Map) are critical-unsafe; content-
// and structural-hash–friendly wrappers are verifiable; primitives are
// guaranteed-safe.
func DefaultClassifier() *StaticClassifier {
	return NewStaticClassifier(
		PatternTable{
			{Glob: "**.Rand", Severity: SeverityCritical, Description: "unseeded random source"},
			{Glob: "math/rand.**", Severity: SeverityCritical, Description: "unseeded random source"},
			{Glob: "time.Time", Severity: SeverityCritical, Description: "wall-clock time is unreplayable without a fixed anchor"},
			{Glob: "time.**", Severity: SeverityCritical, Description: "wall-clock time is unreplayable without a fixed anchor"},
			{Glob: "net.**", Severity: SeverityCritical, Description: "network state depends on unreplayable external parties"},
			{Glob: "**.DB", Severity: SeverityCritical, Description: "live database handle"},
			{Glob: "database/sql.**", Severity: SeverityCritical, Description: "live database handle"},
			{Glob: "os.File", Severity: SeverityCritical, Description: "open file descriptor"},
			{Glob: "sync.Map", Severity: SeverityCritical, Description: "unordered concurrent map has no stable iteration order"},
		},
		PatternTable{
			{Glob: "**.Checksum", Severity: SeverityInfo, Description: "content-addressable, verifiable by hash"},
			{Glob: "**.Hash", Severity: SeverityInfo, Description: "content-addressable, verifiable by hash"},
			{Glob: "encoding/json.RawMessage", Severity: SeverityInfo, Description: "canonical-serializable payload"},
		},
		PatternTable{
			{Glob: "string", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "bool", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "int", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "int*", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "uint*", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "float*", Severity: SeverityInfo, Description: "primitive"},
			{Glob: "byte", Severity: SeverityInfo, Description: "primitive"},
		},
	)
}

// AnalyzeType classifies desc, consulting the decision cache first.
func (c *StaticClassifier) AnalyzeType(desc TypeDescriptor) Analysis {
	key := c.cacheKeyFor(desc)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	analysis := c.analyze(desc)

	c.mu.Lock()
	c.cache[key] = analysis
	c.mu.Unlock()

	return analysis
}

func (c *StaticClassifier) analyze(desc TypeDescriptor) Analysis {
	class := c.classifyName(desc.Name, desc.Kind)

	score := 100
	var risks []Risk
	sawCritical := false
	sawWarning := false

	for _, field := range desc.Fields {
		severity, entry, hasRisk, recognized := c.classifyFieldType(field.QualifiedType)
		if !recognized {
			risks = append(risks, Risk{
				Severity:    SeverityWarning,
				Field:       field.Name,
				Description: "unrecognized type: " + field.QualifiedType,
			})
			score -= 20
			sawWarning = true
			continue
		}
		if !hasRisk {
			// Matched the guaranteed-safe table: no risk, no score change.
			continue
		}

		risks = append(risks, Risk{
			Severity:    severity,
			Field:       field.Name,
			Pattern:     entry.Glob,
			Description: entry.Description,
		})

		switch severity {
		case SeverityCritical:
			score -= 50
			sawCritical = true
		case SeverityWarning:
			score -= 20
			sawWarning = true
		case SeverityInfo:
			score -= 5
		}
	}

	if sawCritical {
		class = timeline.Unsafe
	} else if sawWarning && class.Safer(timeline.Conditional) {
		class = timeline.Conditional
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Analysis{Class: class, Score: score, Risks: risks}
}

// classifyName determines a type's base class from its own qualified
// name, following critical-unsafe -> verifiable -> guaranteed-safe ->
// structural check -> default Conditional.
func (c *StaticClassifier) classifyName(qualifiedName string, kind Kind) timeline.DeterminismClass {
	if _, ok := matchAny(c.criticalUnsafe, qualifiedName); ok {
		return timeline.Unsafe
	}
	if _, ok := matchAny(c.verifiable, qualifiedName); ok {
		return timeline.Verifiable
	}
	if _, ok := matchAny(c.guaranteedSafe, qualifiedName); ok {
		return timeline.Guaranteed
	}
	if kind == KindTaggedUnion || kind == KindPureData {
		return timeline.Guaranteed
	}
	return timeline.Conditional
}

// classifyFieldType matches a single field's qualified type against
// the three tables in priority order. recognized is false only when
// the type matched none of the three tables. hasRisk is false when the
// type matched the guaranteed-safe table, which carries no risk.
func (c *StaticClassifier) classifyFieldType(qualifiedType string) (severity Severity, entry PatternEntry, hasRisk, recognized bool) {
	if e, ok := matchAny(c.criticalUnsafe, qualifiedType); ok {
		return SeverityCritical, e, true, true
	}
	if e, ok := matchAny(c.verifiable, qualifiedType); ok {
		return SeverityInfo, e, true, true
	}
	if e, ok := matchAny(c.guaranteedSafe, qualifiedType); ok {
		return SeverityInfo, e, false, true
	}
	return 0, PatternEntry{}, false, false
}

func (c *StaticClassifier) cacheKeyFor(desc TypeDescriptor) [32]byte {
	var sb strings.Builder
	sb.WriteString(desc.Name)
	sb.WriteByte(0)
	fmt.Fprintf(&sb, "%d", desc.Kind)
	for _, f := range desc.Fields {
		sb.WriteByte(1)
		sb.WriteString(f.Name)
		sb.WriteByte(2)
		sb.WriteString(f.QualifiedType)
	}

	hasher, err := blake3.NewKeyed(c.cacheKey)
	if err != nil {
		panic(fmt.Errorf("classify: keying hasher: %w", err))
	}
	hasher.Write([]byte(sb.String()))

	var out [32]byte
	hasher.Sum(out[:0])
	return out
}
