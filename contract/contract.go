// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package contract holds the declarations a developer attaches to a
// type by hand: tags stating a determinism claim, process-wide
// overrides acknowledging a disagreement with the static classifier,
// and named assertions that must hold before a replay is allowed to
// start.
package contract

import (
	"fmt"
	"sync"
	"time"

	"github.com/chronos-agent/chronos/timeline"
)

// Tag is a closed sum type: a developer's declared claim about one
// type, or about one field of a type. Only the concrete tag types
// below implement it.
type Tag interface {
	tag()
}

// TagDeterministic declares that a type's captured state can never
// diverge across replays.
type TagDeterministic struct{}

// TagVerifiable declares that a type's captured state can be checked
// against a recorded checkpoint by content hash.
type TagVerifiable struct{}

// TagConditionalSafe declares a type unsafe in general but mitigated
// for a documented reason, by a named author, as of a review date.
type TagConditionalSafe struct {
	Reason     string
	Author     string
	ReviewDate time.Time
}

// TagUnsafe declares a type unreplayable, with a reason shown in
// reports.
type TagUnsafe struct {
	Reason string
}

// TagRedact marks one field of a type for redaction regardless of what
// the default pattern strategy would do with it.
type TagRedact struct {
	Field string
}

// TagIgnore marks one field of a type to be excluded from capture
// entirely.
type TagIgnore struct {
	Field string
}

func (TagDeterministic) tag()   {}
func (TagVerifiable) tag()      {}
func (TagConditionalSafe) tag() {}
func (TagUnsafe) tag()          {}
func (TagRedact) tag()          {}
func (TagIgnore) tag()          {}

// Source identifies where CheckAnnotations' verdict came from.
type Source int

const (
	SourceNone Source = iota
	SourceTag
	SourceOverride
	SourceAssertion
)

func (s Source) String() string {
	switch s {
	case SourceTag:
		return "tag"
	case SourceOverride:
		return "override"
	case SourceAssertion:
		return "assertion"
	default:
		return "none"
	}
}

// Override is a process-wide, acknowledged disagreement with the
// static classifier's verdict for a type.
type Override struct {
	ClassName      string
	DeclaredClass  timeline.DeterminismClass
	Reason         string
	AcknowledgedAt time.Time
}

// Assertion is a named predicate that must succeed before a replay is
// allowed to start.
type Assertion struct {
	Name  string
	Check func() error
}

// Contract holds every tag, override, and assertion declared for the
// current process.
type Contract struct {
	mu         sync.RWMutex
	tags       map[string][]Tag
	overrides  map[string]Override
	assertions []Assertion
}

// New returns an empty Contract.
func New() *Contract {
	return &Contract{
		tags:      make(map[string][]Tag),
		overrides: make(map[string]Override),
	}
}

// Declare attaches tags to typeName, appending to any tags already
// declared for it.
func (c *Contract) Declare(typeName string, tags ...Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[typeName] = append(c.tags[typeName], tags...)
}

// Tags returns every tag declared for typeName.
func (c *Contract) Tags(typeName string) []Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tag(nil), c.tags[typeName]...)
}

// RegisterOverride records a process-wide override for className.
func (c *Contract) RegisterOverride(o Override) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[o.ClassName] = o
}

// Override returns the override registered for className, if any.
func (c *Contract) Override(className string) (Override, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.overrides[className]
	return o, ok
}

// RegisterAssertion adds a named predicate to be checked by
// CheckAssertions.
func (c *Contract) RegisterAssertion(a Assertion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertions = append(c.assertions, a)
}

// CheckAssertions runs the registered assertions in registration order
// and returns the first failure, if any. Assertions after the first
// failing one are not run.
func (c *Contract) CheckAssertions() error {
	c.mu.RLock()
	assertions := append([]Assertion(nil), c.assertions...)
	c.mu.RUnlock()

	for _, a := range assertions {
		if err := a.Check(); err != nil {
			return fmt.Errorf("assertion %q failed: %w", a.Name, err)
		}
	}
	return nil
}

// CheckAnnotations resolves the declared class for typeName, following
// precedence Unsafe > Deterministic > Verifiable > ConditionalSafe. An override
// registered for typeName takes priority over declared tags; in its
// absence, tags are consulted in precedence order. When neither
// applies, class is nil and source is SourceNone.
func (c *Contract) CheckAnnotations(typeName string) (class *timeline.DeterminismClass, source Source, reason string) {
	if o, ok := c.Override(typeName); ok {
		declared := o.DeclaredClass
		return &declared, SourceOverride, o.Reason
	}

	tags := c.Tags(typeName)

	for _, t := range tags {
		if u, ok := t.(TagUnsafe); ok {
			class := timeline.Unsafe
			return &class, SourceTag, u.Reason
		}
	}
	for _, t := range tags {
		if _, ok := t.(TagDeterministic); ok {
			class := timeline.Guaranteed
			return &class, SourceTag, ""
		}
	}
	for _, t := range tags {
		if _, ok := t.(TagVerifiable); ok {
			class := timeline.Verifiable
			return &class, SourceTag, ""
		}
	}
	for _, t := range tags {
		if cs, ok := t.(TagConditionalSafe); ok {
			class := timeline.Conditional
			return &class, SourceTag, cs.Reason
		}
	}

	return nil, SourceNone, ""
}

// RedactedFields returns every field name marked TagRedact for
// typeName.
func (c *Contract) RedactedFields(typeName string) []string {
	var result []string
	for _, t := range c.Tags(typeName) {
		if r, ok := t.(TagRedact); ok {
			result = append(result, r.Field)
		}
	}
	return result
}

// IgnoredFields returns every field name marked TagIgnore for
// typeName.
func (c *Contract) IgnoredFields(typeName string) []string {
	var result []string
	for _, t := range c.Tags(typeName) {
		if ig, ok := t.(TagIgnore); ok {
			result = append(result, ig.Field)
		}
	}
	return result
}
