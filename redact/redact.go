// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package redact scrubs sensitive values out of captured source state
// before it is recorded, using a field-name keyword rule and a
// content-pattern rule — never a type-level allow/deny list, since the
// recorder must not need to know a source's concrete type to be safe.
package redact

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Replacement labels. A content-pattern match always names the kind of
// secret it found; the field-name rule falls back to the generic label
// when no more specific content pattern matched.
const (
	Redacted               = "[REDACTED]"
	PotentialTokenRedacted = "[POTENTIAL_TOKEN_REDACTED]"
	JWTRedacted            = "[JWT_REDACTED]"
	APIKeyRedacted         = "[API_KEY_REDACTED]"
)

var fieldKeywords = []string{
	"password", "token", "secret", "key", "auth", "credential",
	"api_key", "apikey", "access_token", "refresh_token", "bearer",
	"private", "session",
}

var (
	potentialTokenPattern = regexp.MustCompile(`^[A-Za-z0-9+/=]{20,}$`)
	jwtPattern             = regexp.MustCompile(`^eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)
)

var apiKeyPrefixes = []string{"sk_", "pk_", "bearer ", "basic "}

// Strategy decides, for a single named field, whether its value should
// be redacted.
type Strategy interface {
	Redact(fieldName string, value any) any
}

// PatternStrategy is the default Strategy. For string values longer
// than 16 characters, a content pattern (base64-ish token, JWT shape,
// known API key prefix) takes priority and names the specific kind of
// secret found; only when no content pattern matches does the coarser
// field-name keyword rule apply, replacing the value with the generic
// label. Composite values (structs, maps, slices) recurse field by
// field, applying the same precedence at every level.
type PatternStrategy struct{}

// New returns the default PatternStrategy.
func New() *PatternStrategy { return &PatternStrategy{} }

// Redact implements Strategy. fieldName is the Go struct field name or
// map key the value was found under; pass "" for slice elements and
// root values that have no name.
func (p *PatternStrategy) Redact(fieldName string, value any) any {
	if value == nil {
		return nil
	}

	if text, ok := value.(string); ok {
		if len(text) > 16 {
			if label := contentLabel(text); label != "" {
				return label
			}
		}
		if matchesFieldName(fieldName) {
			return Redacted
		}
		return text
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return p.Redact(fieldName, v.Elem().Interface())

	case reflect.Struct:
		if matchesFieldName(fieldName) {
			return Redacted
		}
		return p.redactStruct(v)

	case reflect.Map:
		if matchesFieldName(fieldName) {
			return Redacted
		}
		return p.redactMap(v)

	case reflect.Slice, reflect.Array:
		if matchesFieldName(fieldName) {
			return Redacted
		}
		return p.redactSlice(v)

	default:
		if matchesFieldName(fieldName) {
			return Redacted
		}
		return value
	}
}

// RedactValue walks the full value graph rooted at root, applying
// Redact at every field name and every leaf value it visits. It never
// panics: a reflection failure anywhere in the graph degrades to the
// generic Redacted label for the whole value, the conservative,
// safe-by-default outcome.
func (p *PatternStrategy) RedactValue(root any) (result any) {
	defer func() {
		if recover() != nil {
			result = Redacted
		}
	}()
	return p.Redact("", root)
}

func contentLabel(text string) string {
	switch {
	case potentialTokenPattern.MatchString(text):
		return PotentialTokenRedacted
	case jwtPattern.MatchString(text):
		return JWTRedacted
	case hasAPIKeyPrefix(text):
		return APIKeyRedacted
	default:
		return ""
	}
}

func matchesFieldName(name string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range fieldKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func hasAPIKeyPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, prefix := range apiKeyPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (p *PatternStrategy) redactStruct(v reflect.Value) any {
	t := v.Type()
	result := make(map[string]any, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fv := v.Field(i)
		if !fv.CanInterface() {
			result[field.Name] = Redacted
			continue
		}
		result[field.Name] = p.Redact(field.Name, fv.Interface())
	}

	return result
}

func (p *PatternStrategy) redactMap(v reflect.Value) any {
	result := make(map[string]any, v.Len())

	for _, key := range v.MapKeys() {
		keyName := fmt.Sprint(key.Interface())
		result[keyName] = p.Redact(keyName, v.MapIndex(key).Interface())
	}

	return result
}

func (p *PatternStrategy) redactSlice(v reflect.Value) any {
	result := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		result[i] = p.Redact("", v.Index(i).Interface())
	}
	return result
}
