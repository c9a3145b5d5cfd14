// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/yuin/goldmark"
)

// tagPattern strips every HTML tag goldmark's renderer emits. The
// inspector only ever feeds it short, plain markdown (mitigation
// actions, risk descriptions), so a full HTML-to-terminal renderer
// would be solving a problem this content doesn't have.
var tagPattern = regexp.MustCompile(`<[^>]*>`)

// renderMarkdown converts a short markdown string to plain terminal
// text: goldmark does the parsing and list/emphasis handling, and the
// HTML it emits is reduced to text by stripping tags and unescaping
// entities.
func renderMarkdown(source string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return source
	}
	stripped := tagPattern.ReplaceAllString(buf.String(), "")
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// highlightDiagnostic syntax-highlights CBOR diagnostic notation (RFC
// 8949 §8, produced by codec.Diagnose) for the raw-frame detail view,
// using JSON's lexer since diagnostic notation is JSON-like enough for
// chroma's highlighter to color usefully.
func highlightDiagnostic(diagnostic string) string {
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, diagnostic, "json", "terminal256", "monokai"); err != nil {
		return diagnostic
	}
	return buf.String()
}
