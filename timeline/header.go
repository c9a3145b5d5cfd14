// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"errors"
	"fmt"
)

// ErrIncompatibleHeader is returned when two recording headers fail
// compatibility and the caller treats that as fatal (see
// RecordingHeader.Compatible for the warning/error distinction).
var ErrIncompatibleHeader = errors.New("timeline: incompatible recording header")

// FormatVersion is the wire format version of a recording, independent
// of the tool that produced it.
type FormatVersion struct {
	Major int
	Minor int
	Patch int
}

func (v FormatVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// RecordingHeader precedes every recording and identifies the
// environment that produced it, so a later reader (the replay
// controller, or a different build of the tool) can judge compatibility
// before trusting the events that follow.
type RecordingHeader struct {
	FormatVersion          FormatVersion
	ToolVersion            string
	PlatformSDKVersion     string
	LanguageRuntimeVersion string
	CreatedAtUnixMS        int64
	AppIdentifier          string
	ProcessName            string

	// Checksum is an optional integrity hash over the recording body.
	// Nil when the recording is still being written.
	Checksum []byte
}

// CompatibilityReport distinguishes warnings (the reader should proceed
// cautiously) from errors (the reader must refuse the recording).
type CompatibilityReport struct {
	Warnings []string
	Errors   []string
}

// OK reports whether the report carries no errors. Warnings do not
// affect OK.
func (r CompatibilityReport) OK() bool { return len(r.Errors) == 0 }

// Compatible checks h against other using the same-major,
// minor-within-one, patch-always-compatible rule: a major version
// mismatch is an error, a minor version difference of more than one is
// a warning, and patch differences never matter.
func (h RecordingHeader) Compatible(other RecordingHeader) CompatibilityReport {
	var report CompatibilityReport

	if h.FormatVersion.Major != other.FormatVersion.Major {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"format major version mismatch: %s vs %s", h.FormatVersion, other.FormatVersion))
		return report
	}

	minorDiff := h.FormatVersion.Minor - other.FormatVersion.Minor
	if minorDiff > 1 || minorDiff < -1 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"format minor version differs by more than one: %s vs %s", h.FormatVersion, other.FormatVersion))
	}

	return report
}
