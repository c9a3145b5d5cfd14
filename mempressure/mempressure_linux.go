// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package mempressure

import "syscall"

// availableRatio reads current system memory via syscall.Sysinfo and
// returns the fraction of total memory that is free. Returns -1 if the
// syscall fails, the same "no reading available" convention the
// teacher's own memory probe uses.
func availableRatio() float64 {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return -1
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	free := uint64(info.Freeram) * uint64(info.Unit)
	if total == 0 || free > total {
		return -1
	}
	return float64(free) / float64(total)
}
