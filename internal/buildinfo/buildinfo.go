// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags: -X github.com/autobrr/kahva/internal/buildinfo.Version=v1.2.3
var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	UserAgent = "kahva/" + Version
)

// String returns a human readable build description.
func String() string {
	commit := Commit
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("%s (commit %s, %s, %s/%s)", Version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
