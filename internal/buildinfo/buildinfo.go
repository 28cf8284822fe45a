// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo exposes compile-time metadata shared across the switchAIFlow binaries.
package buildinfo

// The following variables are overridden via ldflags during release builds.
// Defaults cover local development builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// Info is the build metadata reported by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Current returns the metadata of the running binary.
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String formats the metadata for the startup banner.
func (i Info) String() string {
	return "switchAIFlow " + i.Version + " (commit " + i.Commit + ", built " + i.BuildDate + ")"
}
