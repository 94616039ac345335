// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X github.com/spencerc99/playhtml-sub002/internal.branch=main".
var branch string
var build string

const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
	VersionTag   = "" // example: "rc1"

	gitRevLen = 7 // 7 matches the displayed characters on github.com
)

var version = ""

// VersionString returns the coordinator version, including the build and
// branch when they were stamped in and the git revision when built from a
// checkout.
func VersionString() string {
	return version
}

func init() {
	version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if VersionTag != "" {
		version += "-" + VersionTag
	}
	parts := []string{}
	if build != "" {
		parts = append(parts, build)
	}
	if branch != "" {
		parts = append(parts, branch)
	}

	defer func() {
		if len(parts) > 0 {
			version += "+" + strings.Join(parts, ".")
		}
	}()

	// A binary built outside a checkout (or with go run) has no VCS
	// information; the bare version is all we can report.
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			revision := setting.Value
			if len(revision) > gitRevLen {
				revision = revision[:gitRevLen]
			}
			parts = append(parts, revision)
			break
		}
	}
}
