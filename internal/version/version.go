// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/SerhiiYahdzhyiev/EMA/internal/version.version=..."
var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// String renders the version for --version output
func (v VersionInfo) String() string {
	ver := v.Version
	if ver == "" {
		ver = "devel"
	}
	s := fmt.Sprintf("ema %s (%s/%s, %s)", ver, v.GoOS, v.GoArch, v.GoVersion)
	if v.GitCommit != "" {
		s += fmt.Sprintf(" commit %s@%s", v.GitCommit, v.GitBranch)
	}
	if v.BuildTime != "" {
		s += " built " + v.BuildTime
	}
	return s
}
