// Package version provides build metadata for the Drover application
package version

import (
	"fmt"
	"runtime"
)

// Injected at build time via -ldflags
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info describes the running build
// 构建信息
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the running build's metadata
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the short human-readable form used by --version
func (i Info) String() string {
	if i.GitCommit != "unknown" {
		return fmt.Sprintf("%s (commit: %s)", i.Version, i.GitCommit)
	}
	return i.Version
}
