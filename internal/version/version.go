// Package version carries build metadata injected with
// -ldflags "-X github.com/gotrs-io/mailrelay/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = "unknown"
)

// Info is the structured form printed by `mailrelay version`.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// GetInfo falls back to the VCS revision stamped by the go tool when no
// commit was injected.
func GetInfo() Info {
	commit := GitCommit
	if commit == "" {
		commit = "unknown"
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			}
		}
	}
	return Info{Version: Version, GitCommit: commit, BuildDate: BuildDate, GoVersion: runtime.Version()}
}

// String renders "v1.2.0 (abc1234)".
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s (%s)", info.Version, info.GitCommit)
}

// Full adds the build date and toolchain.
func Full() string {
	info := GetInfo()
	return fmt.Sprintf("%s (%s) built %s with %s", info.Version, info.GitCommit, info.BuildDate, info.GoVersion)
}
