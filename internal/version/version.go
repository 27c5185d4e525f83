package version

import (
	"runtime/debug"
	"strings"
)

// Version and GitCommit are set at build time using -ldflags.
var Version = "dev"
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = build.GoVersion
		if info.GitCommit == "" {
			for _, setting := range build.Settings {
				if setting.Key == "vcs.revision" {
					info.GitCommit = setting.Value
				}
			}
		}
	}
	return info
}

// String formats the info for --version output.
func (info Info) String() string {
	parts := []string{info.Version}
	if info.GitCommit != "" {
		commit := info.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		parts = append(parts, "("+commit+")")
	}
	if info.GoVersion != "" {
		parts = append(parts, info.GoVersion)
	}
	return strings.Join(parts, " ")
}
