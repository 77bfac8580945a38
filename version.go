package shared

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Build metadata. GitCommit and BuildDate can be set with -ldflags -X;
// when left unset they are filled from the VCS stamp the Go toolchain
// embeds in the binary, if any.
var (
	Version   = "0.3.0"
	GitCommit = ""
	BuildDate = ""
	GoVersion = runtime.Version()
)

const unknownBuildField = "unknown"

var vcsOnce sync.Once

func resolveBuildInfo() {
	vcsOnce.Do(func() {
		if GitCommit != "" && BuildDate != "" {
			return
		}
		revision, modified, built := vcsStamp()
		if GitCommit == "" {
			GitCommit = revision
			if modified && revision != unknownBuildField {
				GitCommit += "-dirty"
			}
		}
		if BuildDate == "" {
			BuildDate = built
		}
	})
}

func vcsStamp() (revision string, modified bool, built string) {
	revision, built = unknownBuildField, unknownBuildField
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 12 {
				s.Value = s.Value[:12]
			}
			revision = s.Value
		case "vcs.time":
			built = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	return
}

// GetVersion returns a one-line description of this build.
func GetVersion() string {
	resolveBuildInfo()
	return fmt.Sprintf("Shared v%s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns the build metadata keyed by field name. The same
// fields label the shared_build_info gauge.
func GetVersionInfo() map[string]string {
	resolveBuildInfo()
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}
