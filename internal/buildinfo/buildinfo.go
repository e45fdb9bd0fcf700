package buildinfo

import "runtime/debug"

// Commit and Time are set via -ldflags at build time; both may be empty in
// local/dev builds, in which case Resolve falls back to the embedded VCS
// metadata the Go toolchain records automatically.
var (
	Commit = ""
	Time   = ""
)

// Resolve returns the commit/time pair to log at startup, preferring the
// -ldflags values already set on Commit/Time.
func Resolve() (commit, buildTime string) {
	commit, buildTime = Commit, Time
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, buildTime
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "" {
				commit = s.Value
			}
		case "vcs.time":
			if buildTime == "" {
				buildTime = s.Value
			}
		}
	}
	return commit, buildTime
}
