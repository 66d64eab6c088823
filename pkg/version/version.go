// Package version reports the build identity of the running binary.
//
// The commit hash is taken from -ldflags when injected, falling back to the
// VCS metadata Go stamps into the build, and finally to "dev".
package version

import "runtime/debug"

// AppName identifies the service in version strings and user agents.
const AppName = "engram"

// commit can be injected for container builds where .git is absent:
//
//	go build -ldflags "-X github.com/engram-dev/engram/pkg/version.commit=$SHA"
var commit string

// GitCommit is the short commit hash of this build, or "dev" when the binary
// was built without VCS metadata (go test, non-git checkouts).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "engram/<commit>", suitable for user-agent strings and
// startup logs.
func Full() string {
	return AppName + "/" + GitCommit
}
