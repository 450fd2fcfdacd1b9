// Package version derives the build identifier reported in logs and
// outbound user agents. A -ldflags override wins over VCS build info;
// both absent means "dev" (go test, non-git builds).
package version

import "runtime/debug"

// AppName is the application name used in version strings and user agents.
const AppName = "sluice"

// commitOverride is assigned via -ldflags for container builds where
// .git is not part of the build context.
var commitOverride string

// GitCommit is the short commit hash the binary was built from.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
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

// Full returns "sluice/<commit>" for user-agent strings and logging.
func Full() string {
	return AppName + "/" + GitCommit
}
