// Package version exposes build-time version information.
package version

import "runtime/debug"

// Version is set at build time via -ldflags.
var Version = "dev"

// String returns the release version, falling back to VCS metadata for
// source builds.
func String() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 8 {
				return "dev-" + setting.Value[:8]
			}
		}
	}
	return Version
}
