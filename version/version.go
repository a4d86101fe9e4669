// Package version holds build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag.
	Version = "unknown"
	// Revision is the git commit the binary was built from.
	Revision = "unknown"
	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// String formats the version banner printed by "lumen version".
func String() string {
	return fmt.Sprintf("Lumen %s\nGit: %s\nBuilt: %s\nGo: %s\n",
		Version, Revision, BuiltAt, runtime.Version())
}
