// Package version carries build metadata stamped in by the linker.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build metadata on one line for startup logs and the
// debug page.
func String() string {
	return fmt.Sprintf("gauge %s (%s, built %s)", Version, GitSHA, BuildTime)
}
