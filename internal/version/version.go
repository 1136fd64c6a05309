// Package version provides build-time version information for the mount
// tool. Version, Commit, and BuildTime are populated via ldflags during the
// build process. For development builds, default values are used.
package version

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/aitiotekt/steamos-mount/internal/version.Version=1.0.0 \
//	                   -X github.com/aitiotekt/steamos-mount/internal/version.Commit=abc123 \
//	                   -X github.com/aitiotekt/steamos-mount/internal/version.BuildTime=2026-08-23T12:00:00Z"
var (
	// Version is the semantic version of the tool (e.g., "1.0.0", "dev").
	Version = "dev"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// Info returns a formatted string with all version information.
func Info() string {
	return "steamos-mount " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
