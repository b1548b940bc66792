// Package version holds build metadata injected with -ldflags -X.
package version

// Build metadata reported by GET /version.
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
