// Package build holds build-time metadata injected via -ldflags.
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
