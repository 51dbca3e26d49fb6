// Package version carries the build version stamped in by the linker.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/ocbridge/ocbridge/internal/version.Version=v1.2.3".
var Version = "dev"
