// Package version holds the application version.
package version

// Version is the current application version. Overridden at build time
// via -ldflags "-X etmapd/pkg/version.Version=...".
var Version = "0.3.0"
