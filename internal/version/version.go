// Package version provides build and version information for the screening
// engine.
package version

// Version is the current release version of the screening engine.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/AaronLay10/ScreeningEngine/internal/version.Version=x.y.z"
var Version = "0.3.0"
