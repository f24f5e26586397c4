// Package version provides build and version information for the JARDesigner server.
package version

// Version is the current release version of the server.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/jardesigner/jardesigner/internal/version.Version=x.y.z"
var Version = "0.1.0"
