// Package version holds the build version of containrs.
package version

// Version is the version of the build.
const Version = "0.1.0"
