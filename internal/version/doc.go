// Package version exposes build metadata of the packager.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. The short form is recorded in every wheel manifest.
package version
