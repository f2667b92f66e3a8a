// Package artifact locates pre-built native artifacts inside build trees.
//
// Only directories whose path contains "build" are inspected, matching the
// layout produced by the native CMake builds.
package artifact
