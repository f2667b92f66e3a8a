// Package packager assembles the platform-specific QiGeometry wheel.
//
// It locates the pre-built native artifacts for the target platform, copies
// them into the Python package directory, writes the transient setup.cfg,
// delegates the build to a wheel.Builder and finally prunes the copied
// artifacts. Every copied file is hashed into a YAML manifest stored next to
// the wheel, and wheels can optionally be signed with an OpenPGP key.
package packager
