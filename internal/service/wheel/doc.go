// Package wheel delegates wheel creation to setuptools.
//
// The Builder interface keeps the packager independent from the Python
// toolchain; SetuptoolsBuilder is the production implementation.
package wheel
