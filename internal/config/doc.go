// Package config defines packaging settings and provides helpers to load,
// validate and save them in YAML format.
//
// Values come from the built-in QiGeometry defaults, an optional YAML file,
// the QIPYTHON_* environment variables and finally command-line flags.
package config
