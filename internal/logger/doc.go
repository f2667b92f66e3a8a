// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a sane console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields/Forced),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, WarnKV, etc.).
//
// The packager and the wheel builder accept a context and extract the logger
// from it, so every notice about found or missing artifacts is scoped to the run.
package logger
