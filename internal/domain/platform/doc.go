// Package platform holds the fixed platform profiles: the artifact table each
// target wheel expects and the rule that maps a host OS name to a profile key.
package platform
