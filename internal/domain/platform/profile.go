package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Key identifies a wheel target platform. It doubles as the wheel platform tag.
type Key string

const (
	// Linux is the default key used for any OS that is neither macOS nor Windows.
	Linux Key = "manylinux1-x86_64"
	// MacOS is selected when the OS name contains "darwin".
	MacOS Key = "macosx-10.12-intel"
	// Windows is selected when the OS name contains "win" (and not "darwin").
	Windows Key = "win-amd64"
)

// ErrUnknownKey is returned when a key does not name one of the fixed profiles.
var ErrUnknownKey = errors.New("unknown platform key")

// Artifact describes one expected pre-built file and where it lands in the package.
type Artifact struct {
	// Name is the exact filename searched for in build directories.
	Name string
	// Destination is the slash-separated path relative to the package directory.
	Destination string
}

// Profile is the artifact set and metadata for one target platform.
type Profile struct {
	// Key is the platform identifier and wheel platform tag.
	Key Key
	// System is the trove classifier for the operating system family.
	System string
	// Artifacts lists expected files in a stable order.
	Artifacts []Artifact
}

// Destinations returns the package-relative paths of all expected artifacts.
func (p Profile) Destinations() []string {
	result := make([]string, 0, len(p.Artifacts))
	for _, a := range p.Artifacts {
		result = append(result, a.Destination)
	}

	return result
}

// Resolve maps a host OS name (runtime.GOOS or a Python-style sys.platform) to a key.
// Case is ignored, so "Windows" and "win32" both map to Windows.
// "darwin" is checked first since it contains "win".
func Resolve(osName string) Key {
	name := strings.ToLower(osName)

	switch {
	case strings.Contains(name, "darwin"):
		return MacOS
	case strings.Contains(name, "win"):
		return Windows
	default:
		return Linux
	}
}

// Keys returns every known platform key.
func Keys() []Key {
	return []Key{Linux, MacOS, Windows}
}

// ParseKey validates a textual platform key.
func ParseKey(s string) (Key, error) {
	key := Key(strings.TrimSpace(s))
	if _, ok := profiles()[key]; !ok {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKey)
	}

	return key, nil
}

// Lookup returns the profile registered for key.
func Lookup(key Key) (Profile, bool) {
	p, ok := profiles()[key]

	return p, ok
}

// profiles builds the static profile table. A fresh copy is returned on each
// call so callers cannot mutate shared state.
func profiles() map[Key]Profile {
	return map[Key]Profile{
		Linux: {
			Key:    Linux,
			System: "Operating System :: POSIX :: Linux",
			Artifacts: []Artifact{
				{Name: "libalmath.so", Destination: "linux/libalmath.so"},
				{Name: "libqigeometry.so", Destination: "linux/libqigeometry.so"},
				{Name: "libgeometry_module.so", Destination: "linux/lib/libgeometry_module.so"},
				{Name: "geometry_module.mod", Destination: "linux/share/qi/module/geometry_module.mod"},
			},
		},
		MacOS: {
			Key:    MacOS,
			System: "Operating System :: MacOS :: MacOS X",
			Artifacts: []Artifact{
				{Name: "libalmath.dylib", Destination: "mac/lib/libalmath.dylib"},
				{Name: "libqigeometry.dylib", Destination: "mac/lib/libqigeometry.dylib"},
				{Name: "libgeometry_module.dylib", Destination: "mac/lib/libgeometry_module.dylib"},
				{Name: "geometry_module.mod", Destination: "mac/share/qi/module/geometry_module.mod"},
			},
		},
		Windows: {
			Key:    Windows,
			System: "Operating System :: Microsoft :: Windows",
			Artifacts: []Artifact{
				{Name: "geometry_module.dll", Destination: "win/lib/geometry_module.dll"},
				{Name: "geometry_module.mod", Destination: "win/share/qi/module/geometry_module.mod"},
			},
		},
	}
}
