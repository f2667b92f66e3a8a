package integration

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
	"github.com/oshokin/qigeometry-packager/internal/service/packager"
	"github.com/oshokin/qigeometry-packager/internal/service/wheel"
)

// fakePython stands in for the interpreter: it checks that setup.cfg and the
// copied module are present, then writes a wheel into the --dist-dir argument.
const fakePython = `#!/bin/sh
test -f setup.cfg || exit 10
test -f qigeometry/linux/lib/libgeometry_module.so || exit 11
test -f ` + wheel.MetadataFilename + ` || exit 12
mkdir -p "$4"
printf 'PK' > "$4/qigeometry-24.1.1-cp27-none-manylinux1_x86_64.whl"
`

func writeFile(t *testing.T, path, contents string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

// TestPackager_ProducesWheelOnDisk runs the full workflow against the OS filesystem.
func TestPackager_ProducesWheelOnDisk(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script interpreter is not available on windows")
	}

	// Layout: <workspace>/python-geometry is the project, <workspace>/geometry/build-* holds binaries.
	workspace := t.TempDir()
	project := filepath.Join(workspace, "python-geometry")

	writeFile(t, filepath.Join(project, "README.md"), "# QiGeometry\n")
	writeFile(t, filepath.Join(project, "LICENSE.txt"), "license\n")
	writeFile(t, filepath.Join(project, "qigeometry", "__init__.py"), "")
	writeFile(t, filepath.Join(workspace, "geometry", "build-linux64", "libgeometry_module.so"), "module")
	writeFile(t, filepath.Join(workspace, "geometry", "build-linux64", "geometry_module.mod"), "cpp:geometry_module")

	python := filepath.Join(t.TempDir(), "python")
	require.NoError(t, os.WriteFile(python, []byte(fakePython), 0o755)) //nolint:gosec // Fake interpreter must be executable.

	cfg := config.Default()
	cfg.RootDir = project
	cfg.Version = "24.01.01"
	cfg.Python = python
	cfg.Platform = string(platform.Linux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := packager.Run(ctx, &packager.Options{Config: cfg})
	require.NoError(t, err)

	require.Equal(t, []string{"qigeometry-24.1.1-cp27-none-manylinux1_x86_64.whl"}, result.Wheels)
	require.Equal(t, []string{"libalmath.so", "libqigeometry.so"}, result.Missing)
	require.Len(t, result.Added, 2)
	require.FileExists(t, filepath.Join(project, "dist", result.Wheels[0]))

	// Transient files are gone, copies pruned, package sources untouched.
	for _, name := range []string{
		packager.TransientConfigFilename,
		packager.LockFilename,
		wheel.StubFilename,
		wheel.MetadataFilename,
	} {
		require.NoFileExists(t, filepath.Join(project, name))
	}

	require.NoDirExists(t, filepath.Join(project, "qigeometry", "linux"))
	require.FileExists(t, filepath.Join(project, "qigeometry", "__init__.py"))

	manifest, err := packager.LoadManifest(afero.NewOsFs(), result.ManifestPath)
	require.NoError(t, err)
	require.Equal(t, "manylinux1-x86_64", manifest.Platform)
	require.Len(t, manifest.Artifacts, 2)

	for dest, checksum := range manifest.Artifacts {
		require.True(t, strings.HasPrefix(dest, "linux/"), dest)
		require.NotEmpty(t, checksum)
	}
}
