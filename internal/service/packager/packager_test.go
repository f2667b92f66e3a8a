package packager

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
	"github.com/oshokin/qigeometry-packager/internal/logger"
	"github.com/oshokin/qigeometry-packager/internal/service/wheel"
)

const (
	workspace  = "/work"
	projectDir = "/work/python-geometry"
)

// fakeBuilder records requests and drops a wheel into the dist directory.
type fakeBuilder struct {
	fs       afero.Fs
	err      error
	requests []*wheel.Request
	inspect  func(req *wheel.Request)
}

func (b *fakeBuilder) Build(_ context.Context, req *wheel.Request) error {
	b.requests = append(b.requests, req)

	if b.inspect != nil {
		b.inspect(req)
	}

	if b.err != nil {
		return b.err
	}

	if err := b.fs.MkdirAll(req.DistDir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%s-cp27-none-%s.whl",
		req.Metadata.Name,
		req.Metadata.Version,
		strings.NewReplacer("-", "_", ".", "_").Replace(req.Metadata.Platforms))

	return afero.WriteFile(b.fs, filepath.Join(req.DistDir, name), []byte("PK"), 0o644)
}

// observedContext returns a context whose logger records entries for assertions.
func observedContext() (context.Context, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)

	return logger.ToContext(context.Background(), zap.New(core).Sugar()), logs
}

func writeFile(t *testing.T, fsys afero.Fs, path, contents string) {
	t.Helper()

	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(contents), 0o644))
}

// newProject lays out a wheel project and a sibling native build tree.
func newProject(t *testing.T) afero.Fs {
	t.Helper()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, filepath.Join(projectDir, "README.md"), "# QiGeometry\n")
	writeFile(t, fsys, filepath.Join(projectDir, "LICENSE.txt"), "BSD-3-Clause\n")
	writeFile(t, fsys, filepath.Join(projectDir, "qigeometry", "__init__.py"), "from .geometry import *\n")
	writeFile(t, fsys, filepath.Join(workspace, "libalmath", "build-linux64", "lib", "libalmath.so"), "almath")
	writeFile(t, fsys, filepath.Join(workspace, "libqigeometry", "build-linux64", "lib", "libqigeometry.so"), "qigeometry")

	return fsys
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RootDir = projectDir
	cfg.Version = "24.01.01"

	return cfg
}

// TestResolveVersion covers the override and the date fallback.
func TestResolveVersion(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 7, 15, 4, 5, 0, time.UTC)

	require.Equal(t, "24.01.01", ResolveVersion("24.01.01", now))
	require.Equal(t, "24.03.07", ResolveVersion("", now))
	require.Regexp(t, regexp.MustCompile(`^\d{2}\.\d{2}\.\d{2}$`), ResolveVersion("", time.Now()))
}

// TestTransientConfig_RoundTrip writes, reads back and removes setup.cfg.
func TestTransientConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	path, err := WriteTransientConfig(fsys, projectDir, platform.Linux, "cp27")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(projectDir, TransientConfigFilename), path)

	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)

	contents := string(data)
	require.Equal(t, 2, strings.Count(contents, string(platform.Linux)))
	require.Contains(t, contents, "[metadata]\nlicense_file = LICENSE.txt\n")
	require.Contains(t, contents, "plat-name = manylinux1-x86_64\n")
	require.Contains(t, contents, "plat-tag = manylinux1-x86_64\n")
	require.Contains(t, contents, "python-tag = cp27\n")

	require.NoError(t, RemoveTransientConfig(fsys, projectDir))

	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	require.False(t, exists)

	// Removing twice is harmless.
	require.NoError(t, RemoveTransientConfig(fsys, projectDir))
}

// TestReadDescription distinguishes a present README from an absent one.
func TestReadDescription(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	text, ok := ReadDescription(fsys, projectDir)
	require.False(t, ok)
	require.Empty(t, text)

	writeFile(t, fsys, filepath.Join(projectDir, DescriptionFilename), "long text")

	text, ok = ReadDescription(fsys, projectDir)
	require.True(t, ok)
	require.Equal(t, "long text", text)
}

// TestCleanupWorkingTree removes subdirectories and keeps plain files.
func TestCleanupWorkingTree(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	pkgDir := filepath.Join(projectDir, "qigeometry")
	writeFile(t, fsys, filepath.Join(pkgDir, "linux", "lib", "libgeometry_module.so"), "so")
	writeFile(t, fsys, filepath.Join(pkgDir, "linux", "libalmath.so"), "so")
	writeFile(t, fsys, filepath.Join(pkgDir, "__init__.py"), "init")

	CleanupWorkingTree(context.Background(), fsys, pkgDir)

	exists, err := afero.DirExists(fsys, filepath.Join(pkgDir, "linux"))
	require.NoError(t, err)
	require.False(t, exists)

	data, err := afero.ReadFile(fsys, filepath.Join(pkgDir, "__init__.py"))
	require.NoError(t, err)
	require.Equal(t, "init", string(data))

	// A missing package directory is not a failure.
	CleanupWorkingTree(context.Background(), fsys, "/nowhere")
}

// TestAssemblePackage_PartialProfile copies the found artifact and warns about the other.
func TestAssemblePackage_PartialProfile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/src/geometry/build-win64/bin/geometry_module.dll", "dll bytes")

	profile := platform.Profile{
		Key: platform.Windows,
		Artifacts: []platform.Artifact{
			{Name: "geometry_module.dll", Destination: "win/lib/geometry_module.dll"},
			{Name: "geometry_module.mod", Destination: "win/share/qi/module/geometry_module.mod"},
		},
	}

	ctx, logs := observedContext()

	assembly, err := AssemblePackage(ctx, fsys, profile, "/src", "/pkg/qigeometry")
	require.NoError(t, err)

	data, err := afero.ReadFile(fsys, "/pkg/qigeometry/win/lib/geometry_module.dll")
	require.NoError(t, err)
	require.Equal(t, "dll bytes", string(data))

	sum := sha512.Sum512([]byte("dll bytes"))

	require.Len(t, assembly.Added, 1)
	require.Equal(t, PackagedArtifact{
		Name:        "geometry_module.dll",
		Source:      "/src/geometry/build-win64/bin/geometry_module.dll",
		Destination: "win/lib/geometry_module.dll",
		Checksum:    base64.StdEncoding.EncodeToString(sum[:]),
	}, assembly.Added[0])
	require.Equal(t, []string{"geometry_module.mod"}, assembly.Missing)

	missing := logs.FilterMessage("Artifact is missing").All()
	require.Len(t, missing, 1)
	require.Equal(t, zapcore.WarnLevel, missing[0].Level)
	require.Equal(t, "geometry_module.mod", missing[0].ContextMap()["file"])
	require.Equal(t, 1, logs.FilterMessage("Artifact added to the package").Len())
}

// TestAssemblePackage_MissingSearchRoot reports every artifact missing.
func TestAssemblePackage_MissingSearchRoot(t *testing.T) {
	t.Parallel()

	profile, _ := platform.Lookup(platform.MacOS)
	ctx, logs := observedContext()

	assembly, err := AssemblePackage(ctx, afero.NewMemMapFs(), profile, "/does/not/exist", "/pkg")
	require.NoError(t, err)
	require.Empty(t, assembly.Added)
	require.Len(t, assembly.Missing, len(profile.Artifacts))
	require.Equal(t, 1, logs.FilterMessage("Search root does not exist, no artifact can be found").Len())
}

// TestAssemblePackage_OSFilesystem exercises the atomic installer and overwrites a stale copy.
func TestAssemblePackage_OSFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "src", "build", "libalmath.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("new almath"), 0o755)) //nolint:gosec // Shared libraries are executable.

	pkgDir := filepath.Join(root, "pkg", "qigeometry")
	dest := filepath.Join(pkgDir, "linux", "libalmath.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("old almath"), 0o644))

	profile := platform.Profile{
		Key:       platform.Linux,
		Artifacts: []platform.Artifact{{Name: "libalmath.so", Destination: "linux/libalmath.so"}},
	}

	assembly, err := AssemblePackage(context.Background(), afero.NewOsFs(), profile, filepath.Join(root, "src"), pkgDir)
	require.NoError(t, err)
	require.Len(t, assembly.Added, 1)
	require.Empty(t, assembly.Missing)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "new almath", string(data))

	// Fresh destination without a pre-existing file.
	fresh := filepath.Join(root, "fresh")
	_, err = AssemblePackage(context.Background(), afero.NewOsFs(), profile, filepath.Join(root, "src"), fresh)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(fresh, "linux", "libalmath.so"))
}

// TestRun_Success walks the whole workflow on an in-memory filesystem.
func TestRun_Success(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	builder := &fakeBuilder{fs: fsys}
	builder.inspect = func(req *wheel.Request) {
		// The transient config and the copied artifacts exist while the tool runs.
		cfg, err := afero.ReadFile(fsys, filepath.Join(projectDir, TransientConfigFilename))
		require.NoError(t, err)
		require.Contains(t, string(cfg), "plat-name = manylinux1-x86_64")

		exists, err := afero.Exists(fsys, filepath.Join(projectDir, "qigeometry", "linux", "libalmath.so"))
		require.NoError(t, err)
		require.True(t, exists)

		require.Equal(t, projectDir, req.WorkDir)
	}

	ctx, logs := observedContext()

	result, err := Run(ctx, &Options{
		Config:  testConfig(),
		Fs:      fsys,
		Builder: builder,
		OSName:  "linux",
	})
	require.NoError(t, err)

	require.Equal(t, platform.Linux, result.Platform)
	require.Equal(t, "24.01.01", result.Version)
	require.Equal(t, workspace, result.SearchRoot)
	require.Len(t, result.Added, 2)
	require.Equal(t, []string{"libgeometry_module.so", "geometry_module.mod"}, result.Missing)
	require.Equal(t, []string{"qigeometry-24.01.01-cp27-none-manylinux1_x86_64.whl"}, result.Wheels)
	require.Equal(t, 2, logs.FilterMessage("Artifact is missing").Len())

	require.Len(t, builder.requests, 1)

	meta := builder.requests[0].Metadata
	require.Equal(t, "qigeometry", meta.Name)
	require.Equal(t, "# QiGeometry\n", meta.LongDescription)
	require.Equal(t, "manylinux1-x86_64", meta.Platforms)
	require.Equal(t, []string{"qi"}, meta.InstallRequires)
	require.Equal(t, "Operating System :: POSIX :: Linux", meta.Classifiers[len(meta.Classifiers)-1])
	require.Len(t, meta.PackageData["qigeometry"], 4)
	require.Equal(t, filepath.Join(projectDir, "dist"), builder.requests[0].DistDir)

	// Transient config and lock are gone, copied artifacts pruned, package files kept.
	for _, name := range []string{TransientConfigFilename, LockFilename} {
		exists, existsErr := afero.Exists(fsys, filepath.Join(projectDir, name))
		require.NoError(t, existsErr)
		require.False(t, exists, name)
	}

	exists, err := afero.DirExists(fsys, filepath.Join(projectDir, "qigeometry", "linux"))
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.Exists(fsys, filepath.Join(projectDir, "qigeometry", "__init__.py"))
	require.NoError(t, err)
	require.True(t, exists)

	manifest, err := LoadManifest(fsys, result.ManifestPath)
	require.NoError(t, err)
	require.Equal(t, "qigeometry-24.01.01-manylinux1-x86_64.yaml", filepath.Base(result.ManifestPath))
	require.Equal(t, "24.01.01", manifest.Version)
	require.Equal(t, result.Wheels, manifest.Wheels)
	require.Equal(t, result.Missing, manifest.Missing)
	require.Contains(t, manifest.Artifacts, "linux/libalmath.so")
	require.Contains(t, manifest.Artifacts, "linux/libqigeometry.so")
}

// TestRun_DateVersionAndMacOS derives the version from the clock and the platform from "darwin".
func TestRun_DateVersionAndMacOS(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	cfg := testConfig()
	cfg.Version = ""

	result, err := Run(context.Background(), &Options{
		Config:  cfg,
		Fs:      fsys,
		Builder: &fakeBuilder{fs: fsys},
		OSName:  "darwin",
		Now: func() time.Time {
			return time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)
	require.Equal(t, platform.MacOS, result.Platform)
	require.Equal(t, "25.12.31", result.Version)
	require.Empty(t, result.Added)
	require.Len(t, result.Missing, 4)
}

// TestRun_PlatformOverride ignores the host OS when a key is configured.
func TestRun_PlatformOverride(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	writeFile(t, fsys, filepath.Join(workspace, "geometry", "build-win64", "geometry_module.dll"), "dll")

	cfg := testConfig()
	cfg.Platform = string(platform.Windows)

	result, err := Run(context.Background(), &Options{
		Config:  cfg,
		Fs:      fsys,
		Builder: &fakeBuilder{fs: fsys},
		OSName:  "linux",
	})
	require.NoError(t, err)
	require.Equal(t, platform.Windows, result.Platform)
	require.Len(t, result.Added, 1)
	require.Equal(t, "win/lib/geometry_module.dll", result.Added[0].Destination)
}

// TestRun_BuildFailureKeepsArtifacts removes the transient config but keeps copies for inspection.
func TestRun_BuildFailureKeepsArtifacts(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	buildErr := errors.New("setuptools exploded")

	result, err := Run(context.Background(), &Options{
		Config:  testConfig(),
		Fs:      fsys,
		Builder: &fakeBuilder{fs: fsys, err: buildErr},
		OSName:  "linux",
	})
	require.ErrorIs(t, err, buildErr)
	require.NotNil(t, result)
	require.Empty(t, result.Wheels)

	exists, err := afero.Exists(fsys, filepath.Join(projectDir, TransientConfigFilename))
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.Exists(fsys, filepath.Join(projectDir, LockFilename))
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.Exists(fsys, filepath.Join(projectDir, "qigeometry", "linux", "libalmath.so"))
	require.NoError(t, err)
	require.True(t, exists)
}

// TestRun_SearchRootOverride uses an existing override and falls back for a missing one.
func TestRun_SearchRootOverride(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	writeFile(t, fsys, "/opt/ci/build/libgeometry_module.so", "module")

	cfg := testConfig()
	cfg.SearchRoot = "/opt/ci"

	result, err := Run(context.Background(), &Options{Config: cfg, Fs: fsys, Builder: &fakeBuilder{fs: fsys}, OSName: "linux"})
	require.NoError(t, err)
	require.Equal(t, "/opt/ci", result.SearchRoot)
	require.Len(t, result.Added, 1)
	require.Equal(t, "libgeometry_module.so", result.Added[0].Name)

	cfg = testConfig()
	cfg.SearchRoot = "/opt/missing"

	ctx, logs := observedContext()

	result, err = Run(ctx, &Options{Config: cfg, Fs: fsys, Builder: &fakeBuilder{fs: fsys}, OSName: "linux"})
	require.NoError(t, err)
	require.Equal(t, workspace, result.SearchRoot)
	require.Equal(t, 1, logs.FilterMessage("Search root override is not a directory, using the default").Len())
}

// TestRun_ConcurrentRunRejected refuses a live lock and replaces a stale one.
func TestRun_ConcurrentRunRejected(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	lockPath := filepath.Join(projectDir, LockFilename)
	writeFile(t, fsys, lockPath, strconv.Itoa(os.Getpid()))

	builder := &fakeBuilder{fs: fsys}

	_, err := Run(context.Background(), &Options{Config: testConfig(), Fs: fsys, Builder: builder, OSName: "linux"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Empty(t, builder.requests)

	// Nothing was touched: the live lock is still in place.
	data, err := afero.ReadFile(fsys, lockPath)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	writeFile(t, fsys, lockPath, "not-a-pid")

	_, err = Run(context.Background(), &Options{Config: testConfig(), Fs: fsys, Builder: builder, OSName: "linux"})
	require.NoError(t, err)
	require.Len(t, builder.requests, 1)
}

// TestRun_InvalidConfig fails before touching the filesystem.
func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Project.Name = ""

	_, err := Run(context.Background(), &Options{Config: cfg, Fs: fsys, Builder: &fakeBuilder{fs: fsys}})
	require.Error(t, err)

	exists, err := afero.Exists(fsys, filepath.Join(projectDir, TransientConfigFilename))
	require.NoError(t, err)
	require.False(t, exists)
}

// TestNewWheels reports new and rebuilt wheels only.
func TestNewWheels(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := map[string]time.Time{"a.whl": t0, "b.whl": t0}
	after := map[string]time.Time{"a.whl": t0, "b.whl": t0.Add(time.Second), "c.whl": t0}

	require.Equal(t, []string{"b.whl", "c.whl"}, newWheels(before, after))
	require.Empty(t, newWheels(before, before))
}

// TestRun_SignsWheels writes a verifiable detached signature for the new wheel.
func TestRun_SignsWheels(t *testing.T) {
	t.Parallel()

	entity, err := openpgp.NewEntity("Release Bot", "", "release@example.com", nil)
	require.NoError(t, err)

	var key bytes.Buffer

	w, err := armor.Encode(&key, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	fsys := newProject(t)
	writeFile(t, fsys, "/keys/release.asc", key.String())

	cfg := testConfig()
	cfg.SigningKey = "/keys/release.asc"

	result, err := Run(context.Background(), &Options{Config: cfg, Fs: fsys, Builder: &fakeBuilder{fs: fsys}, OSName: "linux"})
	require.NoError(t, err)
	require.Len(t, result.Wheels, 1)
	require.Equal(t, []string{result.Wheels[0] + ".asc"}, result.Signatures)

	wheelPath := filepath.Join(projectDir, "dist", result.Wheels[0])

	payload, err := afero.ReadFile(fsys, wheelPath)
	require.NoError(t, err)

	sig, err := afero.ReadFile(fsys, wheelPath+".asc")
	require.NoError(t, err)

	_, err = openpgp.CheckArmoredDetachedSignature(openpgp.EntityList{entity}, bytes.NewReader(payload), bytes.NewReader(sig), nil)
	require.NoError(t, err)

	manifest, err := LoadManifest(fsys, result.ManifestPath)
	require.NoError(t, err)
	require.Equal(t, result.Signatures, manifest.Signatures)
}

// TestRun_MissingSigningKey fails before any file is written.
func TestRun_MissingSigningKey(t *testing.T) {
	t.Parallel()

	fsys := newProject(t)
	cfg := testConfig()
	cfg.SigningKey = "/keys/absent.asc"

	builder := &fakeBuilder{fs: fsys}

	_, err := Run(context.Background(), &Options{Config: cfg, Fs: fsys, Builder: builder, OSName: "linux"})
	require.Error(t, err)
	require.Empty(t, builder.requests)
}
