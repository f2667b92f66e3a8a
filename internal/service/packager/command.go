package packager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
	"github.com/oshokin/qigeometry-packager/internal/logger"
	"github.com/oshokin/qigeometry-packager/internal/service/signing"
	"github.com/oshokin/qigeometry-packager/internal/service/wheel"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Config holds the packaging settings. Nil means config.Default().
	Config *config.Config
	// Fs is the filesystem to work on. Nil means the OS filesystem.
	Fs afero.Fs
	// Builder produces the wheel. Nil means setuptools with the configured interpreter.
	Builder wheel.Builder
	// OSName is matched against the platform markers. Empty means runtime.GOOS.
	OSName string
	// Now returns the current time for the date-derived version. Nil means time.Now.
	Now func() time.Time
}

// Result summarizes a packaging run.
type Result struct {
	// Platform is the active platform key.
	Platform platform.Key
	// Version is the package version handed to setuptools.
	Version string
	// SearchRoot is the tree that was searched for artifacts.
	SearchRoot string
	// PackageDir is the Python package directory the artifacts were copied into.
	PackageDir string
	// Added lists copied artifacts in profile order.
	Added []PackagedArtifact
	// Missing lists artifact names that were not found.
	Missing []string
	// Wheels lists wheel files produced by this run.
	Wheels []string
	// Signatures lists detached signature files written by this run.
	Signatures []string
	// ManifestPath is the YAML manifest written next to the wheels.
	ManifestPath string
}

// packager holds the resolved settings of a single run.
// It is unexported—callers should use Run, which encapsulates setup and validation.
type packager struct {
	cfg        *config.Config
	fs         afero.Fs
	builder    wheel.Builder
	signer     *signing.Signer
	profile    platform.Profile
	version    string
	rootDir    string
	distDir    string
	packageDir string
	searchRoot string
	now        func() time.Time
}

var errNoProfile = errors.New("no profile for platform")

// Run executes the packaging workflow and reports what was packaged.
// On a build failure the copied artifacts stay in the package directory.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "qigeometry-packager")

	if opts == nil {
		opts = new(Options)
	}

	pkg, err := newPackager(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("initialize packager: %w", err)
	}

	ctx = logger.WithKV(ctx, "platform", pkg.profile.Key, "version", pkg.version)

	result, err := pkg.Run(ctx)
	if err != nil {
		return result, fmt.Errorf("packager failed: %w", err)
	}

	logger.InfoKV(ctx, "Packager completed successfully", "wheels", result.Wheels)

	return result, nil
}

// newPackager resolves platform, version and directories from the options.
func newPackager(ctx context.Context, opts *Options) (*packager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pkg := &packager{
		cfg:     cfg,
		fs:      opts.Fs,
		builder: opts.Builder,
		now:     opts.Now,
	}

	if pkg.fs == nil {
		pkg.fs = afero.NewOsFs()
	}

	if pkg.now == nil {
		pkg.now = time.Now
	}

	if pkg.builder == nil {
		pkg.builder = wheel.NewSetuptoolsBuilder(cfg.Python, cfg.BuildTimeout)
	}

	key := platform.Key(cfg.Platform)
	if key == "" {
		osName := opts.OSName
		if osName == "" {
			osName = runtime.GOOS
		}

		key = platform.Resolve(osName)
	}

	profile, ok := platform.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, errNoProfile)
	}

	pkg.profile = profile
	pkg.version = ResolveVersion(cfg.Version, pkg.now())

	var err error

	if pkg.rootDir, err = filepath.Abs(cfg.RootDir); err != nil {
		return nil, fmt.Errorf("resolve root dir: %w", err)
	}

	if pkg.distDir, err = filepath.Abs(cfg.DistDir); err != nil {
		return nil, fmt.Errorf("resolve dist dir: %w", err)
	}

	pkg.packageDir = filepath.Join(pkg.rootDir, cfg.Project.Name)
	pkg.searchRoot = resolveSearchRoot(ctx, pkg.fs, cfg.SearchRoot, pkg.rootDir)

	if cfg.SigningKey != "" {
		pkg.signer, err = signing.LoadSigner(pkg.fs, cfg.SigningKey, []byte(cfg.SigningPassphrase))
		if err != nil {
			return nil, err
		}

		logger.InfoKV(ctx, "Wheels will be signed", "fingerprint", pkg.signer.Fingerprint())
	}

	return pkg, nil
}

// Run performs one packaging pass. Lock and transient config are released on every path.
func (p *packager) Run(ctx context.Context) (result *Result, err error) {
	release, err := acquireLock(ctx, p.fs, p.rootDir)
	if err != nil {
		return nil, err
	}

	defer func() {
		err = multierr.Append(err, release())
	}()

	logger.InfoKV(ctx, "Writing transient configuration", "path", filepath.Join(p.rootDir, TransientConfigFilename))

	if _, err = WriteTransientConfig(p.fs, p.rootDir, p.profile.Key, p.cfg.PythonTag); err != nil {
		return nil, err
	}

	defer func() {
		err = multierr.Append(err, RemoveTransientConfig(p.fs, p.rootDir))
	}()

	longDescription, ok := ReadDescription(p.fs, p.rootDir)
	if !ok {
		logger.DebugKV(ctx, "Long description is not available", "path", filepath.Join(p.rootDir, DescriptionFilename))
	}

	assembly, err := AssemblePackage(ctx, p.fs, p.profile, p.searchRoot, p.packageDir)
	if err != nil {
		return nil, err
	}

	result = &Result{
		Platform:   p.profile.Key,
		Version:    p.version,
		SearchRoot: p.searchRoot,
		PackageDir: p.packageDir,
		Added:      assembly.Added,
		Missing:    assembly.Missing,
	}

	if len(assembly.Missing) > 0 {
		logger.WarnKV(ctx, "The package is incomplete", "missing", strings.Join(assembly.Missing, ", "))
	}

	before := p.listWheels()

	toolCtx := ctx
	if p.cfg.ShowToolOutput {
		toolCtx = logger.Forced(ctx, zapcore.DebugLevel)
	}

	request := &wheel.Request{
		WorkDir:  p.rootDir,
		DistDir:  p.distDir,
		Metadata: buildMetadata(p.cfg.Project, p.version, p.profile, longDescription),
	}

	if err = p.builder.Build(toolCtx, request); err != nil {
		logger.WarnKV(ctx, "Copied artifacts are kept for inspection", "package_dir", p.packageDir)

		return result, fmt.Errorf("build wheel: %w", err)
	}

	result.Wheels = newWheels(before, p.listWheels())
	if len(result.Wheels) == 0 {
		logger.WarnKV(ctx, "The packaging tool produced no new wheel", "dist_dir", p.distDir)
	}

	if err = p.signWheels(ctx, result); err != nil {
		return result, err
	}

	if result.ManifestPath, err = p.writeManifest(ctx, result); err != nil {
		return result, err
	}

	logger.InfoKV(ctx, "Manifest saved", "path", result.ManifestPath)

	CleanupWorkingTree(ctx, p.fs, p.packageDir)

	return result, nil
}

// signWheels writes a detached signature for every new wheel when a signer is configured.
func (p *packager) signWheels(ctx context.Context, result *Result) error {
	if p.signer == nil {
		return nil
	}

	for _, name := range result.Wheels {
		sigPath, err := p.signer.SignFile(p.fs, filepath.Join(p.distDir, name))
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Wheel signed", "signature", sigPath)

		result.Signatures = append(result.Signatures, filepath.Base(sigPath))
	}

	return nil
}

// listWheels maps wheel file names in the dist directory to their modification times.
func (p *packager) listWheels() map[string]time.Time {
	entries, err := afero.ReadDir(p.fs, p.distDir)
	if err != nil {
		return nil
	}

	wheels := make(map[string]time.Time, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), wheelExtension) {
			continue
		}

		wheels[entry.Name()] = entry.ModTime()
	}

	return wheels
}

// newWheels returns wheels that appeared or changed between two listings, sorted by name.
func newWheels(before, after map[string]time.Time) []string {
	var result []string

	for name, modTime := range after {
		if prev, ok := before[name]; ok && !modTime.After(prev) {
			continue
		}

		result = append(result, name)
	}

	sort.Strings(result)

	return result
}

// resolveSearchRoot picks the artifact search root. An override that is not
// an existing directory falls back to the parent of the root directory.
func resolveSearchRoot(ctx context.Context, fsys afero.Fs, override, rootDir string) string {
	fallback := filepath.Dir(rootDir)
	if override == "" {
		return fallback
	}

	if ok, err := afero.IsDir(fsys, override); err == nil && ok {
		if abs, absErr := filepath.Abs(override); absErr == nil {
			return abs
		}

		return filepath.Clean(override)
	}

	logger.WarnKV(ctx, "Search root override is not a directory, using the default",
		"override", override,
		"search_root", fallback,
	)

	return fallback
}
