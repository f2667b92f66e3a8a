package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/logger"
	"github.com/oshokin/qigeometry-packager/internal/service/common"
	"github.com/oshokin/qigeometry-packager/internal/version"
)

const (
	// wheelExtension identifies wheel archives in the dist directory.
	wheelExtension = ".whl"
	// manifestExtension is appended to the manifest base name.
	manifestExtension = ".yaml"
)

// Manifest records what went into a wheel.
type Manifest struct {
	// Project is the Python distribution name.
	Project string `yaml:"project"`
	// Version is the package version.
	Version string `yaml:"version"`
	// Platform is the wheel platform tag.
	Platform string `yaml:"platform"`
	// Packager is the version of this tool.
	Packager string `yaml:"packager"`
	// BuiltAt is when the manifest was written.
	BuiltAt time.Time `yaml:"built_at"`
	// BuiltBy is the host and user that ran the packager, when detectable.
	BuiltBy *common.Actor `yaml:"built_by,omitempty"`
	// Wheels are the wheel files produced by the run.
	Wheels []string `yaml:"wheels"`
	// Signatures are the detached signature files produced by the run.
	Signatures []string `yaml:"signatures,omitempty"`
	// Artifacts maps package-relative destinations to base64 SHA-512 checksums.
	Artifacts map[string]string `yaml:"artifacts"`
	// Missing lists artifacts that were not found.
	Missing []string `yaml:"missing,omitempty"`
}

// ManifestFilename returns the manifest name for a project, version and platform.
func ManifestFilename(project, pkgVersion, platformKey string) string {
	return fmt.Sprintf("%s-%s-%s%s", project, pkgVersion, platformKey, manifestExtension)
}

// LoadManifest reads a manifest written by a previous run.
func LoadManifest(fsys afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err = yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	return &m, nil
}

// writeManifest stores the run summary in the dist directory.
func (p *packager) writeManifest(ctx context.Context, result *Result) (string, error) {
	m := &Manifest{
		Project:    p.cfg.Project.Name,
		Version:    result.Version,
		Platform:   string(result.Platform),
		Packager:   version.Short(),
		BuiltAt:    p.now().UTC(),
		Wheels:     result.Wheels,
		Signatures: result.Signatures,
		Artifacts:  make(map[string]string, len(result.Added)),
		Missing:    result.Missing,
	}

	for _, a := range result.Added {
		m.Artifacts[a.Destination] = a.Checksum
	}

	actor, err := common.DetectActor()
	if err != nil {
		logger.DebugKV(ctx, "Unable to detect the build actor", "error", err)
	} else {
		m.BuiltBy = actor
	}

	contents, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	if err = p.fs.MkdirAll(p.distDir, dirMode); err != nil {
		return "", fmt.Errorf("create dist dir: %w", err)
	}

	path := filepath.Join(p.distDir, ManifestFilename(m.Project, m.Version, m.Platform))
	if err = afero.WriteFile(p.fs, path, contents, config.DefaultFilePermissions); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	return path, nil
}
