package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
)

// Config holds everything a single packaging run needs.
type Config struct {
	// RootDir is the wheel project directory holding README.md, LICENSE.txt and the package folder.
	RootDir string `yaml:"root_dir"`
	// SearchRoot is the tree searched for pre-built artifacts. Empty means the parent of RootDir.
	SearchRoot string `yaml:"search_root"`
	// Version overrides the date-derived package version.
	Version string `yaml:"version"`
	// Platform overrides the platform key detected from the host OS.
	Platform string `yaml:"platform"`
	// DistDir receives the built wheel, its signature and the manifest.
	DistDir string `yaml:"dist_dir"`
	// Python is the interpreter used to run setuptools.
	Python string `yaml:"python"`
	// PythonTag is written to the bdist_wheel section of the transient setup.cfg.
	PythonTag string `yaml:"python_tag"`
	// BuildTimeout bounds the packaging tool invocation. Zero disables the limit.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// SigningKey is an optional path to an armored OpenPGP private key used to sign wheels.
	SigningKey string `yaml:"signing_key"`
	// SigningPassphrase unlocks SigningKey. It is read from the environment only.
	SigningPassphrase string `yaml:"-"`
	// ShowToolOutput prints packaging tool output regardless of the log level.
	ShowToolOutput bool `yaml:"show_tool_output"`
	// Project is the wheel metadata.
	Project Project `yaml:"project"`
}

// Project is the metadata handed to the packaging tool.
type Project struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Keywords        string   `yaml:"keywords"`
	URL             string   `yaml:"url"`
	Author          string   `yaml:"author"`
	AuthorEmail     string   `yaml:"author_email"`
	PythonRequires  string   `yaml:"python_requires"`
	InstallRequires []string `yaml:"install_requires"`
}

const (
	// DefaultConfigFilename is the configuration file looked up when no path is given.
	DefaultConfigFilename = "qigeometry-packager.yaml"

	// DefaultDistDir is where setuptools puts wheels by default.
	DefaultDistDir = "dist"

	// DefaultPython is the interpreter name looked up in PATH.
	DefaultPython = "python"

	// DefaultPythonTag matches the Python 2 only runtime of the geometry module.
	DefaultPythonTag = "cp27"

	// DefaultBuildTimeout is the upper bound for one setuptools run.
	DefaultBuildTimeout = 10 * time.Minute

	// DefaultFilePermissions is the default permission for files written by the packager.
	DefaultFilePermissions = 0o644

	// EnvBuildFolder overrides the artifact search root.
	EnvBuildFolder = "QIPYTHON_BUILD_FOLDER"
	// EnvBuildVersion overrides the package version.
	EnvBuildVersion = "QIPYTHON_BUILD_VERSION"
	// EnvSigningPassphrase unlocks the signing key.
	EnvSigningPassphrase = "QIPYTHON_SIGNING_PASSPHRASE"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errProjectNameRequired is returned when the project name is blank.
	errProjectNameRequired = errors.New("project name must be provided")
	// errInvalidProjectName is returned when the project name is not a single path segment.
	errInvalidProjectName = errors.New("project name must be a plain directory name")
	// errNegativeBuildTimeout is returned for a build timeout below zero.
	errNegativeBuildTimeout = errors.New("build timeout must not be negative")
)

// Default returns a configuration describing the QiGeometry wheel.
// Directory-dependent fields stay empty until Validate runs.
func Default() *Config {
	return &Config{
		RootDir:      ".",
		BuildTimeout: DefaultBuildTimeout,
		Project:      DefaultProject(),
	}
}

// DefaultProject returns the QiGeometry wheel metadata.
func DefaultProject() Project {
	return Project{
		Name:            "qigeometry",
		Description:     "QiGeometry Python Module",
		Keywords:        "naoqi softbank nao pepper romeo robot",
		URL:             "http://doc.aldebaran.com",
		Author:          "SoftBank Robotics",
		AuthorEmail:     "release@softbankrobotics.com",
		PythonRequires:  ">=2.6, <3",
		InstallRequires: []string{"qi"},
	}
}

// Load reads configuration from the provided path on top of the defaults.
// Derived fields such as DistDir are left for Validate, so that later overrides of RootDir still apply to them.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// ApplyEnv overlays the QIPYTHON_* environment variables. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}

	if v, ok := lookup(EnvBuildFolder); ok && v != "" {
		cfg.SearchRoot = v
	}

	if v, ok := lookup(EnvBuildVersion); ok && v != "" {
		cfg.Version = v
	}

	if v, ok := lookup(EnvSigningPassphrase); ok && v != "" {
		cfg.SigningPassphrase = v
	}
}

// Validate checks the configuration and fills in defaults for empty fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.RootDir == "" {
		cfg.RootDir = "."
	}

	if cfg.DistDir == "" {
		cfg.DistDir = filepath.Join(cfg.RootDir, DefaultDistDir)
	}

	if cfg.Python == "" {
		cfg.Python = DefaultPython
	}

	if cfg.PythonTag == "" {
		cfg.PythonTag = DefaultPythonTag
	}

	if cfg.BuildTimeout < 0 {
		return fmt.Errorf("%s: %w", cfg.BuildTimeout, errNegativeBuildTimeout)
	}

	name := strings.TrimSpace(cfg.Project.Name)
	if name == "" {
		return errProjectNameRequired
	}

	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%q: %w", name, errInvalidProjectName)
	}

	cfg.Project.Name = name

	if cfg.Platform == "" {
		return nil
	}

	key, err := platform.ParseKey(cfg.Platform)
	if err != nil {
		return fmt.Errorf("invalid platform: %w", err)
	}

	cfg.Platform = string(key)

	return nil
}
