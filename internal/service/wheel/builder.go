package wheel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/qigeometry-packager/internal/logger"
)

const (
	// StubFilename is the transient setuptools entry script.
	StubFilename = "_wheel_setup.py"
	// MetadataFilename holds the setuptools.setup keyword arguments as JSON.
	MetadataFilename = "_wheel_metadata.json"

	// stubFileMode is used for both transient files.
	stubFileMode os.FileMode = 0o644

	// maxErrorOutput caps how much tool output is attached to an error.
	maxErrorOutput = 2048
)

// stubSource loads the JSON next to it and hands it to setuptools.
// It stays compatible with Python 2.6+ and Python 3.
const stubSource = `# Generated by qigeometry-packager. Do not edit.
import io
import json

import setuptools

with io.open("` + MetadataFilename + `", encoding="utf-8") as handle:
    setuptools.setup(**json.load(handle))
`

var errBuildFailed = errors.New("packaging tool failed")

// Metadata mirrors the setuptools.setup keyword arguments used for the wheel.
type Metadata struct {
	Name               string              `json:"name"`
	Version            string              `json:"version"`
	Description        string              `json:"description"`
	LongDescription    string              `json:"long_description"`
	Keywords           string              `json:"keywords"`
	URL                string              `json:"url"`
	Author             string              `json:"author"`
	AuthorEmail        string              `json:"author_email"`
	Platforms          string              `json:"platforms"`
	PythonRequires     string              `json:"python_requires"`
	Packages           []string            `json:"packages"`
	PackageDir         map[string]string   `json:"package_dir"`
	PackageData        map[string][]string `json:"package_data"`
	IncludePackageData bool                `json:"include_package_data"`
	InstallRequires    []string            `json:"install_requires"`
	Classifiers        []string            `json:"classifiers"`
}

// Request describes one wheel build.
type Request struct {
	// WorkDir is the project directory holding setup.cfg and the package folder.
	WorkDir string
	// DistDir receives the produced wheel.
	DistDir string
	// Metadata is passed to setuptools verbatim.
	Metadata *Metadata
}

// Builder produces a wheel from a prepared project directory.
type Builder interface {
	Build(ctx context.Context, req *Request) error
}

// SetuptoolsBuilder runs `python <stub> bdist_wheel` in the project directory.
type SetuptoolsBuilder struct {
	// python is the interpreter executable.
	python string
	// timeout bounds one build; zero disables the limit.
	timeout time.Duration
}

var _ Builder = (*SetuptoolsBuilder)(nil)

// NewSetuptoolsBuilder creates a builder using the given interpreter.
func NewSetuptoolsBuilder(python string, timeout time.Duration) *SetuptoolsBuilder {
	return &SetuptoolsBuilder{
		python:  python,
		timeout: timeout,
	}
}

// Build writes the transient stub and metadata, runs setuptools and removes both files.
func (b *SetuptoolsBuilder) Build(ctx context.Context, req *Request) (err error) {
	if req == nil || req.Metadata == nil {
		return fmt.Errorf("%w: empty request", errBuildFailed)
	}

	stubPath := filepath.Join(req.WorkDir, StubFilename)
	metadataPath := filepath.Join(req.WorkDir, MetadataFilename)

	defer func() {
		// Both files are transient whatever the outcome.
		for _, path := range []string{stubPath, metadataPath} {
			if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				logger.WarnKV(ctx, "Unable to remove transient file", "path", path, "error", removeErr)
			}
		}
	}()

	if err = writeMetadata(metadataPath, req.Metadata); err != nil {
		return err
	}

	if err = os.WriteFile(stubPath, []byte(stubSource), stubFileMode); err != nil {
		return fmt.Errorf("write setup stub: %w", err)
	}

	distDir, err := filepath.Abs(req.DistDir)
	if err != nil {
		return fmt.Errorf("resolve dist dir: %w", err)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	//nolint:gosec // G204: interpreter path comes from the operator's configuration.
	cmd := exec.CommandContext(ctx, b.python, StubFilename, "bdist_wheel", "--dist-dir", distDir)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.InfoKV(ctx, "Running packaging tool", "python", b.python, "dist_dir", distDir)

	runErr := cmd.Run()

	logOutput(ctx, "stdout", stdout.Bytes())
	logOutput(ctx, "stderr", stderr.Bytes())

	if runErr != nil {
		return fmt.Errorf("%w: %w: %s", errBuildFailed, runErr, tail(stderr.String(), maxErrorOutput))
	}

	return nil
}

// writeMetadata stores the setup keyword arguments as UTF-8 JSON.
func writeMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err = os.WriteFile(path, data, stubFileMode); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	return nil
}

// logOutput forwards tool output line by line at debug level.
func logOutput(ctx context.Context, stream string, output []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			logger.DebugKV(ctx, line, "stream", stream)
		}
	}
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return "..." + s[len(s)-n:]
}
