package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
)

const (
	// TransientConfigFilename is read by setuptools from the project directory.
	TransientConfigFilename = "setup.cfg"
	// LicenseFilename is declared as the wheel license file.
	LicenseFilename = "LICENSE.txt"
)

// RenderTransientConfig returns the setup.cfg contents for the platform.
// The key appears twice: as the wheel plat-name and as its plat-tag.
func RenderTransientConfig(key platform.Key, pythonTag string) string {
	return fmt.Sprintf("[metadata]\nlicense_file = %s\n\n[bdist_wheel]\npython-tag = %s\nplat-name = %s\nplat-tag = %s\n",
		LicenseFilename, pythonTag, key, key)
}

// WriteTransientConfig writes setup.cfg into dir and returns its path.
func WriteTransientConfig(fsys afero.Fs, dir string, key platform.Key, pythonTag string) (string, error) {
	path := filepath.Join(dir, TransientConfigFilename)

	err := afero.WriteFile(fsys, path, []byte(RenderTransientConfig(key, pythonTag)), config.DefaultFilePermissions)
	if err != nil {
		return "", fmt.Errorf("write transient config: %w", err)
	}

	return path, nil
}

// RemoveTransientConfig deletes setup.cfg from dir. A missing file is not an error.
func RemoveTransientConfig(fsys afero.Fs, dir string) error {
	err := fsys.Remove(filepath.Join(dir, TransientConfigFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove transient config: %w", err)
	}

	return nil
}
