package packager

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/oshokin/qigeometry-packager/internal/logger"
)

// CleanupWorkingTree removes every subdirectory of packageDir and leaves plain files alone.
// Deletion errors are logged and otherwise ignored.
func CleanupWorkingTree(ctx context.Context, fsys afero.Fs, packageDir string) {
	entries, err := afero.ReadDir(fsys, packageDir)
	if err != nil {
		logger.DebugKV(ctx, "Package directory is not readable, nothing to clean", "path", packageDir, "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(packageDir, entry.Name())
		if err = fsys.RemoveAll(path); err != nil {
			logger.DebugKV(ctx, "Unable to remove directory", "path", path, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Removed copied artifacts", "path", path)
	}
}
