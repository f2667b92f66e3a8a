package artifact

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// BuildMarker must appear in a directory path for its files to be considered.
const BuildMarker = "build"

// errFound stops the walk once the first match is known.
var errFound = errors.New("artifact found")

// Finder searches a directory tree for artifacts by exact filename.
type Finder struct {
	// fs is the filesystem the tree lives on.
	fs afero.Fs
	// root is the top of the searched tree.
	root string
}

// NewFinder creates a finder rooted at root.
func NewFinder(fsys afero.Fs, root string) *Finder {
	return &Finder{
		fs:   fsys,
		root: filepath.Clean(root),
	}
}

// Root returns the searched directory.
func (f *Finder) Root() string {
	return f.root
}

// Exists reports whether the search root is an existing directory.
func (f *Finder) Exists() bool {
	ok, err := afero.IsDir(f.fs, f.root)

	return err == nil && ok
}

// Find walks the tree in lexical order and returns the path of the first
// regular file called filename whose parent directory path contains "build".
// Unreadable subtrees are skipped. A missing root finds nothing.
func (f *Finder) Find(filename string) (string, bool) {
	if filename == "" || !f.Exists() {
		return "", false
	}

	var found string

	walkErr := afero.Walk(f.fs, f.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !info.IsDir() || !strings.Contains(path, BuildMarker) {
			return nil
		}

		candidate := filepath.Join(path, filename)
		if f.isFile(candidate) {
			found = candidate

			return errFound
		}

		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errFound) {
		return "", false
	}

	return found, found != ""
}

// isFile reports whether path resolves to a regular file. Stat follows symlinks.
func (f *Finder) isFile(path string) bool {
	info, err := f.fs.Stat(path)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular()
}
