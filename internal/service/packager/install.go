package packager

import (
	"bytes"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const (
	// checksumFunction hashes copied artifacts.
	checksumFunction crypto.Hash = crypto.SHA512

	// dirMode is used for destination directories created inside the package.
	dirMode os.FileMode = 0o755
)

// installFunc copies src to dst, creating parent directories, and returns the SHA-512 of the copied bytes.
type installFunc func(src, dst string) ([]byte, error)

// newInstaller picks the copy strategy for the filesystem. On the OS filesystem
// artifacts are swapped in atomically with checksum verification; other
// filesystems get a streaming copy.
func newInstaller(fsys afero.Fs) installFunc {
	if _, ok := fsys.(*afero.OsFs); ok {
		return installAtomic
	}

	return func(src, dst string) ([]byte, error) {
		return installCopy(fsys, src, dst)
	}
}

// installAtomic replaces dst with the contents of src through go-update, which
// writes a sibling temp file, verifies its checksum and renames it into place.
func installAtomic(src, dst string) ([]byte, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Clean(src))
	if err != nil {
		return nil, err
	}

	sum := sha512.Sum512(data)

	if err = applyAtomic(dst, data, sum[:], info.Mode().Perm()); err != nil {
		return nil, err
	}

	return sum[:], nil
}

// applyAtomic swaps data into dst once it matches checksum.
// A placeholder created for a new dst is removed again when the swap fails.
func applyAtomic(dst string, data, checksum []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	created := false

	// go-update moves the existing target aside, so one has to exist.
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		placeholder, createErr := os.Create(filepath.Clean(dst))
		if createErr != nil {
			return createErr
		}

		if err = placeholder.Close(); err != nil {
			return err
		}

		created = true
	}

	options := goupdate.Options{
		TargetPath: dst,
		TargetMode: mode,
		Checksum:   checksum,
		Hash:       checksumFunction,
	}

	err := goupdate.Apply(bytes.NewReader(data), options)
	if err == nil {
		return nil
	}

	if created {
		if removeErr := os.Remove(dst); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("remove placeholder: %w", removeErr))
		}
	}

	return err
}

// installCopy streams src into dst on fsys while hashing the bytes.
func installCopy(fsys afero.Fs, src, dst string) (_ []byte, err error) {
	info, err := fsys.Stat(src)
	if err != nil {
		return nil, err
	}

	in, err := fsys.Open(src)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = in.Close()
	}()

	if err = fsys.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return nil, err
	}

	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	hasher := checksumFunction.New()
	if _, err = io.Copy(io.MultiWriter(out, hasher), in); err != nil {
		return nil, err
	}

	return hasher.Sum(nil), nil
}
