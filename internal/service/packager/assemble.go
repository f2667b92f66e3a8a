package packager

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
	"github.com/oshokin/qigeometry-packager/internal/logger"
	"github.com/oshokin/qigeometry-packager/internal/repository/artifact"
)

// maxParallelArtifacts bounds concurrent search and copy operations.
const maxParallelArtifacts = 4

// PackagedArtifact describes one artifact copied into the package.
type PackagedArtifact struct {
	// Name is the artifact filename.
	Name string
	// Source is where the artifact was found.
	Source string
	// Destination is the slash-separated path relative to the package directory.
	Destination string
	// Checksum is the base64-encoded SHA-512 of the copied bytes.
	Checksum string
}

// Assembly is the outcome of copying a profile's artifacts.
type Assembly struct {
	// Added lists copied artifacts in profile order.
	Added []PackagedArtifact
	// Missing lists artifact names that were not found, in profile order.
	Missing []string
}

// AssemblePackage finds every artifact of profile under searchRoot and copies it
// to its destination below packageDir. A missing artifact is logged and skipped;
// a failing copy aborts the whole assembly.
func AssemblePackage(
	ctx context.Context,
	fsys afero.Fs,
	profile platform.Profile,
	searchRoot, packageDir string,
) (*Assembly, error) {
	finder := artifact.NewFinder(fsys, searchRoot)
	if !finder.Exists() {
		logger.WarnKV(ctx, "Search root does not exist, no artifact can be found", "search_root", searchRoot)
	} else {
		logger.InfoKV(ctx, "Searching for artifacts", "search_root", finder.Root())
	}

	var (
		install = newInstaller(fsys)
		found   = make([]*PackagedArtifact, len(profile.Artifacts))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelArtifacts)

	for i, item := range profile.Artifacts {
		group.Go(func() error {
			source, ok := finder.Find(item.Name)
			if !ok {
				logger.WarnKV(groupCtx, "Artifact is missing", "file", item.Name)
				return nil
			}

			dest := filepath.Join(packageDir, filepath.FromSlash(item.Destination))

			checksum, err := install(source, dest)
			if err != nil {
				return fmt.Errorf("copy %s to %s: %w", source, dest, err)
			}

			logger.InfoKV(groupCtx, "Artifact added to the package",
				"file", item.Name,
				"source", source,
				"destination", item.Destination,
			)

			found[i] = &PackagedArtifact{
				Name:        item.Name,
				Source:      source,
				Destination: item.Destination,
				Checksum:    base64.StdEncoding.EncodeToString(checksum),
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	assembly := new(Assembly)

	for i, item := range profile.Artifacts {
		if found[i] == nil {
			assembly.Missing = append(assembly.Missing, item.Name)
			continue
		}

		assembly.Added = append(assembly.Added, *found[i])
	}

	return assembly, nil
}
