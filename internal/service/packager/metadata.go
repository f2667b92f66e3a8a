package packager

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/domain/platform"
	"github.com/oshokin/qigeometry-packager/internal/service/wheel"
)

// DescriptionFilename provides the wheel long description.
const DescriptionFilename = "README.md"

// baseClassifiers precede the OS classifier of the active profile.
//
//nolint:gochecknoglobals // Read-only trove classifier list.
var baseClassifiers = []string{
	"Development Status :: 5 - Production/Stable",
	"Intended Audience :: Developers",
	"Topic :: Software Development :: Embedded Systems",
	"Framework :: Robot Framework :: Tool",
	"Programming Language :: Python :: 2",
}

// ReadDescription returns the README contents of dir.
// The boolean is false when the file is absent or unreadable; the caller then uses an empty description.
func ReadDescription(fsys afero.Fs, dir string) (string, bool) {
	data, err := afero.ReadFile(fsys, filepath.Join(dir, DescriptionFilename))
	if err != nil {
		return "", false
	}

	return string(data), true
}

// buildMetadata assembles the setuptools arguments for the active profile.
func buildMetadata(project config.Project, version string, profile platform.Profile, longDescription string) *wheel.Metadata {
	classifiers := make([]string, 0, len(baseClassifiers)+1)
	classifiers = append(classifiers, baseClassifiers...)
	classifiers = append(classifiers, profile.System)

	return &wheel.Metadata{
		Name:               project.Name,
		Version:            version,
		Description:        project.Description,
		LongDescription:    longDescription,
		Keywords:           project.Keywords,
		URL:                project.URL,
		Author:             project.Author,
		AuthorEmail:        project.AuthorEmail,
		Platforms:          string(profile.Key),
		PythonRequires:     project.PythonRequires,
		Packages:           []string{project.Name},
		PackageDir:         map[string]string{project.Name: project.Name},
		PackageData:        map[string][]string{project.Name: profile.Destinations()},
		IncludePackageData: true,
		InstallRequires:    append([]string(nil), project.InstallRequires...),
		Classifiers:        classifiers,
	}
}
