//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"
)

// Actor identifies who ran the packager.
type Actor struct {
	// Hostname is the machine the wheel was built on.
	Hostname string `yaml:"hostname"`
	// Username is the system user who started the build.
	Username string `yaml:"username"`
}

// DetectActor gathers host and user information for the build manifest.
func DetectActor() (*Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &Actor{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
