package build

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the well-known name of the tenant manifest at the
// root of an uploaded archive.
const ManifestFile = "berth.yaml"

// Manifest declares the resources a tenant needs before it can start.
// The loader resolves declared resources through the factory and hands
// them to the tenant as environment variables.
type Manifest struct {
	// Main is the package path to build, relative to the archive
	// root. Defaults to ".".
	Main string `yaml:"main"`

	// Database is the engine of the database the tenant wants
	// ("postgres", "mongodb"). Empty means no database.
	Database string `yaml:"database"`

	// Secrets lists the secret keys the tenant reads at startup.
	Secrets []string `yaml:"secrets"`
}

// ReadManifest loads berth.yaml from the extracted source directory.
// A missing manifest is not an error: the tenant simply declares no
// resources.
func ReadManifest(sourceDir string) (*Manifest, error) {
	m := &Manifest{Main: "."}

	data, err := os.ReadFile(filepath.Join(sourceDir, ManifestFile))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFile, err)
	}

	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	if m.Main == "" {
		m.Main = "."
	}
	return m, nil
}
