package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is looked up at the project root.
const ManifestFileName = "taskdeck.yaml"

// Manifest declares per-project defaults applied when a task input names
// none.
type Manifest struct {
	Agent string         `yaml:"agent,omitempty"`
	Model *ManifestModel `yaml:"model,omitempty"`
}

// ManifestModel selects a default provider/model pair.
type ManifestModel struct {
	Provider string `yaml:"provider"`
	ID       string `yaml:"id"`
}

// LoadManifest reads the manifest at the project root. A missing file
// yields (nil, nil); a malformed one is an error.
func LoadManifest(rootDirectory string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(rootDirectory, ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse project manifest: %w", err)
	}
	if manifest.Model != nil {
		if manifest.Model.Provider == "" || manifest.Model.ID == "" {
			return nil, errors.New("manifest model requires both provider and id")
		}
	}
	return &manifest, nil
}
