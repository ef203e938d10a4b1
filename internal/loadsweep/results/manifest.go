package results

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Manifest describes a run next to its result file.
type Manifest struct {
	RunId         string              `yaml:"runId"`
	SchemaVersion string              `yaml:"schemaVersion"`
	Prefix        string              `yaml:"prefix"`
	ResultFile    string              `yaml:"resultFile"`
	StartedAt     string              `yaml:"startedAt"`
	FinishedAt    string              `yaml:"finishedAt"`
	Parameters    map[string]string   `yaml:"parameters"`
	Hosts         []ManifestHost      `yaml:"hosts"`
	LoadPoints    []ManifestLoadPoint `yaml:"loadPoints"`
	Status        string              `yaml:"status"`
	Error         string              `yaml:"error,omitempty"`
}

type ManifestHost struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Address     string `yaml:"address"`
	DataAddress string `yaml:"dataAddress"`
}

type ManifestLoadPoint struct {
	Index       int    `yaml:"index"`
	OfferedLoad int64  `yaml:"offeredLoad"`
	Rows        int    `yaml:"rows"`
	Status      string `yaml:"status"`
}

func WriteManifest(path string, manifest Manifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, 0o644))
}

func ReadManifest(path string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, errors.WithMessagef(err, "decoding manifest %s", path)
	}
	return manifest, nil
}
