package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flynn-ai/flynn-core/internal/errors"
)

// catalogFile is the YAML provider catalog layout.
type catalogFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadCatalog reads providers from a YAML catalog file.
func LoadCatalog(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigNotFound, "read catalog "+path, errors.CategoryUser)
	}

	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "parse catalog "+path, errors.CategoryUser)
	}
	return cat.Providers, nil
}
