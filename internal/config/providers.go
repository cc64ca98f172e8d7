package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// providersFile is the on-disk shape of PROVIDERS_FILE:
//
//	providers:
//	  - provider_id: gemini
//	    model_id: gemini-1.5-flash
//	    priority: 1
//	    cost_class: free
type providersFile struct {
	Providers []models.ProviderConfig `yaml:"providers"`
}

// LoadProviders reads a YAML provider chain and returns it ordered by priority.
func LoadProviders(path string) ([]models.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s defines no providers", path)
	}

	for i := range file.Providers {
		if err := file.Providers[i].Validate(); err != nil {
			return nil, fmt.Errorf("providers file %s entry %d: %w", path, i, err)
		}
	}
	return models.SortByPriority(file.Providers), nil
}
