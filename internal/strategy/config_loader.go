package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a strategy entry in the YAML seed file.
type Seed struct {
	ID     string `yaml:"id"`
	Params `yaml:",inline"`
}

// SeedFile represents the top-level YAML structure.
type SeedFile struct {
	Strategies []Seed `yaml:"strategies"`
}

// LoadSeeds reads strategy seeds from a YAML file. A missing file yields
// no seeds. Every entry is normalized; the first invalid entry fails the load.
func LoadSeeds(path string) ([]Seed, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Strategies))
	for i := range file.Strategies {
		s := &file.Strategies[i]
		if err := s.Params.Normalize(); err != nil {
			return nil, fmt.Errorf("seed %d (%s): %w", i, s.ID, err)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return nil, fmt.Errorf("seed %d: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return file.Strategies, nil
}
