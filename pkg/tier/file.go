package tier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type tableFile struct {
	Version int                   `yaml:"version"`
	Tiers   map[string]Definition `yaml:"tiers"`
}

// LoadFile reads a tier table from a YAML file. The file must carry a
// positive version, define all three tiers, and satisfy the nesting
// invariant, exactly like the built-in table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tier: read table file: %w", err)
	}

	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tier: parse table file: %w", err)
	}
	if tf.Version <= 0 {
		return nil, fmt.Errorf("tier: table file version must be positive, got %d", tf.Version)
	}

	defs := make(map[Tier]Definition, len(tf.Tiers))
	for name, def := range tf.Tiers {
		t, err := Parse(name)
		if err != nil {
			return nil, err
		}
		defs[t] = def
	}
	return New(tf.Version, defs)
}
