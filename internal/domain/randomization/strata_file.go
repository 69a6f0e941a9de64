package randomization

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrataFile is the on-disk form of a generation request:
//
//	strategy: block
//	initial_id: 100
//	strata:
//	  Good_M: 8
//	  Poor_F: 4
type StrataFile struct {
	Strategy  string         `yaml:"strategy"`
	InitialID *int           `yaml:"initial_id"`
	Seed      *int64         `yaml:"seed"`
	Strata    map[string]int `yaml:"strata"`
}

// LoadStrataFile reads and parses a strata file. Stratum keys are checked
// here; counts are left for the strategies to validate.
func LoadStrataFile(path string) (*StrataFile, StrataSizes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read strata file %s: %w", path, err)
	}
	return ParseStrataFile(data)
}

// ParseStrataFile decodes YAML strata file content.
func ParseStrataFile(data []byte) (*StrataFile, StrataSizes, error) {
	var f StrataFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("decode strata file: %w", err)
	}
	sizes, err := ParseStrataSizes(f.Strata)
	if err != nil {
		return nil, nil, fmt.Errorf("strata file: %w", err)
	}
	return &f, sizes, nil
}
