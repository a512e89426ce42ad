package session

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParseProperties decodes a YAML or JSON property set. An empty document
// is an error.
func ParseProperties(data []byte) (Properties, error) {
	var props Properties
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("empty property set")
	}
	return props, nil
}

// ReadPropertiesFile reads a property set from a .yaml, .yml or .json file.
func ReadPropertiesFile(path string) (Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	props, err := ParseProperties(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return props, nil
}
