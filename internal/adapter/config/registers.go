// Package config provides register definition loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
)

// RegistersFile represents the YAML structure of the register
// definitions file.
type RegistersFile struct {
	Registers []domain.RegisterSpec `yaml:"registers"`
}

// LoadRegisters reads and validates register definitions from a YAML
// file. The returned slice preserves file order, which is the poll
// order.
func LoadRegisters(path string) ([]domain.RegisterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registers file %s: %w", path, err)
	}

	var file RegistersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registers file %s: %w", path, err)
	}

	specs := make([]domain.RegisterSpec, 0, len(file.Registers))
	for i, raw := range file.Registers {
		spec, err := domain.NewRegisterSpec(raw.Address, raw.Count, raw.Kind, raw.Name)
		if err != nil {
			return nil, fmt.Errorf("register %d in %s: %w", i, path, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
