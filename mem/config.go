package mem

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/mem/alloc"
	"github.com/joshuapare/devmem/mem/device"
)

// Config configures a Manager.
//
// Example YAML:
//
//	host:
//	  poolGranularity: 1048576
//	device:
//	  fixedCapacity: true
//	  reserve: 268435456
//	  dumpPath: /tmp/device-oom.txt
//	sim:
//	  capacity: 1073741824
//	minOffloadSize: 4194304
type Config struct {
	Host   alloc.Config     `json:"host"`
	Pinned alloc.Config     `json:"pinned"`
	Device alloc.Config     `json:"device"`
	Sim    device.SimConfig `json:"sim"`

	// MinOffloadSize is the size below which unforced offloads are skipped.
	MinOffloadSize int64 `json:"minOffloadSize,omitempty"`
}

// DefaultConfig returns growable allocators with default granularities.
func DefaultConfig() Config {
	return Config{
		Host:           alloc.Config{Name: "host"}.WithDefaults(),
		Pinned:         alloc.Config{Name: "pinned"}.WithDefaults(),
		Device:         alloc.Config{Name: "device"}.WithDefaults(),
		MinOffloadSize: format.MinOffloadSize,
	}
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mem: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("mem: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every allocator section.
func (c Config) Validate() error {
	var result *multierror.Error
	for _, sec := range []struct {
		name string
		cfg  alloc.Config
	}{
		{"host", c.Host},
		{"pinned", c.Pinned},
		{"device", c.Device},
	} {
		if err := sec.cfg.WithDefaults().Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", sec.name, err))
		}
	}
	if c.MinOffloadSize < 0 {
		result = multierror.Append(result, fmt.Errorf("negative minOffloadSize %d", c.MinOffloadSize))
	}
	if c.Sim.Capacity < 0 || c.Sim.Gap < 0 {
		result = multierror.Append(result, fmt.Errorf("sim: negative capacity or gap"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("mem: invalid config: %w", err)
	}
	return nil
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
