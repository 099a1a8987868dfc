package priors

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads and validates a ScaleConfig from a YAML file.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - The validated configuration.
//   - An error if the file cannot be read or parsed, or a
//     *common.ConfigurationError if the configuration is inconsistent.
func LoadConfig(path string) (ScaleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScaleConfig{}, errors.Wrapf(err, "reading scale config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML ScaleConfig document.
func ParseConfig(data []byte) (ScaleConfig, error) {
	var cfg ScaleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ScaleConfig{}, errors.Wrap(err, "decoding scale config")
	}
	if err := cfg.Validate(); err != nil {
		return ScaleConfig{}, err
	}
	return cfg, nil
}
