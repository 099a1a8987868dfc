package detector

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
)

// Phase selects what an inference call returns.
type Phase string

const (
	// PhaseTest decodes and suppresses predictions into detections.
	PhaseTest Phase = "test"
	// PhaseTrain returns the raw (loc, conf, priors) triple unfiltered.
	PhaseTrain Phase = "train"
)

// Config represents the configuration for the detector.
type Config struct {
	Model   model.Name        `json:"model" yaml:"model"`
	Family  model.Family      `json:"family" yaml:"family"`
	Phase   Phase             `json:"phase" yaml:"phase"`
	Backend model.BackendName `json:"backend" yaml:"backend"`
	// Channels overrides the per-level backbone channel table.
	Channels []int `json:"channels,omitempty" yaml:"channels,omitempty"`
	// Decoder overrides the default thresholds.
	Decoder *postprocess.Config `json:"decoder,omitempty" yaml:"decoder,omitempty"`
	// Workers bounds the images of a batch processed concurrently; 0 uses
	// one worker per CPU.
	Workers int `json:"workers" yaml:"workers"`
	// Timeout, when set, bounds every inference call as a whole.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Seed makes InitParams deterministic when no weights are supplied.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns an ssd300 VOC detector in test phase.
func DefaultConfig() Config {
	return Config{
		Model:   model.ModelNameSSD300,
		Family:  model.FamilyVOC,
		Phase:   PhaseTest,
		Backend: model.BackendNative,
	}
}

// LoadConfig reads a YAML detector configuration, filling unset fields
// from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading detector config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decoding detector config %s", path)
	}
	return cfg, nil
}

func (c Config) modelArgs() model.NewModelArgs {
	return model.NewModelArgs{
		Name:     c.Model,
		Family:   c.Family,
		Channels: c.Channels,
		Backend:  c.Backend,
		Decoder:  c.Decoder,
	}
}
