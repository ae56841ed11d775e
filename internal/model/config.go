package model

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FillZero     = "zero"
	FillRandom   = "random"
	FillProvided = "provided"
)

// Duration wraps time.Duration so config files can write "5ms" or "250us".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TensorSpec declares one named model input or output. Shape excludes the
// leading batch dimension; -1 marks a dynamic dimension.
type TensorSpec struct {
	Name          string  `yaml:"name"`
	Datatype      string  `yaml:"datatype"`
	Shape         []int64 `yaml:"shape"`
	IsShapeTensor bool    `yaml:"is_shape_tensor"`
}

// WarmupSample describes one synthetic batch used to exercise a runner
// before the model accepts live traffic.
type WarmupSample struct {
	Name      string            `yaml:"name"`
	BatchSize int               `yaml:"batch_size"`
	Fill      string            `yaml:"fill"`
	Provided  map[string][]byte `yaml:"provided,omitempty"`
}

type WarmupConfig struct {
	// FailClosed makes a warmup failure fatal for the model instead of
	// merely reported.
	FailClosed bool           `yaml:"fail_closed"`
	Samples    []WarmupSample `yaml:"samples"`
}

// Config is the immutable per-model configuration. It is validated once at
// backend init and read-only afterwards.
type Config struct {
	Name     string `yaml:"name"`
	Version  int64  `yaml:"version"`
	Platform string `yaml:"platform"`

	MaxBatchSize        int      `yaml:"max_batch_size"`
	PreferredBatchSizes []int    `yaml:"preferred_batch_sizes"`
	MaxQueueDelay       Duration `yaml:"max_queue_delay"`
	InstanceCount       int      `yaml:"instance_count"`

	DefaultPriorityLevel uint32 `yaml:"default_priority_level"`
	MaxPriorityLevel     uint32 `yaml:"max_priority_level"`

	Inputs  []TensorSpec `yaml:"inputs"`
	Outputs []TensorSpec `yaml:"outputs"`

	Warmup WarmupConfig `yaml:"warmup"`
}

// LoadConfig reads and validates a model configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes defaults and rejects configurations the scheduler
// cannot serve. It must be called before the config is shared.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("model config: name is required")
	}
	if c.Version < 0 {
		return fmt.Errorf("model config %q: version must be >= 0", c.Name)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("model config %q: max_batch_size must be > 0", c.Name)
	}
	if c.InstanceCount == 0 {
		c.InstanceCount = 1
	}
	if c.InstanceCount < 0 {
		return fmt.Errorf("model config %q: instance_count must be > 0", c.Name)
	}
	if c.MaxQueueDelay < 0 {
		return fmt.Errorf("model config %q: max_queue_delay must be >= 0", c.Name)
	}
	if c.MaxPriorityLevel == 0 {
		c.MaxPriorityLevel = 1
	}
	if c.DefaultPriorityLevel == 0 {
		c.DefaultPriorityLevel = c.MaxPriorityLevel
	}
	if c.DefaultPriorityLevel > c.MaxPriorityLevel {
		return fmt.Errorf(
			"model config %q: default_priority_level %d exceeds max_priority_level %d",
			c.Name, c.DefaultPriorityLevel, c.MaxPriorityLevel,
		)
	}

	seen := make(map[int]struct{}, len(c.PreferredBatchSizes))
	for _, size := range c.PreferredBatchSizes {
		if size <= 0 || size > c.MaxBatchSize {
			return fmt.Errorf(
				"model config %q: preferred batch size %d outside [1, %d]",
				c.Name, size, c.MaxBatchSize,
			)
		}
		if _, dup := seen[size]; dup {
			return fmt.Errorf("model config %q: duplicate preferred batch size %d", c.Name, size)
		}
		seen[size] = struct{}{}
	}
	sort.Ints(c.PreferredBatchSizes)

	if len(c.Inputs) == 0 {
		return fmt.Errorf("model config %q: at least one input is required", c.Name)
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("model config %q: at least one output is required", c.Name)
	}
	if err := validateSpecs(c.Name, "input", c.Inputs); err != nil {
		return err
	}
	if err := validateSpecs(c.Name, "output", c.Outputs); err != nil {
		return err
	}

	for idx, sample := range c.Warmup.Samples {
		if sample.BatchSize <= 0 || sample.BatchSize > c.MaxBatchSize {
			return fmt.Errorf(
				"model config %q: warmup sample %q batch_size %d outside [1, %d]",
				c.Name, sample.Name, sample.BatchSize, c.MaxBatchSize,
			)
		}
		switch sample.Fill {
		case FillZero, FillRandom:
		case FillProvided:
			for _, spec := range c.Inputs {
				if _, ok := sample.Provided[spec.Name]; !ok {
					return fmt.Errorf(
						"model config %q: warmup sample %q missing provided data for input %q",
						c.Name, sample.Name, spec.Name,
					)
				}
			}
		case "":
			c.Warmup.Samples[idx].Fill = FillZero
		default:
			return fmt.Errorf(
				"model config %q: warmup sample %q has unsupported fill %q",
				c.Name, sample.Name, sample.Fill,
			)
		}
	}
	return nil
}

// Input returns the spec for a named model input.
func (c *Config) Input(name string) (TensorSpec, bool) {
	return findSpec(c.Inputs, name)
}

// Output returns the spec for a named model output.
func (c *Config) Output(name string) (TensorSpec, bool) {
	return findSpec(c.Outputs, name)
}

// HasShapeTensor reports whether any input is a shape tensor, requiring the
// batching policy to compare values before merging payloads.
func (c *Config) HasShapeTensor() bool {
	for _, spec := range c.Inputs {
		if spec.IsShapeTensor {
			return true
		}
	}
	return false
}

func validateSpecs(modelName string, kind string, specs []TensorSpec) error {
	names := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("model config %q: %s name is required", modelName, kind)
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("model config %q: duplicate %s %q", modelName, kind, spec.Name)
		}
		names[spec.Name] = struct{}{}
		if !ValidDatatype(spec.Datatype) {
			return fmt.Errorf(
				"model config %q: %s %q has unsupported datatype %q",
				modelName, kind, spec.Name, spec.Datatype,
			)
		}
		if len(spec.Shape) == 0 {
			return fmt.Errorf("model config %q: %s %q requires a shape", modelName, kind, spec.Name)
		}
		for _, dim := range spec.Shape {
			if dim == 0 || dim < -1 {
				return fmt.Errorf(
					"model config %q: %s %q has invalid dimension %d",
					modelName, kind, spec.Name, dim,
				)
			}
		}
	}
	return nil
}

func findSpec(specs []TensorSpec, name string) (TensorSpec, bool) {
	for _, spec := range specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return TensorSpec{}, false
}
