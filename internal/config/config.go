package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config models yieldline.yml.
type Config struct {
	Line struct {
		Name string `yaml:"name"`
	} `yaml:"line"`
	Flow struct {
		// ReworkMarkers are substrings that mark a step code as a rework/debug step.
		ReworkMarkers []string `yaml:"rework_markers"`
		// ExcludedSteps are step codes kept out of the nominal flow.
		ExcludedSteps []string `yaml:"excluded_steps"`
	} `yaml:"flow"`
	Windows struct {
		BaselineHours int `yaml:"baseline_hours"`
		CurrentHours  int `yaml:"current_hours"`
	} `yaml:"windows"`
	FlowGraph struct {
		MinUnits int `yaml:"min_units"`
		Hours    int `yaml:"hours"`
	} `yaml:"flow_graph"`
	Similarity struct {
		TopN int `yaml:"top_n"`
	} `yaml:"similarity"`
	UnitTrace struct {
		TopEpisodes int `yaml:"top_episodes"`
	} `yaml:"unit_trace"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("config %s not found; create one with yl config init", path)
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Windows.BaselineHours <= 0 {
		return errors.New("config.windows.baseline_hours must be positive")
	}
	if c.Windows.CurrentHours <= 0 {
		return errors.New("config.windows.current_hours must be positive")
	}
	if c.Windows.CurrentHours >= c.Windows.BaselineHours {
		return errors.New("config.windows.current_hours must be shorter than baseline_hours")
	}
	if c.FlowGraph.MinUnits < 0 {
		return errors.New("config.flow_graph.min_units must not be negative")
	}
	if c.FlowGraph.Hours <= 0 {
		return errors.New("config.flow_graph.hours must be positive")
	}
	if c.Similarity.TopN <= 0 {
		return errors.New("config.similarity.top_n must be positive")
	}
	if c.UnitTrace.TopEpisodes < 0 {
		return errors.New("config.unit_trace.top_episodes must not be negative")
	}
	for _, m := range c.Flow.ReworkMarkers {
		if strings.TrimSpace(m) == "" {
			return errors.New("config.flow.rework_markers contains an empty marker")
		}
	}
	for _, code := range c.Flow.ExcludedSteps {
		if strings.TrimSpace(code) == "" {
			return errors.New("config.flow.excluded_steps contains an empty step code")
		}
	}
	if base := c.Server.BasePath; base != "" && !strings.HasPrefix(base, "/") {
		return errors.Newf("config.server.base_path %q must start with /", base)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "yieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields missing
// from the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return FromYAML(data)
}

const defaultTemplate = `line:
  name: Main assembly line

flow:
  rework_markers: [REWORK, DEBUG]
  excluded_steps: [SEAL_REWORK, RF_DEBUG]

windows:
  baseline_hours: 168
  current_hours: 24

flow_graph:
  min_units: 5
  hours: 24

similarity:
  top_n: 5

unit_trace:
  top_episodes: 3

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  json: false
`
