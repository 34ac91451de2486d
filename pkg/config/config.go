// Package config provides configuration loading and management for lungctseg.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"lungctsegmenter/pkg/ai"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/postprocess"
)

// Default threshold ranges in HU.
var (
	DefaultLungThreshold   = ThresholdRange{Min: -1500, Max: -400}
	DefaultAirwayThreshold = ThresholdRange{Min: -1500, Max: -850}
)

// ThresholdRange is an inclusive intensity range.
type ThresholdRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Range converts to the imaging representation.
func (r ThresholdRange) Range() imaging.Range {
	return imaging.Range{Min: r.Min, Max: r.Max}
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Intensity thresholds for lung growth and airway growth
	Thresholds struct {
		Lung   ThresholdRange `yaml:"lung"`
		Airway ThresholdRange `yaml:"airway"`
	} `yaml:"thresholds"`

	// Segmentation options of a session
	Segmentation struct {
		// DetailLevel is low, medium or high and sets the thinnest airway kept
		DetailLevel string `yaml:"detailLevel"`

		DetailedAirways bool `yaml:"detailedAirways"`
		ShrinkMasks     bool `yaml:"shrinkMasks"`
		DetailedMasks   bool `yaml:"detailedMasks"`
		UseAI           bool `yaml:"useAI"`

		// Engine is lungmask or TotalSegmentator
		Engine string `yaml:"engine"`

		// SaveSeeds stores the seed files next to the input as well
		SaveSeeds     bool `yaml:"saveSeeds"`
		LoadLastSeeds bool `yaml:"loadLastSeeds"`
	} `yaml:"segmentation"`

	// External AI tooling
	AI struct {
		// Python, when set, runs the commands below as scripts
		Python                  string `yaml:"python"`
		LungmaskCommand         string `yaml:"lungmaskCommand"`
		TotalSegmentatorCommand string `yaml:"totalSegmentatorCommand"`
		CombineMasksCommand     string `yaml:"combineMasksCommand"`

		// ScriptsDir is the working directory of the external tools
		ScriptsDir string `yaml:"scriptsDir"`

		// ClassMapPath overrides the built-in TotalSegmentator class map
		ClassMapPath    string   `yaml:"classMapPath"`
		GPUProbeCommand []string `yaml:"gpuProbeCommand"`
	} `yaml:"ai"`

	Paths struct {
		TempDir  string `yaml:"tempDir"`
		Database string `yaml:"database"`
	} `yaml:"paths"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Thresholds.Lung = DefaultLungThreshold
	cfg.Thresholds.Airway = DefaultAirwayThreshold

	cfg.Segmentation.DetailLevel = string(postprocess.DetailMedium)
	cfg.Segmentation.Engine = string(ai.EngineLungmask)

	cfg.AI.LungmaskCommand = "lungmask"
	cfg.AI.TotalSegmentatorCommand = "TotalSegmentator"
	cfg.AI.CombineMasksCommand = "totalseg_combine_masks"
	cfg.AI.GPUProbeCommand = append([]string{ai.DefaultProbeCommand.Name}, ai.DefaultProbeCommand.Args...)

	cfg.Paths.TempDir = filepath.Join(os.TempDir(), "LungCTSegmenter")
	cfg.Paths.Database = "lungctseg.db"

	cfg.Log.Level = "info"

	return cfg
}

// ResetThresholds restores both threshold ranges to their defaults.
func (c *Config) ResetThresholds() {
	c.Thresholds.Lung = DefaultLungThreshold
	c.Thresholds.Airway = DefaultAirwayThreshold
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Thresholds.Lung.Min >= c.Thresholds.Lung.Max {
		return fmt.Errorf("lung threshold min %g must be below max %g", c.Thresholds.Lung.Min, c.Thresholds.Lung.Max)
	}
	if c.Thresholds.Airway.Min >= c.Thresholds.Airway.Max {
		return fmt.Errorf("airway threshold min %g must be below max %g", c.Thresholds.Airway.Min, c.Thresholds.Airway.Max)
	}
	if _, err := postprocess.ParseDetailLevel(c.Segmentation.DetailLevel); err != nil {
		return err
	}
	if _, err := ai.ParseEngine(c.Segmentation.Engine); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads an optional .env file, the YAML file at configPath and then
// LUNGCT_* environment overrides.
func Load(configPath string) (*Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("LUNGCT_CONFIG_PATH")
	}
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from LUNGCT_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"LUNGCT_LUNG_MIN":   &c.Thresholds.Lung.Min,
		"LUNGCT_LUNG_MAX":   &c.Thresholds.Lung.Max,
		"LUNGCT_AIRWAY_MIN": &c.Thresholds.Airway.Min,
		"LUNGCT_AIRWAY_MAX": &c.Thresholds.Airway.Max,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = f
		}
	}

	bools := map[string]*bool{
		"LUNGCT_USE_AI":           &c.Segmentation.UseAI,
		"LUNGCT_DETAILED_AIRWAYS": &c.Segmentation.DetailedAirways,
		"LUNGCT_SHRINK_MASKS":     &c.Segmentation.ShrinkMasks,
		"LUNGCT_DETAILED_MASKS":   &c.Segmentation.DetailedMasks,
		"LUNGCT_SAVE_SEEDS":       &c.Segmentation.SaveSeeds,
		"LUNGCT_LOAD_LAST_SEEDS":  &c.Segmentation.LoadLastSeeds,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	strs := map[string]*string{
		"LUNGCT_DETAIL_LEVEL": &c.Segmentation.DetailLevel,
		"LUNGCT_ENGINE":       &c.Segmentation.Engine,
		"LUNGCT_PYTHON":       &c.AI.Python,
		"LUNGCT_SCRIPTS_DIR":  &c.AI.ScriptsDir,
		"LUNGCT_CLASS_MAP":    &c.AI.ClassMapPath,
		"LUNGCT_TEMP_DIR":     &c.Paths.TempDir,
		"LUNGCT_DB_PATH":      &c.Paths.Database,
		"LUNGCT_LOG_LEVEL":    &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to zap levels.
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
