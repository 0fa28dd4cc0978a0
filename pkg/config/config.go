// Package config provides configuration loading and management for
// shard-recon. It handles loading configuration from YAML files and
// provides default values; command-line flags override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Solver parameters
	Solver struct {
		// LMax is the maximum even harmonic order of the output series
		LMax int `yaml:"lmax"`

		// Reg is the isotropic Laplacian regularisation coefficient
		Reg float64 `yaml:"reg"`

		// ZReg is the through-slice regularisation coefficient
		ZReg float64 `yaml:"zreg"`

		// Tolerance is the relative residual at which the conjugate
		// gradient iteration stops
		Tolerance float64 `yaml:"tolerance"`

		// MaxIter is the iteration limit of the solver
		MaxIter int `yaml:"maxiter"`
	} `yaml:"solver"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for the
		// operator fan-out
		NumCores int `yaml:"numCores"`

		// SSPFWHM is the default Gaussian slice profile width, in
		// units of the slice spacing
		SSPFWHM float64 `yaml:"sspFwhm"`

		// ShellEpsilon is the b-value width used when clustering
		// gradient directions into shells
		ShellEpsilon float64 `yaml:"shellEpsilon"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of console output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Solver.LMax = 4
	cfg.Solver.Reg = 1e-3
	cfg.Solver.ZReg = 1e-3
	cfg.Solver.Tolerance = 1e-4
	cfg.Solver.MaxIter = 10

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.SSPFWHM = 1.0
	cfg.Processing.ShellEpsilon = 80.0

	cfg.Output.Verbose = true

	return cfg
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
