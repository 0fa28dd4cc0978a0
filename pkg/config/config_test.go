package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the default parameter values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Solver.LMax != 4 {
		t.Errorf("default lmax: expected 4, got %d", cfg.Solver.LMax)
	}
	if cfg.Solver.Reg != 1e-3 || cfg.Solver.ZReg != 1e-3 {
		t.Errorf("default regularisation: expected 1e-3, got %g and %g", cfg.Solver.Reg, cfg.Solver.ZReg)
	}
	if cfg.Solver.Tolerance != 1e-4 {
		t.Errorf("default tolerance: expected 1e-4, got %g", cfg.Solver.Tolerance)
	}
	if cfg.Solver.MaxIter != 10 {
		t.Errorf("default maxiter: expected 10, got %d", cfg.Solver.MaxIter)
	}
	if cfg.Processing.NumCores < 1 {
		t.Errorf("default cores should be positive, got %d", cfg.Processing.NumCores)
	}
	if cfg.Processing.SSPFWHM != 1.0 {
		t.Errorf("default slice profile FWHM: expected 1, got %g", cfg.Processing.SSPFWHM)
	}
}

// TestLoadConfigMissingFile verifies defaults are returned when no config
// file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Solver.LMax != DefaultConfig().Solver.LMax {
		t.Error("missing config file should yield defaults")
	}
}

// TestLoadConfigOverrides verifies file values override defaults
func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `solver:
  lmax: 6
  maxiter: 25
processing:
  numCores: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Solver.LMax != 6 {
		t.Errorf("lmax: expected 6, got %d", cfg.Solver.LMax)
	}
	if cfg.Solver.MaxIter != 25 {
		t.Errorf("maxiter: expected 25, got %d", cfg.Solver.MaxIter)
	}
	if cfg.Processing.NumCores != 3 {
		t.Errorf("cores: expected 3, got %d", cfg.Processing.NumCores)
	}
	// untouched values keep their defaults
	if cfg.Solver.Tolerance != 1e-4 {
		t.Errorf("tolerance should keep its default, got %g", cfg.Solver.Tolerance)
	}
}

// TestSaveLoadRoundTrip verifies a saved config loads back identically
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Solver.LMax = 8
	cfg.Output.Verbose = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got.Solver.LMax != 8 {
		t.Errorf("lmax: expected 8, got %d", got.Solver.LMax)
	}
	if got.Output.Verbose {
		t.Error("verbose: expected false")
	}
}

// TestLoadConfigParseError verifies malformed YAML is reported
func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("solver: [\n"), 0644); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed config")
	}
}
