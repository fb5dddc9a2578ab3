// Package config loads the simulator's JSON configuration file, the only
// boot-time input the core accepts (no environment variables, no CLI flags).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and decodes the JSON configuration file at path into a new T.
func Load[T any](path string) (*T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %q: %w", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", absPath, err)
	}
	defer file.Close()

	var cfg T
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config file %q: %w", absPath, err)
	}

	return &cfg, nil
}

// SimConfig holds every configuration input the core consumes at boot.
type SimConfig struct {
	PageSize      int    `json:"PAGE_SIZE"`
	PageNumber    int    `json:"PAGE_NUMBER"`
	MemoryClockHz int    `json:"MEMORY_CLOCK"`
	SchedulerHz   int    `json:"SCHEDULER_CLOCK"`
	CPUHz         int    `json:"CPU_CLOCK"`
	Quantum       int    `json:"QUANTUM"`
	SwapDir       string `json:"SWAP_DIR"`
	OutputDir     string `json:"OUTPUT_DIR"`
	LogLevel      string `json:"LOG_LEVEL"`
}

// EnsureDirs creates the swap and output directories if they do not exist.
func (c *SimConfig) EnsureDirs() error {
	for _, dir := range []string{c.SwapDir, c.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return nil
}
