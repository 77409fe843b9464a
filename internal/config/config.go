// Package config provides configuration loading and path management for
// the orchestration core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds the settings that tune the core's components. It is
// loaded, not hard-coded, so an operator can change spawn timeouts, batch
// sizes, and provider binaries without a rebuild.
type Config struct {
	// ProviderBinary is the executable name of the LLM CLI on PATH.
	ProviderBinary string `json:"providerBinary"`

	Spawner  SpawnerConfig  `json:"spawner"`
	Dispatch DispatchConfig `json:"dispatch"`
	Server   ServerConfig   `json:"server"`
	LogLevel string         `json:"logLevel"`
}

// SpawnerConfig tunes the Spawner component.
type SpawnerConfig struct {
	InitTimeout      time.Duration `json:"initTimeout"`
	GracefulShutdown time.Duration `json:"gracefulShutdown"`
	PTYCols          int           `json:"ptyCols"`
	PTYRows          int           `json:"ptyRows"`
	EventBufferSize  int           `json:"eventBufferSize"`
}

// DispatchConfig tunes the Dispatch Daemon.
type DispatchConfig struct {
	TickInterval  time.Duration `json:"tickInterval"`
	BatchSize     int           `json:"batchSize"`
	StoreTimeout  time.Duration `json:"storeTimeout"`
	MaxBackoff    time.Duration `json:"maxBackoff"`
}

// ServerConfig tunes the HTTP/SSE/WebSocket surface.
type ServerConfig struct {
	Port int `json:"port"`
}

// Default returns the configuration the core runs with absent any
// overrides.
func Default() *Config {
	return &Config{
		ProviderBinary: "claude",
		Spawner: SpawnerConfig{
			InitTimeout:      120 * time.Second,
			GracefulShutdown: 5 * time.Second,
			PTYCols:          120,
			PTYRows:          30,
			EventBufferSize:  64,
		},
		Dispatch: DispatchConfig{
			TickInterval: 5 * time.Second,
			BatchSize:    16,
			StoreTimeout: 30 * time.Second,
			MaxBackoff:   60 * time.Second,
		},
		Server: ServerConfig{
			Port: 7420,
		},
		LogLevel: "info",
	}
}

// Load builds a Config by merging, in increasing priority:
//  1. the compiled-in Default(),
//  2. the global config file (Paths().Config/orchestrator.json[c]),
//  3. the project config file (directory/.orchestrator/orchestrator.json[c]),
//  4. environment variable overrides.
//
// Mirrors a layered-merge strategy common to the broader config-loading idiom,
// using tidwall/jsonc to strip comments from the .jsonc variant instead of
// a hand-rolled regex pass.
func Load(directory string) (*Config, error) {
	cfg := Default()

	globalDir := GetPaths().Config
	loadConfigFile(filepath.Join(globalDir, "orchestrator.json"), cfg)
	loadConfigFile(filepath.Join(globalDir, "orchestrator.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".orchestrator", "orchestrator.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".orchestrator", "orchestrator.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // file doesn't exist, skip
	}

	data = jsonc.ToJSON(data)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	mergeConfig(cfg, &file)
	return nil
}

// mergeConfig overlays non-zero fields of source onto target.
func mergeConfig(target, source *Config) {
	if source.ProviderBinary != "" {
		target.ProviderBinary = source.ProviderBinary
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Spawner.InitTimeout != 0 {
		target.Spawner.InitTimeout = source.Spawner.InitTimeout
	}
	if source.Spawner.GracefulShutdown != 0 {
		target.Spawner.GracefulShutdown = source.Spawner.GracefulShutdown
	}
	if source.Spawner.PTYCols != 0 {
		target.Spawner.PTYCols = source.Spawner.PTYCols
	}
	if source.Spawner.PTYRows != 0 {
		target.Spawner.PTYRows = source.Spawner.PTYRows
	}
	if source.Spawner.EventBufferSize != 0 {
		target.Spawner.EventBufferSize = source.Spawner.EventBufferSize
	}
	if source.Dispatch.TickInterval != 0 {
		target.Dispatch.TickInterval = source.Dispatch.TickInterval
	}
	if source.Dispatch.BatchSize != 0 {
		target.Dispatch.BatchSize = source.Dispatch.BatchSize
	}
	if source.Dispatch.StoreTimeout != 0 {
		target.Dispatch.StoreTimeout = source.Dispatch.StoreTimeout
	}
	if source.Dispatch.MaxBackoff != 0 {
		target.Dispatch.MaxBackoff = source.Dispatch.MaxBackoff
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
}

// applyEnvOverrides applies the ORCHESTRATOR_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if bin := os.Getenv("ORCHESTRATOR_PROVIDER_BINARY"); bin != "" {
		cfg.ProviderBinary = bin
	}
	if lvl := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if port := os.Getenv("ORCHESTRATOR_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Server.Port = p
		}
	}
}
