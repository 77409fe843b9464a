// Package config provides configuration loading and path management for
// the orchestration core.
//
// # Configuration Loading
//
// Load merges, in increasing priority:
//
//  1. compiled-in defaults (Default())
//  2. the global config file (~/.config/orchestrator/orchestrator.json[c])
//  3. the project config file (<dir>/.orchestrator/orchestrator.json[c])
//  4. ORCHESTRATOR_* environment variables
//
// JSONC files are decommented with github.com/tidwall/jsonc before being
// unmarshaled as plain JSON.
//
// # Path Management
//
// GetPaths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/orchestrator (XDG_DATA_HOME)
//   - Config: ~/.config/orchestrator (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/orchestrator (XDG_CACHE_HOME)
//   - State: ~/.local/state/orchestrator (XDG_STATE_HOME)
package config
