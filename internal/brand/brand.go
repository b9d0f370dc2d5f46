// Package brand provides the product identity for the agent.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts (unit files, keepalived notify hooks) read the same names.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand is the decoded brand.json.
type Brand struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	LockName         string `json:"lockName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	StateFileName    string `json:"stateFileName"`
}

var (
	Name             string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	// LockName is the abstract socket that serialises redundancy transitions.
	LockName       string
	BinaryName     string
	ConfigFileName string
	StateFileName  string

	// Set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	var b Brand
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}
	Name, Description = b.Name, b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir, DefaultStateDir, DefaultRunDir = b.DefaultConfigDir, b.DefaultStateDir, b.DefaultRunDir
	LockName, BinaryName = b.LockName, b.BinaryName
	ConfigFileName, StateFileName = b.ConfigFileName, b.StateFileName
}

// dir resolves a directory: <PREFIX>_<name> wins, then <PREFIX>_PREFIX/sub,
// then def.
func dir(name, sub, def string) string {
	if d := os.Getenv(ConfigEnvPrefix + "_" + name); d != "" {
		return d
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// GetStateDir returns the directory holding the desired-state database.
func GetStateDir() string {
	return dir("STATE_DIR", "state", DefaultStateDir)
}

// GetConfigDir returns the directory holding agent.hcl and the baselines.
func GetConfigDir() string {
	return dir("CONFIG_DIR", "config", DefaultConfigDir)
}

// GetRunDir returns the directory for scratch state such as dry-run
// sandboxes.
func GetRunDir() string {
	return dir("RUN_DIR", "run", DefaultRunDir)
}

// GetConfigPath returns the agent configuration file. VRAGENT_CONFIG names
// the file directly.
func GetConfigPath() string {
	if path := os.Getenv(ConfigEnvPrefix + "_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetStatePath returns the desired-state database path.
func GetStatePath() string {
	return filepath.Join(GetStateDir(), StateFileName)
}

// GetBaselineDir returns the directory of per-role baseline rule files.
func GetBaselineDir() string {
	return filepath.Join(GetConfigDir(), "baseline")
}
