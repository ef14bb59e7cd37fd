// Package config loads server settings and the installed-agent registry
// from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DistKind is how an agent binary is distributed and therefore how its
// spawn command is resolved.
type DistKind string

const (
	// KindPackageRunner invokes the agent through a package runner such
	// as npx, e.g. "npx @zed-industries/claude-code-acp".
	KindPackageRunner DistKind = "package_runner"
	// KindBinary is a command resolved on PATH or given as an absolute path.
	KindBinary DistKind = "binary"
	// KindPlatformBinary is a per-OS/arch binary laid out under Dir as
	// <id>-<os>-<arch>.
	KindPlatformBinary DistKind = "platform_binary"
)

// Agent describes one installed agent.
type Agent struct {
	ID   string   `yaml:"id"`
	Name string   `yaml:"name"`
	Kind DistKind `yaml:"kind"`

	// KindBinary: the executable. KindPackageRunner: optional runner
	// override (default npx) plus the package name. KindPlatformBinary:
	// the directory holding per-platform binaries.
	Command string   `yaml:"command,omitempty"`
	Runner  string   `yaml:"runner,omitempty"`
	Package string   `yaml:"package,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// APIKeys maps environment variable names to secret values injected
	// at launch; they also satisfy matching env_var auth methods.
	APIKeys map[string]string `yaml:"api_keys,omitempty"`

	// Model selection: the chosen model is exported as ModelEnvVar and/or
	// appended as "ModelArg <model>".
	Model       string `yaml:"model,omitempty"`
	ModelEnvVar string `yaml:"model_env_var,omitempty"`
	ModelArg    string `yaml:"model_arg,omitempty"`

	// Env is extra custom environment for the agent process.
	Env map[string]string `yaml:"env,omitempty"`

	// Worktree setup hooks run in a freshly prepared worktree before the
	// session's first prompt. PromptFile, when present in the worktree,
	// seeds the initial prompt.
	SetupHooks []string `yaml:"setup_hooks,omitempty"`
	PromptFile string   `yaml:"prompt_file,omitempty"`
}

// Config is the top-level server configuration.
type Config struct {
	Listen  string  `yaml:"listen"`
	DataDir string  `yaml:"data_dir"`
	Token   string  `yaml:"token"`
	Agents  []Agent `yaml:"agents"`
}

// Load reads the config file at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{Listen: "127.0.0.1:8305"}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8305"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".agentmanager")
	}
	for i := range c.Agents {
		if c.Agents[i].Name == "" {
			c.Agents[i].Name = c.Agents[i].ID
		}
		if c.Agents[i].Kind == KindPackageRunner && c.Agents[i].Runner == "" {
			c.Agents[i].Runner = "npx"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{})
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}

		switch a.Kind {
		case KindBinary:
			if a.Command == "" {
				return fmt.Errorf("agent %q: binary kind requires command", a.ID)
			}
		case KindPackageRunner:
			if a.Package == "" {
				return fmt.Errorf("agent %q: package_runner kind requires package", a.ID)
			}
		case KindPlatformBinary:
			if a.Dir == "" {
				return fmt.Errorf("agent %q: platform_binary kind requires dir", a.ID)
			}
		default:
			return fmt.Errorf("agent %q: unknown kind %q", a.ID, a.Kind)
		}
	}
	return nil
}

// FindAgent returns the agent with the given ID.
func (c *Config) FindAgent(id string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}
