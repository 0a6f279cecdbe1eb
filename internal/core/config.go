package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	prov "github.com/3cpo-dev/testfleet/internal/providers"
)

type ShardConfig struct {
	Root        string   `yaml:"root"`
	Patterns    []string `yaml:"patterns"`
	Unit        string   `yaml:"unit"`
	Count       int      `yaml:"count"`
	Concurrency int      `yaml:"concurrency"`
}

type RunnerConfig struct {
	// Kind is one of local, ssh, agent.
	Kind           string   `yaml:"kind"`
	Command        []string `yaml:"command"`
	WorkDir        string   `yaml:"work_dir"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Coverage       bool     `yaml:"coverage"`
	Group          string   `yaml:"group"`
	Agents         []string `yaml:"agents"`
	AgentToken     string   `yaml:"-"`
}

type FixConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Concurrency int    `yaml:"concurrency"`
	WorkDir     string `yaml:"work_dir"`
}

type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"-"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
}

// Config is the testfleet configuration file.
type Config struct {
	Scheduler struct {
		MaxConcurrency int `yaml:"max_concurrency"`
	} `yaml:"scheduler"`
	Shards    ShardConfig  `yaml:"shards"`
	Runner    RunnerConfig `yaml:"runner"`
	Fix       FixConfig    `yaml:"fix"`
	LLM       LLMConfig    `yaml:"llm"`
	Providers prov.Config  `yaml:"providers"`
	SSH       struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		User           string `yaml:"user"`
		SSHPort        int    `yaml:"ssh_port"`
		Retries        int    `yaml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"defaults"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled      bool `yaml:"enabled"`
		FlushSeconds int  `yaml:"flush_seconds"`
	} `yaml:"telemetry"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/testfleet or ~/.config/testfleet.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "testfleet")
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	dir := ConfigDir()
	var cfg Config
	cfg.Scheduler.MaxConcurrency = DefaultMaxConcurrency
	cfg.Shards = ShardConfig{
		Root:        ".",
		Patterns:    []string{"**/*_test.go"},
		Unit:        "dir",
		Count:       4,
		Concurrency: 4,
	}
	cfg.Runner = RunnerConfig{
		Kind:           "local",
		Command:        []string{"go", "test", "-json", "-coverprofile={coverprofile}", "{packages}"},
		TimeoutSeconds: 600,
		Coverage:       true,
	}
	cfg.Fix = FixConfig{MaxAttempts: 3, Concurrency: 2, WorkDir: "."}
	cfg.LLM = LLMConfig{
		Model:             "gpt-4o-mini",
		TimeoutSeconds:    120,
		RequestsPerSecond: 2,
		MaxRetries:        3,
	}
	cfg.Providers.Default = "localssh"
	cfg.SSH.KeyDir = filepath.Join(dir, "ssh")
	cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	cfg.Defaults.User = "tf"
	cfg.Defaults.SSHPort = 22
	cfg.Defaults.Retries = 2
	cfg.Defaults.TimeoutSeconds = 30
	cfg.Store.Path = filepath.Join(dir, "testfleet.db")
	cfg.Telemetry.FlushSeconds = 30
	return cfg
}

// LoadConfig reads YAML configuration over the defaults. An empty path
// resolves to ConfigDir()/config.yaml, which may be absent; an explicit
// path must exist. Secrets from secrets.env and the environment are merged
// last so tokens never need to live in the YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"OPENAI_API_KEY", "TESTFLEET_AGENT_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	cfg.LLM.APIKey = secrets["OPENAI_API_KEY"]
	cfg.Runner.AgentToken = secrets["TESTFLEET_AGENT_TOKEN"]

	return cfg, cfg.Validate()
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch {
	case c.Scheduler.MaxConcurrency < 1:
		return NewConfigError("scheduler.max_concurrency", c.Scheduler.MaxConcurrency, "must be >= 1")
	case c.Shards.Count < 1:
		return NewConfigError("shards.count", c.Shards.Count, "must be >= 1")
	case c.Shards.Concurrency < 1:
		return NewConfigError("shards.concurrency", c.Shards.Concurrency, "must be >= 1")
	case c.Shards.Unit != "file" && c.Shards.Unit != "dir":
		return NewConfigError("shards.unit", c.Shards.Unit, "must be file or dir")
	case c.Fix.MaxAttempts < 1:
		return NewConfigError("fix.max_attempts", c.Fix.MaxAttempts, "must be >= 1")
	case c.Fix.Concurrency < 1:
		return NewConfigError("fix.concurrency", c.Fix.Concurrency, "must be >= 1")
	}
	switch c.Runner.Kind {
	case "local", "ssh", "agent":
	default:
		return NewConfigError("runner.kind", c.Runner.Kind, "must be local, ssh or agent")
	}
	if len(c.Runner.Command) == 0 {
		return NewConfigError("runner.command", "", "must not be empty")
	}
	return nil
}
