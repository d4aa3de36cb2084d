// Package config loads hugex configuration from a YAML file with
// environment-variable overrides. The resulting value is passed explicitly
// into the orchestrator and backends; nothing reads process-wide mutable
// state during a run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects which execution backend the orchestrator drives.
// The set is closed: exactly two implementations exist.
type BackendKind string

// Supported backend kinds.
const (
	BackendRemote BackendKind = "remote"
	BackendLocal  BackendKind = "local"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Remote configures the remote compute-job API backend.
type Remote struct {
	BaseURL      string   `yaml:"baseUrl"`
	WhoamiURL    string   `yaml:"whoamiUrl"`
	Token        string   `yaml:"token"`
	Username     string   `yaml:"username"` // Preferred identity; whoami lookup is the fallback.
	Flavor       string   `yaml:"flavor"`
	Image        string   `yaml:"image"`
	PollInterval Duration `yaml:"pollInterval"`
	MaxAttempts  int      `yaml:"maxAttempts"`
	JobTimeout   Duration `yaml:"jobTimeout"` // Passed to the API as timeoutSeconds.
}

// Local configures the local Docker container backend.
type Local struct {
	Image       string   `yaml:"image"`
	Workspace   string   `yaml:"workspace"` // Working directory inside the container.
	MemoryBytes int64    `yaml:"memoryBytes"`
	CPUShares   int64    `yaml:"cpuShares"`
	Timeout     Duration `yaml:"timeout"` // Wall-clock bound; the container is killed past it.
}

// Git configures the publish workflow's bot identity and per-operation bound.
type Git struct {
	BotName  string   `yaml:"botName"`
	BotEmail string   `yaml:"botEmail"`
	Timeout  Duration `yaml:"timeout"`
}

// Config is the full hugex configuration.
type Config struct {
	Backend BackendKind       `yaml:"backend"`
	DataDir string            `yaml:"dataDir"` // Registry DB + job logs.
	Env     map[string]string `yaml:"env"`     // Global default environment for every job.
	Secrets map[string]string `yaml:"secrets"` // Global default secrets. Values never logged.
	Remote  Remote            `yaml:"remote"`
	Local   Local             `yaml:"local"`
	Git     Git               `yaml:"git"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendLocal,
		DataDir: defaultDataDir(),
		Remote: Remote{
			BaseURL:      "https://huggingface.co/api/jobs",
			WhoamiURL:    "https://huggingface.co/api/whoami-v2",
			Flavor:       "cpu-basic",
			Image:        "hugex-agent:latest",
			PollInterval: Duration(5 * time.Second),
			MaxAttempts:  360,
			JobTimeout:   Duration(30 * time.Minute),
		},
		Local: Local{
			Image:       "hugex-agent:latest",
			Workspace:   "/workspace",
			MemoryBytes: 2 << 30, // 2 GiB
			CPUShares:   512,
			Timeout:     Duration(30 * time.Minute),
		},
		Git: Git{
			BotName:  "hugex-bot",
			BotEmail: "hugex-bot@users.noreply.huggingface.co",
			Timeout:  Duration(2 * time.Minute),
		},
	}
}

// Load reads the YAML file at path (if it exists) on top of the defaults,
// then applies environment-variable overrides. An empty path loads defaults
// and env only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays HUGEX_* environment variables. HF_TOKEN is honored as a
// fallback for the remote credential since the agent images use it too.
func (c *Config) applyEnv() {
	if v := os.Getenv("HUGEX_BACKEND"); v != "" {
		c.Backend = BackendKind(v)
	}
	if v := os.Getenv("HUGEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HUGEX_HF_TOKEN"); v != "" {
		c.Remote.Token = v
	} else if v := os.Getenv("HF_TOKEN"); v != "" && c.Remote.Token == "" {
		c.Remote.Token = v
	}
	if v := os.Getenv("HUGEX_HF_USERNAME"); v != "" {
		c.Remote.Username = v
	}
	if v := os.Getenv("HUGEX_DOCKER_IMAGE"); v != "" {
		c.Local.Image = v
		c.Remote.Image = v
	}
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendRemote, BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendRemote, BackendLocal)
	}
	if c.Remote.MaxAttempts <= 0 {
		return fmt.Errorf("remote.maxAttempts must be positive, got %d", c.Remote.MaxAttempts)
	}
	if c.Remote.PollInterval.Std() <= 0 {
		return fmt.Errorf("remote.pollInterval must be positive, got %s", c.Remote.PollInterval.Std())
	}
	return nil
}

// defaultDataDir returns $XDG_DATA_HOME/hugex with a ~/.local/share fallback.
func defaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "hugex")
}
