// Package config loads the maple configuration from ~/.maple/config.yaml
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/maplerobotics/maple/pkg/paths"
)

// ContainerConfig holds docker container limits and timeouts.
type ContainerConfig struct {
	MemoryLimit         string `yaml:"memory_limit"`
	ShmSize             string `yaml:"shm_size"`
	StartupTimeout      int    `yaml:"startup_timeout"`
	HealthCheckInterval int    `yaml:"health_check_interval"`
}

// DaemonConfig holds the daemon server settings.
type DaemonConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RunConfig holds single episode defaults.
type RunConfig struct {
	MaxSteps  int    `yaml:"max_steps"`
	SaveVideo bool   `yaml:"save_video"`
	VideoDir  string `yaml:"video_dir"`
}

// EvalConfig holds batch evaluation defaults.
type EvalConfig struct {
	MaxSteps   int    `yaml:"max_steps"`
	SaveVideo  bool   `yaml:"save_video"`
	VideoDir   string `yaml:"video_dir"`
	ResultsDir string `yaml:"results_dir"`
}

// PolicyConfig holds policy backend defaults.
type PolicyConfig struct {
	DefaultDevice string `yaml:"default_device"`
}

// EnvConfig holds environment backend defaults.
type EnvConfig struct {
	DefaultDevice  string `yaml:"default_device"`
	DefaultNumEnvs int    `yaml:"default_num_envs"`
}

// Config is the root configuration.
type Config struct {
	Containers ContainerConfig `yaml:"containers"`
	Policy     PolicyConfig    `yaml:"policy"`
	Env        EnvConfig       `yaml:"env"`
	Daemon     DaemonConfig    `yaml:"daemon"`
	Run        RunConfig       `yaml:"run"`
	Eval       EvalConfig      `yaml:"eval"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Containers: ContainerConfig{
			MemoryLimit:         "32g",
			ShmSize:             "2g",
			StartupTimeout:      300,
			HealthCheckInterval: 30,
		},
		Policy: PolicyConfig{DefaultDevice: "cpu"},
		Env:    EnvConfig{DefaultDevice: "cpu", DefaultNumEnvs: 1},
		Daemon: DaemonConfig{Host: "0.0.0.0", Port: 8000},
		Run: RunConfig{
			MaxSteps: 300,
			VideoDir: paths.VideosDir(),
		},
		Eval: EvalConfig{
			MaxSteps:   300,
			VideoDir:   paths.VideosDir(),
			ResultsDir: paths.ResultsDir(),
		},
	}
}

// Load reads the configuration file if present, applies environment
// overrides, and returns the result. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(paths.ConfigFile())
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// no file, defaults plus env apply
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := paths.EnsureDir(paths.Home()); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAPLE_DAEMON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Port = port
		}
	}
	if v := os.Getenv("MAPLE_DAEMON_HOST"); v != "" {
		cfg.Daemon.Host = v
	}
	if v := os.Getenv("MAPLE_DEVICE"); v != "" {
		cfg.Policy.DefaultDevice = v
	}
	if v := os.Getenv("MAPLE_VIDEO_DIR"); v != "" {
		cfg.Run.VideoDir = v
		cfg.Eval.VideoDir = v
	}
	if v := os.Getenv("MAPLE_MAX_STEPS"); v != "" {
		if steps, err := strconv.Atoi(v); err == nil {
			cfg.Run.MaxSteps = steps
			cfg.Eval.MaxSteps = steps
		}
	}
}
