package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/pkg/log"
)

type Config struct {
	API  APIConfig   `yaml:"api" mapstructure:"api"`
	VM   VMSettings  `yaml:"vm" mapstructure:"vm"`
	Gate GateConfig  `yaml:"gate" mapstructure:"gate"`
	Log  log.Options `yaml:"log" mapstructure:"log"`
}

type APIConfig struct {
	// Addr is where vmgated listens.
	Addr string `yaml:"addr" mapstructure:"addr"`
	// BaseURL is where clients reach vmgated.
	BaseURL string `yaml:"baseURL" mapstructure:"baseURL"`
}

type VMSettings struct {
	Project               string `yaml:"project" mapstructure:"project"`
	Zone                  string `yaml:"zone" mapstructure:"zone"`
	Name                  string `yaml:"name" mapstructure:"name"`
	EstimatedStartSeconds int    `yaml:"estimatedStartSeconds" mapstructure:"estimatedStartSeconds"`
}

// ToAPI converts the settings to the wire config shape.
func (s VMSettings) ToAPI() api.VMConfig {
	return api.VMConfig{
		Project:               s.Project,
		Zone:                  s.Zone,
		Name:                  s.Name,
		EstimatedStartSeconds: s.EstimatedStartSeconds,
	}
}

type GateConfig struct {
	// Disable turns the gate off entirely for local and trusted hosts.
	// Force keeps it on regardless of Disable, for testing.
	Disable bool `yaml:"disable" mapstructure:"disable"`
	Force   bool `yaml:"force" mapstructure:"force"`
	Debug   bool `yaml:"debug" mapstructure:"debug"`

	PollSeconds      int    `yaml:"pollSeconds" mapstructure:"pollSeconds"`
	FreshnessSeconds int    `yaml:"freshnessSeconds" mapstructure:"freshnessSeconds"`
	ProgressTickMs   int    `yaml:"progressTickMs" mapstructure:"progressTickMs"`
	StorePath        string `yaml:"storePath" mapstructure:"storePath"`
}

func (g GateConfig) PollInterval() time.Duration {
	return time.Duration(g.PollSeconds) * time.Second
}

func (g GateConfig) FreshnessCeiling() time.Duration {
	return time.Duration(g.FreshnessSeconds) * time.Second
}

func (g GateConfig) ProgressTick() time.Duration {
	return time.Duration(g.ProgressTickMs) * time.Millisecond
}

func Default() Config {
	return Config{
		API: APIConfig{
			Addr:    "127.0.0.1:8092",
			BaseURL: "http://127.0.0.1:8092",
		},
		VM: VMSettings{
			Zone:                  "us-central1-c",
			Name:                  "open-notebook-updated",
			EstimatedStartSeconds: 90,
		},
		Gate: GateConfig{
			PollSeconds:      10,
			FreshnessSeconds: 60,
			ProgressTickMs:   400,
			StorePath:        filepath.Join(BaseDir(), "gate.db"),
		},
		Log: *log.NewOptions(),
	}
}

func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vmgate")
}

func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// Load reads configuration from the given YAML file (or the default
// location when path is empty) and applies environment overrides. The VM
// identity honors the DB_VM_PROJECT / DB_VM_ZONE / DB_VM_NAME variables;
// everything else is overridable under the VMGATE_ prefix.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(ConfigPath())
	}

	v.SetDefault("api.addr", cfg.API.Addr)
	v.SetDefault("api.baseURL", cfg.API.BaseURL)
	v.SetDefault("vm.project", cfg.VM.Project)
	v.SetDefault("vm.zone", cfg.VM.Zone)
	v.SetDefault("vm.name", cfg.VM.Name)
	v.SetDefault("vm.estimatedStartSeconds", cfg.VM.EstimatedStartSeconds)
	v.SetDefault("gate.disable", cfg.Gate.Disable)
	v.SetDefault("gate.force", cfg.Gate.Force)
	v.SetDefault("gate.debug", cfg.Gate.Debug)
	v.SetDefault("gate.pollSeconds", cfg.Gate.PollSeconds)
	v.SetDefault("gate.freshnessSeconds", cfg.Gate.FreshnessSeconds)
	v.SetDefault("gate.progressTickMs", cfg.Gate.ProgressTickMs)
	v.SetDefault("gate.storePath", cfg.Gate.StorePath)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetEnvPrefix("VMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("vm.project", "DB_VM_PROJECT")
	v.BindEnv("vm.zone", "DB_VM_ZONE")
	v.BindEnv("vm.name", "DB_VM_NAME")
	v.BindEnv("gate.disable", "VMGATE_DISABLE_GATE")
	v.BindEnv("gate.force", "VMGATE_FORCE_GATE")
	v.BindEnv("gate.debug", "VMGATE_DEBUG")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return cfg, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Gate.Debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// Save writes cfg to the default config path as YAML, creating the base
// directory if needed.
func Save(cfg Config) error {
	if err := os.MkdirAll(BaseDir(), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", BaseDir(), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// Validate checks the values a daemon cannot run without.
func (c Config) Validate() error {
	if c.VM.Project == "" {
		return fmt.Errorf("vm.project is not set (DB_VM_PROJECT)")
	}
	if c.VM.Zone == "" {
		return fmt.Errorf("vm.zone is not set (DB_VM_ZONE)")
	}
	if c.VM.Name == "" {
		return fmt.Errorf("vm.name is not set (DB_VM_NAME)")
	}
	return nil
}
