package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orchestrator       OrchestratorConfig    `yaml:"orchestrator"`
	Specialties        []SpecialtyDefinition `yaml:"specialties"`
	ComplexityKeywords []string              `yaml:"complexity_keywords"`
	Executor           ExecutorConfig        `yaml:"executor"`
	NATS               NATSConfig            `yaml:"nats"`
	Store              StoreConfig           `yaml:"store"`
	Web                WebConfig             `yaml:"web"`
	Telegram           TelegramConfig        `yaml:"telegram"`
	Scheduler          SchedulerConfig       `yaml:"scheduler"`
	Cache              CacheConfig           `yaml:"cache"`
	Log                LogConfig             `yaml:"log"`
	Schedules          []ScheduleDefinition  `yaml:"schedules"`

	// path is the file the config was loaded from, empty when defaults only.
	path string
}

// OrchestratorConfig bounds decomposition and wave execution.
type OrchestratorConfig struct {
	MaxParallelAgents      int  `yaml:"max_parallel_agents" json:"max_parallel_agents"`
	EnableDecomposition    bool `yaml:"enable_decomposition" json:"enable_decomposition"`
	DecompositionThreshold int  `yaml:"decomposition_threshold" json:"decomposition_threshold"`
}

// SpecialtyDefinition is a host-provided specialist role.
type SpecialtyDefinition struct {
	Name        string   `yaml:"name" json:"name"`
	Patterns    []string `yaml:"patterns" json:"patterns"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type ExecutorConfig struct {
	Kind    string        `yaml:"kind"` // "nats" or "echo"
	Worker  string        `yaml:"worker"`
	Timeout time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL points to an external server; when set no embedded server is started.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// TelegramConfig enables the chat front-end when Token is set.
type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxBytes int64         `yaml:"max_bytes"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// ScheduleDefinition seeds a recurring instruction into the store.
type ScheduleDefinition struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	Interval    string `yaml:"interval"`
	Instruction string `yaml:"instruction"`
}

func defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxParallelAgents:      3,
			EnableDecomposition:    true,
			DecompositionThreshold: 5,
		},
		Executor: ExecutorConfig{
			Kind:    "nats",
			Worker:  "worker",
			Timeout: 15 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/taskwave.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxBytes: 8 << 20,
			TTL:      10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location Load resolved.
func Path() string {
	if p := os.Getenv("TASKWAVE_CONFIG"); p != "" {
		return p
	}
	return "config/taskwave.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path on top of the defaults. A missing file is
// not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.path = path
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// File reports the path the config was read from, or "" when none existed.
func (c *Config) File() string {
	return c.path
}

// Validate checks the invariants the orchestrator relies on.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Specialties))
	for i, s := range c.Specialties {
		if s.Name == "" {
			return fmt.Errorf("specialties[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("specialties[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	switch c.Executor.Kind {
	case "nats", "echo":
	default:
		return fmt.Errorf("executor.kind: unknown executor %q", c.Executor.Kind)
	}
	for i, s := range c.Schedules {
		if s.Instruction == "" {
			return fmt.Errorf("schedules[%d]: instruction is required", i)
		}
		if (s.Cron == "") == (s.Interval == "") {
			return fmt.Errorf("schedules[%d]: exactly one of cron or interval is required", i)
		}
	}
	return nil
}

func (o OrchestratorConfig) Validate() error {
	var errs []error
	if o.MaxParallelAgents < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_parallel_agents must be >= 1, got %d", o.MaxParallelAgents))
	}
	if o.DecompositionThreshold < 1 || o.DecompositionThreshold > 10 {
		errs = append(errs, fmt.Errorf("orchestrator.decomposition_threshold must be in [1,10], got %d", o.DecompositionThreshold))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKWAVE_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxParallelAgents = n
		}
	}
	if v := os.Getenv("TASKWAVE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.DecompositionThreshold = n
		}
	}
	if v := os.Getenv("TASKWAVE_DECOMPOSITION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orchestrator.EnableDecomposition = b
		}
	}
	if v := os.Getenv("TASKWAVE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TASKWAVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("TASKWAVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("TASKWAVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("TASKWAVE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("TASKWAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TASKWAVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
