package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML parsing ("5s", "30m", ...)
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HeartbeatConfig controls the heartbeat reconciler
type HeartbeatConfig struct {
	// ReconcilePeriod is the interval between reconciler passes
	ReconcilePeriod Duration `yaml:"reconcile_period"`

	// Lifetime is how long a heartbeat stays fresh before the server
	// transitions to unknown
	Lifetime Duration `yaml:"lifetime"`
}

// WaitlistConfig controls the waitlist director
type WaitlistConfig struct {
	PollPeriod    Duration `yaml:"poll_period"`
	CleanupPeriod Duration `yaml:"cleanup_period"`

	// CleanupMaxAge is how long terminal tickets are retained
	CleanupMaxAge Duration `yaml:"cleanup_max_age"`
}

// TaskConfig controls task dispatch
type TaskConfig struct {
	// AgentPort is the default agent task port when sysinfo does not
	// name one
	AgentPort int `yaml:"agent_port"`

	// DispatchTimeout bounds the agent HTTP request
	DispatchTimeout Duration `yaml:"dispatch_timeout"`

	// DefaultWaitTimeout applies to task waits without an explicit
	// timeout
	DefaultWaitTimeout Duration `yaml:"default_wait_timeout"`

	// ResultCacheTTL is how long a completed task's status stays
	// cached for late waiters
	ResultCacheTTL Duration `yaml:"result_cache_ttl"`
}

// Config is CNAPI's process configuration. Unknown keys in the config
// file are rejected.
type Config struct {
	// InstanceUUID identifies this CNAPI replica in shared status
	// rows. Generated when absent.
	InstanceUUID string `yaml:"instance_uuid"`

	DatacenterName string `yaml:"datacenter_name"`
	ListenAddr     string `yaml:"listen_addr"`
	DataDir        string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Waitlist  WaitlistConfig  `yaml:"waitlist"`
	Task      TaskConfig      `yaml:"task"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		InstanceUUID:   uuid.NewString(),
		DatacenterName: "dc0",
		ListenAddr:     ":8080",
		DataDir:        "/var/lib/cnapi",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Heartbeat: HeartbeatConfig{
			ReconcilePeriod: Duration(5 * time.Second),
			Lifetime:        Duration(11 * time.Second),
		},
		Waitlist: WaitlistConfig{
			PollPeriod:    Duration(500 * time.Millisecond),
			CleanupPeriod: Duration(time.Hour),
			CleanupMaxAge: Duration(30 * 24 * time.Hour),
		},
		Task: TaskConfig{
			AgentPort:          5309,
			DispatchTimeout:    Duration(time.Hour),
			DefaultWaitTimeout: Duration(time.Hour),
			ResultCacheTTL:     Duration(time.Hour),
		},
	}
}

// Load reads the YAML config at path over the defaults. Unknown keys
// are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for caller errors
func (c *Config) Validate() error {
	if c.InstanceUUID == "" {
		return fmt.Errorf("instance_uuid must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Heartbeat.ReconcilePeriod <= 0 {
		return fmt.Errorf("heartbeat.reconcile_period must be positive")
	}
	if c.Heartbeat.Lifetime <= 0 {
		return fmt.Errorf("heartbeat.lifetime must be positive")
	}
	if c.Waitlist.PollPeriod <= 0 {
		return fmt.Errorf("waitlist.poll_period must be positive")
	}
	if c.Task.AgentPort <= 0 || c.Task.AgentPort > 65535 {
		return fmt.Errorf("task.agent_port out of range: %d", c.Task.AgentPort)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	return nil
}
