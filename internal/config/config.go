package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/router"
	"github.com/basket/taskcore/internal/task"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TASKCORE_LOG_LEVEL.
const EnvPrefix = "TASKCORE"

// APIKeyEntry is one accepted gateway bearer token.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig configures the operator control plane.
type GatewayConfig struct {
	Enabled  bool   `yaml:"enabled" split_words:"true"`
	BindAddr string `yaml:"bind_addr" split_words:"true"`
	// Token is shorthand for a single auth key named "default".
	Token string `yaml:"token" split_words:"true"`

	Auth      AuthConfig      `yaml:"auth" ignored:"true"`
	CORS      CORSConfig      `yaml:"cors" ignored:"true"`
	RateLimit RateLimitConfig `yaml:"rate_limit" ignored:"true"`
}

// KafkaConfig enables mirroring domain events to a topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" split_words:"true"`
	Topic   string   `yaml:"topic" split_words:"true"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// ScheduleConfig is a recurring task submission.
type ScheduleConfig struct {
	Name        string         `yaml:"name"`
	Cron        string         `yaml:"cron"`
	SessionID   string         `yaml:"session_id"`
	Instruction string         `yaml:"instruction"`
	ForceMode   string         `yaml:"force_mode"`
	Metadata    map[string]any `yaml:"metadata"`
}

// GraphConfig is a named graph template referenced by metadata.graph_name.
type GraphConfig struct {
	Name  string            `yaml:"name"`
	Nodes []GraphNodeConfig `yaml:"nodes"`
}

type GraphNodeConfig struct {
	ID        string         `yaml:"id"`
	Agent     string         `yaml:"agent"`
	DependsOn []string       `yaml:"depends_on"`
	Input     map[string]any `yaml:"input"`
}

// AgentConfig exposes a tool, or a model when Model names a models entry,
// under an agent name for graph nodes. Risk overrides the classification used
// when previewing a resume.
type AgentConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Tool        string         `yaml:"tool"`
	Model       string         `yaml:"model"`
	Prompt      string         `yaml:"prompt"`
	Risk        task.RiskLevel `yaml:"risk"`
}

// ModelConfig is a chat model served over an OpenAI-compatible API. The API
// key is read from the APIKeyEnv environment variable, never from the file.
type ModelConfig struct {
	Kind      string `yaml:"kind"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	LogLevel   string `yaml:"log_level" split_words:"true"`
	DBPath     string `yaml:"db_path" split_words:"true"`
	DBDriver   string `yaml:"db_driver" split_words:"true"`
	PolicyFile string `yaml:"policy_file" split_words:"true"`

	// ApprovalTimeoutSeconds bounds each approval wait. 0 waits until the
	// task is canceled.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds" split_words:"true"`
	DrainTimeoutSeconds    int `yaml:"drain_timeout_seconds" split_words:"true"`

	Router    router.Config    `yaml:"router" ignored:"true"`
	Gateway   GatewayConfig    `yaml:"gateway" ignored:"true"`
	Kafka     KafkaConfig      `yaml:"kafka" ignored:"true"`
	OTel      otel.Config      `yaml:"otel" ignored:"true"`
	Models    []ModelConfig    `yaml:"models" ignored:"true"`
	Agents    []AgentConfig    `yaml:"agents" ignored:"true"`
	Graphs    []GraphConfig    `yaml:"graphs" ignored:"true"`
	Schedules []ScheduleConfig `yaml:"schedules" ignored:"true"`

	NeedsGenesis bool `yaml:"-" ignored:"true"`
}

// ApprovalTimeout is the configured approval wait bound, zero for none.
func (c Config) ApprovalTimeout() time.Duration {
	if c.ApprovalTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// AgentRisk returns the configured per-agent risk overrides.
func (c Config) AgentRisk() map[string]task.RiskLevel {
	out := make(map[string]task.RiskLevel)
	for _, a := range c.Agents {
		if a.Risk != "" {
			out[a.Name] = a.Risk
		}
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath resolves policy_file relative to the home directory.
func (c Config) PolicyPath() string {
	if c.PolicyFile == "" {
		return filepath.Join(c.HomeDir, "policy.yaml")
	}
	if filepath.IsAbs(c.PolicyFile) {
		return c.PolicyFile
	}
	return filepath.Join(c.HomeDir, c.PolicyFile)
}

// DatabasePath resolves db_path relative to the home directory.
func (c Config) DatabasePath() string {
	if c.DBPath == "" {
		return filepath.Join(c.HomeDir, "taskcore.db")
	}
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s:%s|policy=%s|approval=%d|drain=%d|bind=%s|kafka=%v/%s",
		c.LogLevel, c.DBDriver, c.DatabasePath(), c.PolicyPath(), c.ApprovalTimeoutSeconds,
		c.DrainTimeoutSeconds, c.Gateway.BindAddr, c.Kafka.Brokers, c.Kafka.Topic)
	fmt.Fprintf(h, "|router=%v:%d:%g", c.Router.Keywords, c.Router.LengthThreshold, c.Router.PlanScore)

	names := make([]string, 0, len(c.Graphs)+len(c.Schedules)+len(c.Agents)+len(c.Models))
	for _, m := range c.Models {
		names = append(names, "m:"+m.Kind+"="+m.Model+"@"+m.BaseURL)
	}
	for _, g := range c.Graphs {
		names = append(names, "g:"+g.Name)
	}
	for _, s := range c.Schedules {
		names = append(names, "s:"+s.Name+"@"+s.Cron)
	}
	for _, a := range c.Agents {
		names = append(names, "a:"+a.Name+"="+a.Tool+a.Model+"/"+string(a.Risk))
	}
	sort.Strings(names)
	fmt.Fprintf(h, "|%s", strings.Join(names, ","))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		DBDriver:            "sqlite3",
		DrainTimeoutSeconds: 5,
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		OTel: otel.Config{
			Exporter:    "stdout",
			ServiceName: "taskcore",
			SampleRate:  1.0,
		},
	}
}

// HomeDir is $TASKCORE_HOME or ~/.taskcore.
func HomeDir() string {
	if override := os.Getenv(EnvPrefix + "_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskcore")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies environment overrides and
// fills defaults. A missing file is not an error; NeedsGenesis is set.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides processes each group under its own prefix:
// TASKCORE_*, TASKCORE_GATEWAY_*, TASKCORE_KAFKA_* and TASKCORE_OTEL_*.
func applyEnvOverrides(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefix, cfg},
		{EnvPrefix + "_GATEWAY", &cfg.Gateway},
		{EnvPrefix + "_KAFKA", &cfg.Kafka},
		{EnvPrefix, &cfg.OTel},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env overrides (%s): %w", g.prefix, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite3"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.ApprovalTimeoutSeconds < 0 {
		cfg.ApprovalTimeoutSeconds = 0
	}
	if strings.TrimSpace(cfg.Gateway.BindAddr) == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if tok := strings.TrimSpace(cfg.Gateway.Token); tok != "" {
		found := false
		for _, k := range cfg.Gateway.Auth.Keys {
			if k.Key == tok {
				found = true
				break
			}
		}
		if !found {
			cfg.Gateway.Auth.Keys = append(cfg.Gateway.Auth.Keys, APIKeyEntry{Name: "default", Key: tok})
		}
		cfg.Gateway.Auth.Enabled = true
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "taskcore"
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].SessionID == "" {
			cfg.Schedules[i].SessionID = "cron:" + cfg.Schedules[i].Name
		}
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool)
	for _, s := range cfg.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name: %s", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedule %s: empty cron expression", s.Name)
		}
		if strings.TrimSpace(s.Instruction) == "" && len(s.Metadata) == 0 {
			return fmt.Errorf("schedule %s: instruction or metadata required", s.Name)
		}
		if s.ForceMode != "" {
			if _, err := task.ParseStrategy(s.ForceMode); err != nil {
				return fmt.Errorf("schedule %s: %w", s.Name, err)
			}
		}
	}
	models := make(map[string]bool)
	for _, m := range cfg.Models {
		if m.Kind == "" || m.Model == "" {
			return fmt.Errorf("model entries need kind and model")
		}
		if models[m.Kind] {
			return fmt.Errorf("duplicate model kind: %s", m.Kind)
		}
		models[m.Kind] = true
	}
	agents := make(map[string]bool)
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if agents[a.Name] {
			return fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		agents[a.Name] = true
		if a.Risk != "" && !a.Risk.Valid() {
			return fmt.Errorf("agent %s: invalid risk %q", a.Name, a.Risk)
		}
		if a.Model != "" {
			if a.Tool != "" {
				return fmt.Errorf("agent %s: set tool or model, not both", a.Name)
			}
			if !models[a.Model] {
				return fmt.Errorf("agent %s: unknown model kind %q", a.Name, a.Model)
			}
		}
	}
	return nil
}

// WriteDefault writes a starter config.yaml when none exists and reports
// whether it did.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create taskcore home: %w", err)
	}
	out, err := yaml.Marshal(starterConfig())
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
