package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/task"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromTaskcoreHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tc")
	writeConfig(t, home, "log_level: debug\napproval_timeout_seconds: 30\n")
	t.Setenv("TASKCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q", cfg.HomeDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	if cfg.ApprovalTimeout() != 30*time.Second {
		t.Fatalf("approval timeout = %v", cfg.ApprovalTimeout())
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set although config.yaml exists")
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for missing config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.DBDriver != "sqlite3" || cfg.DrainTimeoutSeconds != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ApprovalTimeout() != 0 {
		t.Fatalf("approval timeout must default to none, got %v", cfg.ApprovalTimeout())
	}
	if cfg.DatabasePath() != filepath.Join(home, "taskcore.db") {
		t.Fatalf("db path = %q", cfg.DatabasePath())
	}
	if cfg.PolicyPath() != filepath.Join(home, "policy.yaml") {
		t.Fatalf("policy path = %q", cfg.PolicyPath())
	}
	if cfg.Gateway.BindAddr == "" || cfg.Kafka.Enabled() {
		t.Fatalf("unexpected gateway/kafka defaults: %+v %+v", cfg.Gateway, cfg.Kafka)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\ndb_driver: sqlite3\ngateway:\n  bind_addr: 127.0.0.1:1\n")
	t.Setenv("TASKCORE_LOG_LEVEL", "warn")
	t.Setenv("TASKCORE_DB_DRIVER", "sqlite")
	t.Setenv("TASKCORE_APPROVAL_TIMEOUT_SECONDS", "12")
	t.Setenv("TASKCORE_GATEWAY_BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("TASKCORE_GATEWAY_TOKEN", "s3cret-token-value")
	t.Setenv("TASKCORE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TASKCORE_KAFKA_TOPIC", "taskcore.events")
	t.Setenv("TASKCORE_OTEL_ENABLED", "true")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.DBDriver != "sqlite" || cfg.ApprovalTimeoutSeconds != 12 {
		t.Fatalf("core overrides not applied: %+v", cfg)
	}
	if cfg.Gateway.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind addr = %q", cfg.Gateway.BindAddr)
	}
	if !cfg.Gateway.Auth.Enabled || len(cfg.Gateway.Auth.Keys) != 1 || cfg.Gateway.Auth.Keys[0].Key != "s3cret-token-value" {
		t.Fatalf("token not promoted to auth key: %+v", cfg.Gateway.Auth)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("kafka overrides: %+v", cfg.Kafka)
	}
	if !cfg.OTel.Enabled {
		t.Fatal("otel override not applied")
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKCORE_DRAIN_TIMEOUT_SECONDS", "soon")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected error for non-numeric override")
	}
}

func TestLoad_GraphsSchedulesAgents(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
router:
  keywords: [deploy, migrate]
  length_threshold: 200
agents:
  - name: deployer
    tool: deploy
    risk: high
graphs:
  - name: release
    nodes:
      - id: build
        agent: builder
        input:
          target: prod
      - id: ship
        agent: deployer
        depends_on: [build]
schedules:
  - name: nightly
    cron: "0 2 * * *"
    instruction: run the nightly report
    force_mode: plan
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Router.Keywords) != 2 || cfg.Router.LengthThreshold != 200 {
		t.Fatalf("router config: %+v", cfg.Router)
	}
	if got := cfg.AgentRisk()["deployer"]; got != task.RiskHigh {
		t.Fatalf("agent risk = %q", got)
	}
	if len(cfg.Graphs) != 1 || len(cfg.Graphs[0].Nodes) != 2 {
		t.Fatalf("graphs: %+v", cfg.Graphs)
	}
	ship := cfg.Graphs[0].Nodes[1]
	if ship.Agent != "deployer" || len(ship.DependsOn) != 1 || ship.DependsOn[0] != "build" {
		t.Fatalf("ship node: %+v", ship)
	}
	if cfg.Graphs[0].Nodes[0].Input["target"] != "prod" {
		t.Fatalf("node input: %+v", cfg.Graphs[0].Nodes[0].Input)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].SessionID != "cron:nightly" {
		t.Fatalf("schedule defaults: %+v", cfg.Schedules)
	}
}

func TestLoad_RejectsBadSchedules(t *testing.T) {
	cases := map[string]string{
		"empty cron":     "schedules:\n  - name: a\n    instruction: x\n",
		"duplicate":      "schedules:\n  - name: a\n    cron: '@hourly'\n    instruction: x\n  - name: a\n    cron: '@daily'\n    instruction: y\n",
		"bad force mode": "schedules:\n  - name: a\n    cron: '@hourly'\n    instruction: x\n    force_mode: sideways\n",
		"no work":        "schedules:\n  - name: a\n    cron: '@hourly'\n",
		"bad agent risk": "agents:\n  - name: x\n    tool: y\n    risk: extreme\n",
		"unknown model":  "agents:\n  - name: x\n    model: writer\n",
		"tool and model": "models:\n  - kind: writer\n    model: m\nagents:\n  - name: x\n    tool: y\n    model: writer\n",
		"model no name":  "models:\n  - kind: writer\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_ModelAgents(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
models:
  - kind: writer
    model: gpt-4o-mini
    base_url: http://localhost:11434/v1
    api_key_env: WRITER_KEY
agents:
  - name: summarizer
    model: writer
    prompt: Summarize the results.
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].APIKeyEnv != "WRITER_KEY" {
		t.Fatalf("models = %+v", cfg.Models)
	}
	if a := cfg.Agents[0]; a.Model != "writer" || a.Prompt != "Summarize the results." {
		t.Fatalf("agent = %+v", a)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: [unterminated\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := t.TempDir()
	writeConfig(t, a, "log_level: info\n")
	cfgA, err := config.LoadFrom(a)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	again, _ := config.LoadFrom(a)
	if cfgA.Fingerprint() != again.Fingerprint() {
		t.Fatal("fingerprint not stable across loads")
	}
	if !strings.HasPrefix(cfgA.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint format: %q", cfgA.Fingerprint())
	}

	changed := cfgA
	changed.ApprovalTimeoutSeconds = 99
	if changed.Fingerprint() == cfgA.Fingerprint() {
		t.Fatal("fingerprint ignored approval timeout")
	}

	withSecret := cfgA
	withSecret.Gateway.Token = "another-secret"
	if withSecret.Fingerprint() != cfgA.Fingerprint() {
		t.Fatal("fingerprint must not depend on secrets")
	}
}
