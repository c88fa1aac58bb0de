// Package doctor runs offline checks against a taskcore installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/cron"
	"github.com/basket/taskcore/internal/persistence"
	"github.com/basket/taskcore/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. builtinAgents are agent names the
// binary registers itself, in addition to the configured ones.
func Run(ctx context.Context, cfg *config.Config, version string, builtinAgents ...string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkDatabase,
		checkPolicy,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkGraphs(ctx, cfg, builtinAgents) },
		checkSchedules,
		checkPermissions,
		checkGatewayBind,
		checkKafka,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing", Detail: "Run `taskcore init` to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	driver, err := persistence.ParseDriver(cfg.DBDriver)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: err.Error()}
	}
	store, err := persistence.Open(cfg.DatabasePath(), driver)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListTasks(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("driver=%s path=%s", driver, cfg.DatabasePath()),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.PolicyPath()
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "Policy file missing, using defaults", Detail: path}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("engine=%s threshold=%s rules=%d", p.Engine, p.ApprovalThreshold, len(p.Rules)),
		Detail:  path,
	}
}

func checkGraphs(_ context.Context, cfg *config.Config, builtin []string) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Graphs", Status: StatusSkip, Message: "Config missing"}
	}
	known := append([]string(nil), builtin...)
	for _, a := range cfg.Agents {
		known = append(known, a.Name)
	}
	graphs, err := coordinator.LoadGraphsFromConfig(cfg.Graphs, known)
	if err != nil {
		return CheckResult{Name: "Graphs", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Graphs", Status: StatusPass, Message: fmt.Sprintf("%d graph(s), %d agent(s)", len(graphs), len(cfg.Agents))}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "No schedules configured"}
	}
	now := time.Now()
	var next []string
	for _, s := range cfg.Schedules {
		at, err := cron.NextRunTime(s.Cron, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("schedule %s: %v", s.Name, err)}
		}
		next = append(next, fmt.Sprintf("%s@%s", s.Name, at.Format(time.RFC3339)))
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d schedule(s) parse", len(cfg.Schedules)),
		Detail:  strings.Join(next, ", "),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkGatewayBind warns when the control plane could not listen, which
// usually means another daemon already holds the port.
func checkGatewayBind(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not bindable: %v", cfg.Gateway.BindAddr, err),
			Detail:  "A running `taskcore serve` holds this port; `taskcore status` queries it",
		}
	}
	_ = ln.Close()
	auth := "off"
	if cfg.Gateway.Auth.Enabled && len(cfg.Gateway.Auth.Keys) > 0 {
		auth = fmt.Sprintf("%d key(s)", len(cfg.Gateway.Auth.Keys))
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.BindAddr), Detail: "auth=" + auth}
}

func checkKafka(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Kafka", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Kafka.Enabled() {
		return CheckResult{Name: "Kafka", Status: StatusSkip, Message: "Event export disabled"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var d net.Dialer
	var failed []string
	start := time.Now()
	for _, broker := range cfg.Kafka.Brokers {
		conn, err := d.DialContext(dialCtx, "tcp", broker)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", broker, err))
			continue
		}
		_ = conn.Close()
	}
	latency := time.Since(start)

	if len(failed) == len(cfg.Kafka.Brokers) {
		return CheckResult{
			Name:    "Kafka",
			Status:  StatusFail,
			Message: "No broker reachable",
			Detail:  strings.Join(failed, "; "),
		}
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Kafka", Status: StatusWarn, Message: fmt.Sprintf("%d of %d brokers unreachable", len(failed), len(cfg.Kafka.Brokers)), Detail: strings.Join(failed, "; ")}
	}
	return CheckResult{
		Name:    "Kafka",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d broker(s) reachable (%dms)", len(cfg.Kafka.Brokers), latency.Milliseconds()),
		Detail:  "topic=" + cfg.Kafka.Topic,
	}
}
