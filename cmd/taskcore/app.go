package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskcore/internal/agent"
	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/capability"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/executor"
	otelPkg "github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/persistence"
	"github.com/basket/taskcore/internal/policy"
	"github.com/basket/taskcore/internal/router"
	"github.com/basket/taskcore/internal/runtime"
	"github.com/basket/taskcore/internal/telemetry"
	"github.com/basket/taskcore/internal/tools"
)

type appOptions struct {
	// Quiet sends logs to the log file only.
	Quiet bool
	// Approvals replaces the interactive queue. One-shot commands have no
	// operator attached and answer approvals up front.
	Approvals approval.Gateway
}

// app is the fully wired runtime shared by serve and the one-shot commands.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	tel       *otelPkg.Provider
	store     *persistence.Store
	policy    *policy.Live
	tools     *tools.Registry
	sandbox   *tools.Sandbox
	queue     *approval.Queue
	executor  *executor.PolicyAwareExecutor
	agents    *agent.Registry
	graphs    map[string]coordinator.Graph
	scheduler *coordinator.Scheduler
	runtime   *runtime.Runtime
	replay    *audit.ReplayService
	resume    *coordinator.ResumeService

	closers []func(context.Context) error
}

// loadConfig reads config.yaml, writing the starter file on first use.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config load: %w", err)
	}
	if !cfg.NeedsGenesis {
		return cfg, nil
	}
	if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
		return cfg, fmt.Errorf("write starter config: %w", err)
	}
	return config.LoadFrom(cfg.HomeDir)
}

func buildApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fmt.Errorf("audit init: %w", err)
	}
	a.onClose(func(context.Context) error { return audit.Close() })

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if err != nil {
		return a, fmt.Errorf("logger init: %w", err)
	}
	a.onClose(func(context.Context) error { return logCloser.Close() })
	slog.SetDefault(logger)
	a.logger = logger

	a.bus = bus.New()

	a.tel, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return a, fmt.Errorf("otel init: %w", err)
	}
	a.onClose(a.tel.Shutdown)

	driver, err := persistence.ParseDriver(cfg.DBDriver)
	if err != nil {
		return a, err
	}
	a.store, err = persistence.Open(cfg.DatabasePath(), driver)
	if err != nil {
		return a, fmt.Errorf("database: %w", err)
	}
	audit.SetDB(a.store.DB())
	a.onClose(func(context.Context) error {
		audit.SetDB(nil)
		return a.store.Close()
	})

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return a, fmt.Errorf("policy: %w", err)
	}
	a.policy = policy.NewLive(pol, cfg.PolicyPath())

	a.tools = tools.NewRegistry()
	if err := registerBuiltins(a.tools, a.store); err != nil {
		return a, err
	}
	a.sandbox = tools.NewSandbox(a.tools, pol.Permissions)

	gw := opts.Approvals
	if gw == nil {
		a.queue = approval.NewQueue()
		a.queue.OnEnqueue = a.announceApproval
		gw = a.queue
	}
	a.executor = executor.New(executor.Config{
		Registry:        a.tools,
		Sandbox:         a.sandbox,
		Policy:          a.policy,
		Approvals:       gw,
		Traces:          a.store,
		Logger:          logger,
		Telemetry:       a.tel,
		ApprovalTimeout: cfg.ApprovalTimeout(),
	})

	a.agents = agent.NewRegistry(logger)
	a.agents.UseTools(a.executor)
	if err := a.agents.Register(runtime.RespondAgent, "Answers with the node's text input.", agent.KindCustom, runtime.RespondNode); err != nil {
		return a, err
	}
	models := capability.ProviderFromConfig(cfg.Models)
	for _, ac := range cfg.Agents {
		if ac.Model != "" {
			ma := capability.ModelAgent{
				Provider: models,
				Kind:     ac.Model,
				Prompt:   ac.Prompt,
				Policy:   a.policy,
				Traces:   a.store,
			}
			if m, err := models.GetModel(ac.Model); err == nil {
				if cm, ok := m.(*capability.ChatModel); ok {
					ma.Model = cm.Name()
				}
			}
			if err := a.agents.Register(ac.Name, ac.Description, agent.KindModel, ma); err != nil {
				return a, err
			}
			continue
		}
		toolName := ac.Tool
		if toolName == "" {
			toolName = ac.Name
		}
		ex := executor.NodeAdapter{Executor: a.executor, Tool: toolName}
		if err := a.agents.Register(ac.Name, ac.Description, agent.KindTool, ex); err != nil {
			return a, err
		}
	}
	a.graphs, err = coordinator.LoadGraphsFromConfig(cfg.Graphs, a.agents.Names())
	if err != nil {
		return a, fmt.Errorf("graphs: %w", err)
	}

	a.scheduler = coordinator.NewScheduler(a.agents.Resolve,
		coordinator.WithSnapshotStore(a.store),
		coordinator.WithTraceStore(a.store),
		coordinator.WithLogger(logger),
		coordinator.WithTelemetry(a.tel),
	)
	classifier := coordinator.PolicyRiskClassifier{
		Registry:  a.tools,
		Policy:    a.policy,
		Overrides: cfg.AgentRisk(),
	}

	a.runtime, err = runtime.New(runtime.Config{
		Router:     router.New(cfg.Router),
		Executor:   a.executor,
		Scheduler:  a.scheduler,
		Planner:    runtime.MetadataPlanner{Graphs: a.graphs},
		Classifier: classifier,
		Policy:     a.policy,
		Tasks:      a.store,
		Traces:     a.store,
		Bus:        a.bus,
		Logger:     logger,
		Telemetry:  a.tel,
	})
	if err != nil {
		return a, err
	}

	a.replay = audit.NewReplayService(a.store, a.store)
	a.resume = &coordinator.ResumeService{
		Snapshots:  a.store,
		Scheduler:  a.scheduler,
		Tasks:      a.store,
		Classifier: classifier,
		IsLive:     a.runtime.IsActive,
		Logger:     logger,
	}

	logger.Debug("app wired",
		"config_fingerprint", cfg.Fingerprint(),
		"policy_version", a.policy.PolicyVersion(),
		"db_driver", driver,
		"agents", len(a.agents.Names()),
		"graphs", len(a.graphs),
	)
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) announceApproval(p approval.Pending) {
	a.bus.Publish(context.Background(), bus.ApprovalRequested, bus.ApprovalEvent{
		ApprovalID: p.ID,
		TaskID:     p.Request.TaskID,
		Operation:  p.Request.Operation,
		RiskLevel:  p.Request.RiskLevel,
		Timestamp:  p.CreatedAt,
	})
}

// reloadPolicy applies policy.yaml to the live engine and the sandbox. A
// file that fails to parse leaves the running policy in place.
func (a *app) reloadPolicy() {
	p, err := policy.ReloadFromFile(a.policy, a.cfg.PolicyPath())
	if err != nil {
		a.logger.Error("policy reload rejected; keeping previous policy", "path", a.cfg.PolicyPath(), "error", err)
		return
	}
	a.sandbox.SetPermissions(p.Permissions)
	a.logger.Info("policy reloaded", "policy_version", a.policy.PolicyVersion())
}

// builtinAgentNames are agents registered regardless of config.
var builtinAgentNames = []string{runtime.RespondAgent}

func registerBuiltins(reg *tools.Registry, store *persistence.Store) error {
	for _, t := range tools.MemoryTools(store) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	for _, t := range capability.Tools(builtinCapabilities(store)) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
