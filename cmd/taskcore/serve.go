package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/taskcore/internal/bridge"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/cron"
	"github.com/basket/taskcore/internal/gateway"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: control plane, schedules and event export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "write logs to the log file only")
	return cmd
}

func serve(ctx context.Context, quiet bool) error {
	a, err := buildApp(ctx, appOptions{Quiet: quiet})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger := a.logger

	watcher := config.NewWatcher(a.cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go a.watch(watcher.Events())
	}

	var sink *bridge.KafkaSink
	if a.cfg.Kafka.Enabled() {
		w, err := bridge.NewKafkaWriter(a.cfg.Kafka)
		if err != nil {
			return err
		}
		sink = bridge.NewKafkaSink(w, bridge.SinkOptions{Logger: logger, Telemetry: a.tel, Topic: a.cfg.Kafka.Topic})
		sink.Start(ctx, a.bus)
	}

	schedules, err := cron.NewScheduler(cron.Config{
		Schedules: a.cfg.Schedules,
		Submitter: a.runtime,
		Logger:    logger,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("schedules: %w", err)
	}
	schedules.Start()

	gatewayErr := make(chan error, 1)
	if a.cfg.Gateway.Enabled {
		srv := gateway.New(gateway.Config{
			Runtime:           a.runtime,
			Approvals:         a.queue,
			Replay:            a.replay,
			Resume:            a.resume,
			Bus:               a.bus,
			Gateway:           a.cfg.Gateway,
			Ping:              a.store.DB().PingContext,
			PolicyVersion:     a.policy.PolicyVersion,
			ConfigFingerprint: a.cfg.Fingerprint(),
			Logger:            logger,
			Telemetry:         a.tel,
		})
		go func() { gatewayErr <- srv.Run(ctx) }()
	} else {
		logger.Warn("gateway disabled; approval requests can only end by timeout or cancellation")
	}

	logger.Info("taskcore started",
		"version", Version,
		"home", a.cfg.HomeDir,
		"gateway", a.cfg.Gateway.Enabled,
		"bind_addr", a.cfg.Gateway.BindAddr,
		"schedules", len(a.cfg.Schedules),
		"kafka", a.cfg.Kafka.Enabled(),
		"policy_version", a.policy.PolicyVersion(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-gatewayErr:
		if runErr != nil {
			logger.Error("gateway stopped", "error", runErr)
		}
	}

	logger.Info("shutting down", "active_tasks", len(a.runtime.ActiveTasks()))
	schedules.Stop()
	a.runtime.Drain(a.cfg.DrainTimeout())
	if a.cfg.Gateway.Enabled && runErr == nil && ctx.Err() != nil {
		if err := <-gatewayErr; err != nil {
			runErr = err
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Warn("kafka sink close failed", "error", err)
		}
	}
	logger.Info("taskcore stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// watch applies policy.yaml edits while the daemon runs. Other config
// changes are reported but need a restart.
func (a *app) watch(events <-chan config.ReloadEvent) {
	for ev := range events {
		switch ev.Kind {
		case config.FilePolicy:
			a.reloadPolicy()
		case config.FileConfig:
			a.logger.Warn("config.yaml changed; restart to apply", "path", ev.Path, "op", ev.Op.String())
		}
	}
}
