package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/persistence"
	"github.com/basket/taskcore/internal/render"
	"github.com/basket/taskcore/internal/task"
	"github.com/spf13/cobra"
)

// openStore opens the configured database for the read-only commands, which
// need neither the runtime nor telemetry.
func openStore() (*persistence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	driver, err := persistence.ParseDriver(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	return persistence.Open(cfg.DatabasePath(), driver)
}

// replayView is the JSON shape of `taskcore replay`.
type replayView struct {
	audit.Replay
	Snapshots []coordinator.Snapshot `json:"snapshots,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var traceLimit int
	cmd := &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Show the stored record, events, traces and snapshots of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			svc := audit.NewReplayService(store, store)
			if traceLimit > 0 {
				svc.TraceLimit = traceLimit
			}
			rep, err := svc.GetTaskReplay(cmd.Context(), args[0])
			if errors.Is(err, task.ErrTaskNotFound) {
				return fmt.Errorf("task %s not found", args[0])
			}
			if err != nil {
				return err
			}
			snaps, err := store.ListSnapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := replayView{Replay: rep, Snapshots: snaps}
			return emit(cmd, view, func() string { return renderReplay(view) })
		},
	}
	cmd.Flags().IntVar(&traceLimit, "traces", 0, "maximum number of traces to show")
	return cmd
}

func renderReplay(v replayView) string {
	var b strings.Builder
	b.WriteString(render.Replay(v.Replay))
	if len(v.Snapshots) > 0 {
		fmt.Fprintf(&b, "\nSnapshots (%d)\n", len(v.Snapshots))
		for _, s := range v.Snapshots {
			fmt.Fprintf(&b, "  %s  %s  updated %s\n", s.ID, render.Status(string(s.Status)), s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return b.String()
}

func newTasksCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListTasks(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}
			return emit(cmd, recs, func() string {
				if len(recs) == 0 {
					return "No tasks.\n"
				}
				var b strings.Builder
				for _, r := range recs {
					fmt.Fprintf(&b, "%s  %-9s  %-12s  %-8s  %s\n",
						r.ID, render.Status(string(r.Status)), r.Strategy, render.Risk(r.RiskLevel), r.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return b.String()
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only tasks of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func newWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Block until a task finishes and print its final record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// The task runs in another process, so there is no bus to listen on.
			rec, err := coordinator.NewWaiter(nil, store).WaitForTask(cmd.Context(), args[0], timeout)
			if errors.Is(err, task.ErrTaskNotFound) {
				return fmt.Errorf("task %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if err := emit(cmd, rec, func() string {
				line := fmt.Sprintf("%s  %s\n", rec.ID, render.Status(string(rec.Status)))
				if rec.ErrorText != "" {
					line += "  " + rec.ErrorText + "\n"
				}
				return line
			}); err != nil {
				return err
			}
			if rec.Status != task.StatusSucceeded {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
