package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/render"
	"github.com/basket/taskcore/internal/runtime"
	"github.com/basket/taskcore/internal/task"
	"github.com/spf13/cobra"
)

// oneShotApprovals answers approval requests for commands that run without
// an operator. Requests are rejected unless the caller opted in.
func oneShotApprovals(autoApprove bool) approval.Gateway {
	if autoApprove {
		return approval.Static{Approved: true, Reviewer: "cli", Comment: "--auto-approve"}
	}
	return approval.Static{Reviewer: "cli", Comment: "no operator attached; rerun with --auto-approve or submit through taskcore serve"}
}

func newRunCmd() *cobra.Command {
	var (
		sessionID   string
		mode        string
		graphName   string
		metadata    string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Run one task in the foreground and print its outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := task.Request{
				SessionID:   sessionID,
				Instruction: strings.Join(args, " "),
			}
			if mode != "" {
				s, err := task.ParseStrategy(mode)
				if err != nil {
					return err
				}
				req.ForceMode = &s
			}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &req.Metadata); err != nil {
					return fmt.Errorf("--metadata: %w", err)
				}
			}
			if graphName != "" {
				if req.Metadata == nil {
					req.Metadata = map[string]any{}
				}
				req.Metadata[runtime.MetaGraphName] = graphName
				if req.ForceMode == nil {
					s := task.StrategyPlanExecute
					req.ForceMode = &s
				}
			}
			return runTask(cmd, req, autoApprove)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id")
	cmd.Flags().StringVar(&mode, "mode", "", "force the strategy: react or plan_execute")
	cmd.Flags().StringVar(&graphName, "graph", "", "run a configured graph template")
	cmd.Flags().StringVar(&metadata, "metadata", "", "request metadata as a JSON object")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every approval request")
	return cmd
}

func runTask(cmd *cobra.Command, req task.Request, autoApprove bool) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, appOptions{Quiet: true, Approvals: oneShotApprovals(autoApprove)})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := a.runtime.Submit(ctx, req)
	if err != nil {
		return err
	}
	if err := emit(cmd, out, func() string { return render.Outcome(out) }); err != nil {
		return err
	}
	if out.Status != task.StatusSucceeded {
		return exitError{code: 1}
	}
	return nil
}
