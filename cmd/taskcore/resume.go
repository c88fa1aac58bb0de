package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/render"
	"github.com/spf13/cobra"
)

type resumeView struct {
	Preview coordinator.Preview        `json:"preview"`
	Result  *coordinator.ExecuteResult `json:"result,omitempty"`
}

func newResumeCmd() *cobra.Command {
	var (
		confirm     bool
		previewOnly bool
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "resume <snapshot-id>",
		Short: "Re-run the unfinished nodes of a graph snapshot",
		Long: "Resume rebuilds the graph stored in a snapshot and re-runs every node that did not succeed.\n" +
			"Resumes classified high risk or above run only with --confirm.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, appOptions{Quiet: true, Approvals: oneShotApprovals(autoApprove)})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			view := resumeView{}
			view.Preview, err = a.resume.Preview(ctx, args[0])
			if errors.Is(err, coordinator.ErrSnapshotNotFound) {
				return fmt.Errorf("snapshot %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if !previewOnly {
				res, err := a.resume.Execute(ctx, coordinator.ExecuteInput{SnapshotID: args[0], Confirmed: confirm})
				if err != nil {
					return err
				}
				view.Result = &res
			}

			if err := emit(cmd, view, func() string { return renderResume(view) }); err != nil {
				return err
			}
			if view.Result != nil && !view.Result.Success {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a high risk resume")
	cmd.Flags().BoolVar(&previewOnly, "preview", false, "only show what would be re-run")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every approval request")
	return cmd
}

func renderResume(v resumeView) string {
	out := render.Preview(v.Preview)
	if v.Result == nil {
		return out
	}
	if v.Result.Result != nil {
		out += render.Nodes(*v.Result.Result)
	}
	if v.Result.Message != "" {
		out += v.Result.Message + "\n"
	}
	return out
}
