package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/render"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests pending on the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			status, body, err := c.do(cmd.Context(), http.MethodGet, "/v1/approvals", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(status, body)
			}
			var resp struct {
				Approvals []approval.Pending `json:"approvals"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode approvals: %w", err)
			}
			return emit(cmd, resp.Approvals, func() string { return render.Approvals(resp.Approvals) })
		},
	}
	addGatewayFlags(cmd)
	cmd.AddCommand(newDecideCmd("approve", true), newDecideCmd("reject", false))
	return cmd
}

func newDecideCmd(verb string, approved bool) *cobra.Command {
	var reviewer, comment string
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: fmt.Sprintf("%s a pending approval request", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			in := approval.Input{Approved: approved, Reviewer: reviewer, Comment: comment}
			status, body, err := c.do(cmd.Context(), http.MethodPost, "/v1/approvals/"+url.PathEscape(args[0]), in)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(status, body)
			}
			return emit(cmd, json.RawMessage(body), func() string {
				if approved {
					return color.GreenString("approved") + " " + args[0] + "\n"
				}
				return color.RedString("rejected") + " " + args[0] + "\n"
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name (default: the API key name)")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}
