package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			status, body, err := c.do(ctx, http.MethodGet, "/healthz", nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(body)
			if len(body) == 0 || body[len(body)-1] != '\n' {
				_, _ = out.Write([]byte("\n"))
			}
			if status != http.StatusOK {
				return exitError{code: 1}
			}
			return nil
		},
	}
	addGatewayFlags(cmd)
	return cmd
}
