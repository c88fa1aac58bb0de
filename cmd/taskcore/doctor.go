package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/doctor"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			var cfgPtr *config.Config
			if err == nil {
				cfgPtr = &cfg
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), cfgPtr, Version, builtinAgentNames...)
			if err := emit(cmd, diag, func() string { return renderDiagnosis(diag) }); err != nil {
				return err
			}
			if diag.Failed() {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

func renderDiagnosis(d doctor.Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "taskcore doctor (%s)\n", d.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "System: %s/%s (%s)\n", d.System.OS, d.System.Arch, d.System.Go)
	b.WriteString("---\n")
	for _, res := range d.Results {
		var label string
		switch res.Status {
		case doctor.StatusFail:
			label = color.RedString("FAIL")
		case doctor.StatusWarn:
			label = color.YellowString("WARN")
		case doctor.StatusSkip:
			label = color.HiBlackString("SKIP")
		default:
			label = color.GreenString("PASS")
		}
		fmt.Fprintf(&b, "%s %-12s %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(&b, "     %s\n", res.Detail)
		}
	}
	return b.String()
}
